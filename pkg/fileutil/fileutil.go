// Package fileutil provides staging file helpers with tmp+mv semantics.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/tlc-sync/pkg/logging"
)

// TmpSuffix marks files that are still being written.
const TmpSuffix = ".tmp"

// Size returns the size of the file at path.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteTmpThenMove writes outPath+".tmp" via writeFunc, syncs it, then renames it
// to outPath. Parent directories are created as needed. On any failure the
// temporary file is removed and outPath is left untouched.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + TmpSuffix

	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}

	return nil
}

// syncFile opens, syncs, and closes a file.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CleanupTmpFiles removes all .tmp files under dir left behind by an interrupted run.
// A missing dir is not an error.
func CleanupTmpFiles(dir string) error {
	log := logging.L()

	var removed int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			// Continue walking even if individual paths fail
			return nil //nolint:nilerr
		}
		if !d.IsDir() && strings.HasSuffix(path, TmpSuffix) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		log.Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}

	return err
}
