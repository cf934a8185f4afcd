package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eunmann/tlc-sync/pkg/fileutil"
)

// LocalStore publishes into a directory on the local filesystem.
// Keys map to slash-separated paths below the root.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// Root returns the store directory.
func (s *LocalStore) Root() string {
	return s.root
}

// List returns keys under prefix in lexical order. In-flight .tmp files are
// not listed.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, fileutil.TmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list objects in %s: %w", s, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Put copies localPath to key, replacing any existing file atomically.
func (s *LocalStore) Put(_ context.Context, key, localPath string) error {
	if key == "" || strings.Contains(key, "..") {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("invalid key %q", key)}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("open staged file: %w", err)}
	}
	defer src.Close()

	dst := filepath.Join(s.root, filepath.FromSlash(key))
	err = fileutil.WriteTmpThenMove(dst, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, src); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: err}
	}
	return nil
}

func (s *LocalStore) String() string {
	return "file://" + s.root
}

func (s *LocalStore) Close() error {
	return nil
}
