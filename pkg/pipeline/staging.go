package pipeline

import (
	"slices"

	"github.com/rs/zerolog"

	"github.com/eunmann/tlc-sync/pkg/fileutil"
)

// stagingArea tracks the local files owned by one unit.
type stagingArea struct {
	log   zerolog.Logger
	paths []string
}

// track registers path for removal and returns it.
func (s *stagingArea) track(path string) string {
	s.paths = append(s.paths, path)
	return path
}

// remove deletes path now and stops tracking it.
func (s *stagingArea) remove(path string) {
	if err := fileutil.Remove(path); err != nil {
		// Left tracked so release retries it
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove staged file")
		return
	}
	s.paths = slices.DeleteFunc(s.paths, func(p string) bool { return p == path })
}

// release deletes every tracked file along with any .tmp sibling left by
// an interrupted write.
func (s *stagingArea) release() {
	for _, path := range s.paths {
		for _, p := range []string{path, path + fileutil.TmpSuffix} {
			if err := fileutil.Remove(p); err != nil {
				s.log.Warn().Err(err).Str("path", p).Msg("failed to remove staged file")
			}
		}
	}
	s.paths = nil
}
