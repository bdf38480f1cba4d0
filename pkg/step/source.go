package step

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-delve/ntrace/pkg/logflags"
)

// sourcePaths maps the file names found in the debug information to files
// on disk and to the names printed in the narrative.
type sourcePaths struct {
	search  []string
	baseDir string

	resolved map[string]string
	log      logflags.Logger
}

func newSourcePaths(search []string, baseDir string, log logflags.Logger) *sourcePaths {
	return &sourcePaths{
		search:   search,
		baseDir:  baseDir,
		resolved: make(map[string]string),
		log:      log,
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// resolve returns the file on disk for file. Relative names are looked up
// in the search paths first, then in the working directory. Names that can
// not be found are returned unchanged.
func (s *sourcePaths) resolve(file string) string {
	if r, ok := s.resolved[file]; ok {
		return r
	}
	r, found := file, false
	if filepath.IsAbs(file) {
		found = exists(file)
	} else {
		for _, dir := range s.search {
			if candidate := filepath.Join(dir, file); exists(candidate) {
				r, found = candidate, true
				break
			}
		}
		if !found {
			if abs, err := filepath.Abs(file); err == nil && exists(abs) {
				r, found = abs, true
			}
		}
	}
	if !found {
		where := "the working directory"
		if len(s.search) > 0 {
			where = strings.Join(s.search, ", ")
		}
		s.log.Warnf("source file %s not found (searched %s)", file, where)
	}
	s.resolved[file] = r
	return r
}

// display returns the name of a resolved file as printed in the
// narrative: relative to the base directory when it is below it.
func (s *sourcePaths) display(file string) string {
	if s.baseDir == "" || !filepath.IsAbs(file) {
		return file
	}
	rel, err := filepath.Rel(s.baseDir, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return file
	}
	return rel
}
