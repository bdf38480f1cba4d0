// Package skip decides which addresses and source files the tracer steps
// over instead of into.
package skip

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

type addrRange struct {
	start, end uint64
	module     string
}

// Resolver answers skip queries for one session. Module ranges are computed
// once from the target's module list, results are cached for the lifetime
// of the session: the module map of the target is assumed not to change.
type Resolver struct {
	syms     proc.SymbolTable
	ranges   []addrRange
	patterns []string

	fileCache map[string]bool
	addrCache map[uint64]bool

	resolutions int
	log         logflags.Logger
}

// New builds a resolver. skipModules entries match a module's name, its
// full path, or, when they end with a slash, any module below that
// directory. skipFiles are glob patterns matched against both the full
// path and the base name of a source file.
func New(syms proc.SymbolTable, skipModules, skipFiles []string) *Resolver {
	r := &Resolver{
		syms:      syms,
		patterns:  skipFiles,
		fileCache: make(map[string]bool),
		addrCache: make(map[uint64]bool),
		log:       logflags.SkipLogger(),
	}

	names := trie.New()
	for _, m := range skipModules {
		names.Add(m, nil)
	}
	for _, m := range syms.Modules() {
		if !moduleMatches(names, &m) {
			continue
		}
		if m.End <= m.Start {
			r.log.Warnf("skip module %s has no address range", m.Path)
			continue
		}
		r.ranges = append(r.ranges, addrRange{m.Start, m.End, m.Name})
		r.log.Debugf("skipping module %s [%#x, %#x)", m.Name, m.Start, m.End)
	}
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].start < r.ranges[j].start })
	return r
}

func moduleMatches(names *trie.Trie, m *proc.Module) bool {
	if _, ok := names.Find(m.Name); ok {
		return true
	}
	if _, ok := names.Find(m.Path); ok {
		return true
	}
	if !names.HasKeysWithPrefix("/") {
		return false
	}
	dir := m.Path
	for {
		dir = path.Dir(dir)
		if dir == "/" || dir == "." {
			return false
		}
		if _, ok := names.Find(dir + "/"); ok {
			return true
		}
	}
}

// InSkipModule returns the name of the skipped module containing addr.
func (r *Resolver) InSkipModule(addr uint64) (string, bool) {
	i := sort.Search(len(r.ranges), func(i int) bool { return r.ranges[i].end > addr })
	if i < len(r.ranges) && r.ranges[i].start <= addr {
		return r.ranges[i].module, true
	}
	return "", false
}

// ShouldSkip returns true if the code at addr is uninteresting.
//
// Addresses inside a skipped module are skipped without consulting the
// backend. Otherwise the address is resolved to a line entry: an address
// that does not resolve at all is skipped, so that the tracer never steps
// into unmapped code, while an address that resolves but has no line
// entry is traced.
func (r *Resolver) ShouldSkip(addr uint64) bool {
	if skip, ok := r.addrCache[addr]; ok {
		return skip
	}
	skip := r.shouldSkip(addr)
	r.addrCache[addr] = skip
	return skip
}

func (r *Resolver) shouldSkip(addr uint64) bool {
	if mod, ok := r.InSkipModule(addr); ok {
		r.log.Debugf("%#x is in skipped module %s", addr, mod)
		return true
	}
	r.resolutions++
	loc, err := r.syms.ResolveAddress(addr)
	if err != nil {
		r.log.Warnf("could not resolve %#x, skipping: %v", addr, err)
		return true
	}
	if !loc.HasLine() {
		return false
	}
	return r.ShouldSkipFile(loc.File)
}

// ShouldSkipFile returns true if path matches one of the skipped source
// file patterns.
func (r *Resolver) ShouldSkipFile(file string) bool {
	if skip, ok := r.fileCache[file]; ok {
		return skip
	}
	skip := false
	base := filepath.Base(file)
	for _, pat := range r.patterns {
		if m, _ := filepath.Match(pat, file); m {
			skip = true
			break
		}
		if m, _ := filepath.Match(pat, base); m {
			skip = true
			break
		}
		if strings.HasSuffix(pat, "/") && strings.HasPrefix(file, pat) {
			skip = true
			break
		}
	}
	r.fileCache[file] = skip
	return skip
}

// Resolutions returns the number of address resolutions requested from
// the backend so far.
func (r *Resolver) Resolutions() int {
	return r.resolutions
}

// DumpSourceFiles writes every source file known to the target to path,
// as a YAML list, for offline authoring of skip-source-files.
func DumpSourceFiles(syms proc.SymbolTable, path string) error {
	files := append([]string(nil), syms.SourceFiles()...)
	sort.Strings(files)
	return writeList(path, files)
}

// DumpModules writes the path of every loaded module to path.
func DumpModules(syms proc.SymbolTable, path string) error {
	mods := syms.Modules()
	paths := make([]string, 0, len(mods))
	for _, m := range mods {
		paths = append(paths, m.Path)
	}
	sort.Strings(paths)
	return writeList(path, paths)
}

func writeList(path string, list []string) error {
	out, err := yaml.Marshal(list)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// ReadList reads a list written by DumpSourceFiles or DumpModules.
func ReadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	err = yaml.Unmarshal(data, &list)
	return list, err
}
