package native

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

// loadedModule is an image mapped at an address.
type loadedModule struct {
	proc.Module
	img  *image
	bias uint64
}

func (m *loadedModule) contains(pc uint64) bool {
	return pc >= m.Start && pc < m.End
}

// symbol returns the i-th symbol of the image relocated to the mapping.
func (m *loadedModule) symbol(i int) proc.Symbol {
	s := m.img.symbols[i]
	s.Start += m.bias
	s.End += m.bias
	return s
}

// symbolTable resolves addresses and names against the modules mapped in
// the target. Images are loaded once per path.
type symbolTable struct {
	exe    string
	mods   []*loadedModule
	images map[string]*image
	load   func(path string) (*image, error)
	log    logflags.Logger
}

func newSymbolTable(exe string) *symbolTable {
	return &symbolTable{
		exe:    exe,
		images: make(map[string]*image),
		load:   loadImage,
		log:    logflags.NativeLogger(),
	}
}

// update replaces the module list with the images in ranges.
func (st *symbolTable) update(ranges []imageRange) {
	mods := make([]*loadedModule, 0, len(ranges))
	for _, r := range ranges {
		img, ok := st.images[r.path]
		if !ok {
			var err error
			img, err = st.load(r.path)
			if err != nil {
				st.log.Debugf("could not load %s: %v", r.path, err)
				img = nil
			}
			st.images[r.path] = img
		}
		if img == nil {
			continue
		}
		m := &loadedModule{
			Module: proc.Module{Name: img.name, Path: r.path, UUID: img.uuid, Start: r.start, End: r.end},
			img:    img,
		}
		if img.typ != elf.ET_EXEC {
			m.bias = r.base - img.firstLoad
		}
		mods = append(mods, m)
	}
	st.mods = mods
	st.log.Debugf("%d modules loaded", len(mods))
}

func (st *symbolTable) modules() []proc.Module {
	r := make([]proc.Module, len(st.mods))
	for i, m := range st.mods {
		r[i] = m.Module
	}
	return r
}

// findModule matches name against the base name and path of the modules,
// "libc.so" matches "libc.so.6".
func (st *symbolTable) findModule(name string) (*loadedModule, bool) {
	for _, m := range st.mods {
		if m.Name == name || m.Path == name {
			return m, true
		}
	}
	for _, m := range st.mods {
		if strings.HasPrefix(m.Name, name+".") {
			return m, true
		}
	}
	return nil, false
}

func (st *symbolTable) moduleAt(pc uint64) (*loadedModule, bool) {
	for _, m := range st.mods {
		if m.contains(pc) {
			return m, true
		}
	}
	return nil, false
}

func (st *symbolTable) moduleSymbols(module string) ([]proc.Symbol, error) {
	m, ok := st.findModule(module)
	if !ok {
		return nil, fmt.Errorf("%w: %s", proc.ErrNoModule, module)
	}
	r := make([]proc.Symbol, len(m.img.symbols))
	for i := range m.img.symbols {
		r[i] = m.symbol(i)
	}
	return r, nil
}

// findFunction looks name up in module, or in every module starting with
// the executable.
func (st *symbolTable) findFunction(name, module string) (*proc.Symbol, error) {
	var candidates []*loadedModule
	if module != "" {
		m, ok := st.findModule(module)
		if !ok {
			return nil, fmt.Errorf("%w: %s", proc.ErrNoModule, module)
		}
		candidates = []*loadedModule{m}
	} else {
		for _, m := range st.mods {
			if m.Path == st.exe {
				candidates = append([]*loadedModule{m}, candidates...)
			} else {
				candidates = append(candidates, m)
			}
		}
	}
	for _, m := range candidates {
		if i, ok := m.img.byName[name]; ok {
			s := m.symbol(i)
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", proc.ErrNoSymbol, name)
}

func (st *symbolTable) resolve(pc uint64) (*proc.Location, error) {
	m, ok := st.moduleAt(pc)
	if !ok {
		return nil, fmt.Errorf("%#x does not belong to any module", pc)
	}
	loc := &proc.Location{PC: pc, Module: m.Name}
	rel := pc - m.bias
	if i, ok := m.img.symbolAt(rel); ok {
		s := m.symbol(i)
		loc.Symbol = &s
	}
	if file, line, ok := m.img.lineAt(rel); ok {
		loc.File, loc.Line = file, line
	}
	return loc, nil
}

func (st *symbolTable) sourceFiles() []string {
	seen := make(map[string]bool)
	var r []string
	for _, m := range st.mods {
		for _, f := range m.img.files {
			if !seen[f] {
				seen[f] = true
				r = append(r, f)
			}
		}
	}
	sort.Strings(r)
	return r
}
