package native

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/go-delve/ntrace/pkg/proc"
)

const (
	ntGNUBuildID = 3
	pageSize     = 0x1000
	// maxHashedImage bounds the bytes hashed to identify an image without
	// build-id.
	maxHashedImage = 64 << 20
)

type lineEntry struct {
	addr        uint64
	file        string
	line        int
	endSequence bool
	prologueEnd bool
}

// image is the debug information of an ELF file, with addresses relative
// to the file's link addresses.
type image struct {
	path string
	name string
	uuid string
	typ  elf.Type
	// firstLoad is the page aligned link address of the first loadable
	// segment.
	firstLoad uint64

	symbols []proc.Symbol
	byName  map[string]int
	lines   []lineEntry
	files   []string
}

func loadImage(path string) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &image{path: path, name: filepath.Base(path), typ: f.Type}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			img.firstLoad = (prog.Vaddr - prog.Off) &^ (pageSize - 1)
			break
		}
	}
	img.loadSymbols(f)
	if d, err := f.DWARF(); err == nil {
		img.loadLines(d)
	}
	img.computePrologues()

	if id := buildID(f); id != nil {
		img.uuid = uuidFromBytes(id)
	} else {
		img.uuid = hashFile(path)
	}
	return img, nil
}

func (img *image) loadSymbols(f *elf.File) {
	seen := make(map[string]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF || s.Name == "" {
				continue
			}
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			img.symbols = append(img.symbols, proc.Symbol{
				Name:   s.Name,
				Module: img.name,
				Start:  s.Value,
				End:    s.Value + s.Size,
			})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	img.sortSymbols()
}

func (img *image) sortSymbols() {
	sort.Slice(img.symbols, func(i, j int) bool { return img.symbols[i].Start < img.symbols[j].Start })
	for i := range img.symbols {
		s := &img.symbols[i]
		if s.End <= s.Start {
			// size unknown, assume the function ends where the next one starts
			s.End = s.Start + 1
			if i+1 < len(img.symbols) && img.symbols[i+1].Start > s.Start {
				s.End = img.symbols[i+1].Start
			}
		}
	}
	img.byName = make(map[string]int, len(img.symbols))
	for i, s := range img.symbols {
		img.byName[s.Name] = i
	}
}

func (img *image) loadLines(d *dwarf.Data) {
	files := make(map[string]bool)
	rdr := d.Reader()
	for {
		e, err := rdr.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}
		rdr.SkipChildren()
		lr, err := d.LineReader(e)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if !errors.Is(err, io.EOF) {
					break
				}
				break
			}
			entry := lineEntry{addr: le.Address, line: le.Line, endSequence: le.EndSequence, prologueEnd: le.PrologueEnd}
			if le.File != nil {
				entry.file = le.File.Name
				files[entry.file] = true
			}
			img.lines = append(img.lines, entry)
		}
	}
	// End of sequence markers sort before a sequence starting at the same
	// address.
	sort.SliceStable(img.lines, func(i, j int) bool {
		if img.lines[i].addr != img.lines[j].addr {
			return img.lines[i].addr < img.lines[j].addr
		}
		return img.lines[i].endSequence && !img.lines[j].endSequence
	})
	for file := range files {
		img.files = append(img.files, file)
	}
	sort.Strings(img.files)
}

// lineAt returns the line entry covering addr.
func (img *image) lineAt(addr uint64) (string, int, bool) {
	i := sort.Search(len(img.lines), func(i int) bool { return img.lines[i].addr > addr }) - 1
	if i < 0 || img.lines[i].endSequence || img.lines[i].file == "" {
		return "", 0, false
	}
	return img.lines[i].file, img.lines[i].line, true
}

// computePrologues sets the prologue size of every symbol with line
// information: the first entry flagged as prologue end, or the second
// line entry of the function.
func (img *image) computePrologues() {
	if len(img.lines) == 0 {
		return
	}
	for i := range img.symbols {
		s := &img.symbols[i]
		j := sort.Search(len(img.lines), func(j int) bool { return img.lines[j].addr >= s.Start })
		second := uint64(0)
		for ; j < len(img.lines) && img.lines[j].addr < s.End; j++ {
			le := img.lines[j]
			if le.endSequence {
				break
			}
			if le.prologueEnd {
				second = le.addr
				break
			}
			if second == 0 && le.addr > s.Start {
				second = le.addr
			}
		}
		if second > s.Start {
			s.PrologueSize = second - s.Start
		}
	}
}

// symbolAt returns the index of the symbol containing addr.
func (img *image) symbolAt(addr uint64) (int, bool) {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].Start > addr }) - 1
	if i < 0 || !img.symbols[i].Contains(addr) {
		return 0, false
	}
	return i, true
}

func buildID(f *elf.File) []byte {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return parseBuildIDNote(data, f.ByteOrder)
}

func parseBuildIDNote(data []byte, order binary.ByteOrder) []byte {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz, descsz, typ := order.Uint32(data[0:]), order.Uint32(data[4:]), order.Uint32(data[8:])
		data = data[12:]
		if uint32(len(data)) < align4(namesz)+descsz {
			return nil
		}
		name := data[:namesz]
		desc := data[align4(namesz) : align4(namesz)+descsz]
		if typ == ntGNUBuildID && string(name) == "GNU\x00" {
			return desc
		}
		next := align4(namesz) + align4(descsz)
		if uint32(len(data)) < next {
			return nil
		}
		data = data[next:]
	}
	return nil
}

// uuidFromBytes renders the first 16 bytes of id, zero padded, as a UUID.
func uuidFromBytes(id []byte) string {
	var b [16]byte
	copy(b[:], id)
	u, err := uuid.FromBytes(b[:])
	if err != nil {
		return ""
	}
	return u.String()
}

func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxHashedImage))
	if err != nil {
		return ""
	}
	h := xxh3.Hash128(data).Bytes()
	return uuidFromBytes(h[:])
}
