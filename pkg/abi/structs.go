package abi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/ntrace/pkg/proc"
)

// FieldKind is the C type class of a struct field.
type FieldKind uint8

const (
	Unsigned FieldKind = iota
	Signed
	// Chars is a NUL padded char array.
	Chars
	// Nested is an embedded struct named by FieldLayout.Struct.
	Nested
	// Padding is never decoded.
	Padding
)

// FieldLayout is one field of a StructLayout.
type FieldLayout struct {
	Name   string
	Offset int
	Size   int
	Kind   FieldKind
	Struct string
}

// StructLayout is the memory layout of a C struct on a Linux target.
type StructLayout struct {
	Name   string
	Size   int
	Fields []FieldLayout
}

var timespecLayout = &StructLayout{
	Name: "timespec",
	Size: 16,
	Fields: []FieldLayout{
		{Name: "tv_sec", Offset: 0, Size: 8, Kind: Signed},
		{Name: "tv_nsec", Offset: 8, Size: 8, Kind: Signed},
	},
}

var direntLayout = &StructLayout{
	Name: "dirent",
	Size: 280,
	Fields: []FieldLayout{
		{Name: "d_ino", Offset: 0, Size: 8, Kind: Unsigned},
		{Name: "d_off", Offset: 8, Size: 8, Kind: Signed},
		{Name: "d_reclen", Offset: 16, Size: 2, Kind: Unsigned},
		{Name: "d_type", Offset: 18, Size: 1, Kind: Unsigned},
		{Name: "d_name", Offset: 19, Size: 256, Kind: Chars},
	},
}

// statAMD64 is the x86_64 kernel layout of struct stat.
var statAMD64 = &StructLayout{
	Name: "stat",
	Size: 144,
	Fields: []FieldLayout{
		{Name: "st_dev", Offset: 0, Size: 8, Kind: Unsigned},
		{Name: "st_ino", Offset: 8, Size: 8, Kind: Unsigned},
		{Name: "st_nlink", Offset: 16, Size: 8, Kind: Unsigned},
		{Name: "st_mode", Offset: 24, Size: 4, Kind: Unsigned},
		{Name: "st_uid", Offset: 28, Size: 4, Kind: Unsigned},
		{Name: "st_gid", Offset: 32, Size: 4, Kind: Unsigned},
		{Name: "__pad0", Offset: 36, Size: 4, Kind: Padding},
		{Name: "st_rdev", Offset: 40, Size: 8, Kind: Unsigned},
		{Name: "st_size", Offset: 48, Size: 8, Kind: Signed},
		{Name: "st_blksize", Offset: 56, Size: 8, Kind: Signed},
		{Name: "st_blocks", Offset: 64, Size: 8, Kind: Signed},
		{Name: "st_atim", Offset: 72, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "st_mtim", Offset: 88, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "st_ctim", Offset: 104, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "__unused", Offset: 120, Size: 24, Kind: Padding},
	},
}

// statARM64 is the generic kernel layout of struct stat, used by arm64.
var statARM64 = &StructLayout{
	Name: "stat",
	Size: 128,
	Fields: []FieldLayout{
		{Name: "st_dev", Offset: 0, Size: 8, Kind: Unsigned},
		{Name: "st_ino", Offset: 8, Size: 8, Kind: Unsigned},
		{Name: "st_mode", Offset: 16, Size: 4, Kind: Unsigned},
		{Name: "st_nlink", Offset: 20, Size: 4, Kind: Unsigned},
		{Name: "st_uid", Offset: 24, Size: 4, Kind: Unsigned},
		{Name: "st_gid", Offset: 28, Size: 4, Kind: Unsigned},
		{Name: "st_rdev", Offset: 32, Size: 8, Kind: Unsigned},
		{Name: "__pad1", Offset: 40, Size: 8, Kind: Padding},
		{Name: "st_size", Offset: 48, Size: 8, Kind: Signed},
		{Name: "st_blksize", Offset: 56, Size: 4, Kind: Signed},
		{Name: "__pad2", Offset: 60, Size: 4, Kind: Padding},
		{Name: "st_blocks", Offset: 64, Size: 8, Kind: Signed},
		{Name: "st_atim", Offset: 72, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "st_mtim", Offset: 88, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "st_ctim", Offset: 104, Size: 16, Kind: Nested, Struct: "timespec"},
		{Name: "__unused", Offset: 120, Size: 8, Kind: Padding},
	},
}

// Layouts lists, by architecture name, the structs that can be decoded
// without debug information.
var Layouts = map[string]map[string]*StructLayout{
	proc.AMD64.Name: {"stat": statAMD64, "timespec": timespecLayout, "dirent": direntLayout},
	proc.ARM64.Name: {"stat": statARM64, "timespec": timespecLayout, "dirent": direntLayout},
}

// Field is a decoded struct field. Nested structs have Fields instead of
// a Value.
type Field struct {
	Name   string
	Value  string
	Fields []Field
}

// Struct is a decoded struct.
type Struct struct {
	Name   string
	Fields []Field
}

func (s *Struct) String() string {
	var b strings.Builder
	writeFields(&b, s.Fields)
	return b.String()
}

func writeFields(b *strings.Builder, fields []Field) {
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		if f.Fields != nil {
			writeFields(b, f.Fields)
		} else {
			b.WriteString(f.Value)
		}
	}
	b.WriteByte('}')
}

// ErrUnknownStruct is returned for structs without a known layout when
// the target can not evaluate the struct type.
var ErrUnknownStruct = errors.New("no decoding available")

// DecodeError is returned by DecodeStruct.
type DecodeError struct {
	Struct string
	Addr   uint64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode struct %s at %#x: %v", e.Struct, e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeStruct decodes `struct name` at addr. The target's expression
// evaluator is tried first, so that its debug information wins over the
// built-in layouts, then the raw memory is decoded with the Layouts of
// arch.
func DecodeStruct(r Reader, arch *proc.Arch, tid int, name string, addr uint64) (*Struct, error) {
	if addr == 0 {
		return nil, &DecodeError{Struct: name, Addr: addr, Err: errNullPointer}
	}
	v, err := r.EvaluateExpression(tid, fmt.Sprintf("*(struct %s*)%#x", name, addr))
	if err == nil && len(v.Children) > 0 {
		return &Struct{Name: name, Fields: evaluatedFields(v.Children)}, nil
	}
	layouts := Layouts[arch.Name]
	layout, ok := layouts[name]
	if !ok {
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrUnknownStruct, err)
		} else {
			err = ErrUnknownStruct
		}
		return nil, &DecodeError{Struct: name, Addr: addr, Err: err}
	}
	fields, err := decodeRaw(r, layouts, layout, addr)
	if err != nil {
		return nil, &DecodeError{Struct: name, Addr: addr, Err: err}
	}
	return &Struct{Name: name, Fields: fields}, nil
}

var errNullPointer = errors.New("null pointer")

func evaluatedFields(children []proc.Value) []Field {
	fields := make([]Field, 0, len(children))
	for i := range children {
		c := &children[i]
		if strings.HasPrefix(c.Name, "_") {
			continue
		}
		f := Field{Name: c.Name}
		switch {
		case c.Value != "":
			f.Value = c.Value
		case c.Summary != "":
			f.Value = c.Summary
		case len(c.Children) > 0:
			f.Fields = evaluatedFields(c.Children)
		}
		fields = append(fields, f)
	}
	return fields
}

func decodeRaw(mem proc.MemoryReader, layouts map[string]*StructLayout, layout *StructLayout, addr uint64) ([]Field, error) {
	if err := probe(mem, addr); err != nil {
		return nil, err
	}
	buf, err := proc.CacheMemory(mem, addr, layout.Size).ReadMemory(addr, layout.Size)
	if err != nil {
		return nil, err
	}
	return decodeLayout(buf, layouts, layout)
}

func decodeLayout(buf []byte, layouts map[string]*StructLayout, layout *StructLayout) ([]Field, error) {
	fields := make([]Field, 0, len(layout.Fields))
	for _, fl := range layout.Fields {
		if fl.Kind == Padding || strings.HasPrefix(fl.Name, "_") {
			continue
		}
		if fl.Offset+fl.Size > len(buf) {
			return nil, fmt.Errorf("field %s.%s out of bounds", layout.Name, fl.Name)
		}
		raw := buf[fl.Offset : fl.Offset+fl.Size]
		f := Field{Name: fl.Name}
		switch fl.Kind {
		case Unsigned:
			f.Value = strconv.FormatUint(leUint(raw), 10)
		case Signed:
			f.Value = strconv.FormatInt(signExtend(leUint(raw), fl.Size), 10)
		case Chars:
			if i := bytes.IndexByte(raw, 0); i >= 0 {
				raw = raw[:i]
			}
			f.Value = strconv.Quote(strings.ToValidUTF8(string(raw), "�"))
		case Nested:
			nested, ok := layouts[fl.Struct]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownStruct, fl.Struct)
			}
			sub, err := decodeLayout(raw, layouts, nested)
			if err != nil {
				return nil, err
			}
			f.Fields = sub
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func leUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func signExtend(v uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift
}
