package abi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

const (
	// MaxStringLen bounds the strings read from the target.
	MaxStringLen = 256
	// MaxBufferPreview is the number of bytes of a buffer shown in hex.
	MaxBufferPreview = 16
)

type argKind uint8

const (
	argHex argKind = iota
	argPath
	argFlags
	argMode
	argAccessMode
	argFd
	argDirFd
	argSize
	argOffset
	argWhence
	argBuffer
	argStat
)

type param struct {
	name string
	kind argKind
}

type function struct {
	params []param
	// result is the struct the return value points to, if any.
	result string
}

var functions = map[string]*function{
	"open":    {params: []param{{"path", argPath}, {"flags", argFlags}, {"mode", argMode}}},
	"openat":  {params: []param{{"dirfd", argDirFd}, {"path", argPath}, {"flags", argFlags}, {"mode", argMode}}},
	"creat":   {params: []param{{"path", argPath}, {"mode", argMode}}},
	"access":  {params: []param{{"path", argPath}, {"mode", argAccessMode}}},
	"unlink":  {params: []param{{"path", argPath}}},
	"mkdir":   {params: []param{{"path", argPath}, {"mode", argMode}}},
	"stat":    {params: []param{{"path", argPath}, {"stat_buf", argStat}}},
	"lstat":   {params: []param{{"path", argPath}, {"stat_buf", argStat}}},
	"fstat":   {params: []param{{"fd", argFd}, {"stat_buf", argStat}}},
	"read":    {params: []param{{"fd", argFd}, {"buf", argBuffer}, {"count", argSize}}},
	"write":   {params: []param{{"fd", argFd}, {"buf", argBuffer}, {"count", argSize}}},
	"pread":   {params: []param{{"fd", argFd}, {"buf", argBuffer}, {"count", argSize}, {"offset", argOffset}}},
	"pwrite":  {params: []param{{"fd", argFd}, {"buf", argBuffer}, {"count", argSize}, {"offset", argOffset}}},
	"close":   {params: []param{{"fd", argFd}}},
	"lseek":   {params: []param{{"fd", argFd}, {"offset", argOffset}, {"whence", argWhence}}},
	"malloc":  {params: []param{{"size", argSize}}},
	"calloc":  {params: []param{{"nmemb", argSize}, {"size", argSize}}},
	"realloc": {params: []param{{"ptr", argHex}, {"size", argSize}}},
	"free":    {params: []param{{"ptr", argHex}}},
	"opendir": {params: []param{{"path", argPath}}},
	"readdir": {params: []param{{"dirp", argHex}}, result: "dirent"},
}

// Functions returns the sorted names of the functions with a dedicated
// decoder.
func Functions() []string {
	r := make([]string, 0, len(functions))
	for name := range functions {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

var whenceNames = map[uint64]string{0: "SEEK_SET", 1: "SEEK_CUR", 2: "SEEK_END", 3: "SEEK_DATA", 4: "SEEK_HOLE"}

const atFdCwd = -100

// Decoder renders call arguments and return values.
type Decoder struct {
	r       Reader
	profile *Profile
	log     logflags.Logger
}

// NewDecoder returns a decoder reading from r with the given calling
// convention.
func NewDecoder(r Reader, profile *Profile) *Decoder {
	return &Decoder{r: r, profile: profile, log: logflags.InterceptLogger()}
}

// Profile returns the calling convention used by d.
func (d *Decoder) Profile() *Profile {
	return d.profile
}

// DecodeArgs renders the arguments of the call of fn tid is stopped at.
// Functions without a decoder are rendered as `reg=0xVALUE` for the first
// argument registers.
func (d *Decoder) DecodeArgs(tid int, fn string) []string {
	regs := d.profile.Required(fn)
	args := make([]uint64, len(regs))
	for i, reg := range regs {
		v, err := d.r.ReadRegister(tid, reg)
		if err != nil {
			d.log.Warnf("%s: could not read argument register %s: %v", fn, reg, err)
			continue
		}
		args[i] = v
	}
	f, ok := functions[fn]
	if !ok {
		r := make([]string, len(regs))
		for i, reg := range regs {
			r[i] = fmt.Sprintf("%s=%#x", reg, args[i])
		}
		return r
	}
	r := make([]string, 0, len(f.params))
	for i, p := range f.params {
		if i >= len(args) {
			break
		}
		r = append(r, p.name+"="+d.formatArg(tid, p.kind, args, i))
	}
	return r
}

func (d *Decoder) formatArg(tid int, kind argKind, args []uint64, i int) string {
	v := args[i]
	switch kind {
	case argPath:
		return d.readString(v)
	case argFlags:
		return fmt.Sprintf("%#x", v)
	case argMode:
		return "0o" + strconv.FormatUint(v&0xffffffff, 8)
	case argAccessMode:
		return accessMode(v)
	case argFd:
		return strconv.FormatInt(int64(int32(v)), 10)
	case argDirFd:
		if int32(v) == atFdCwd {
			return "AT_FDCWD"
		}
		return strconv.FormatInt(int64(int32(v)), 10)
	case argSize:
		return strconv.FormatUint(v, 10)
	case argOffset:
		return strconv.FormatInt(int64(v), 10)
	case argWhence:
		if name, ok := whenceNames[v&0xffffffff]; ok {
			return name
		}
		return strconv.FormatUint(v, 10)
	case argBuffer:
		n := uint64(MaxBufferPreview)
		if i+1 < len(args) && args[i+1] < n {
			n = args[i+1]
		}
		return d.previewBuffer(v, int(n))
	case argStat:
		if v == 0 {
			return "NULL"
		}
		s, err := DecodeStruct(d.r, d.profile.Arch, tid, "stat", v)
		if err != nil {
			d.log.Warnf("%v", err)
			var ierr *InvalidPointerError
			if errors.As(err, &ierr) {
				return ierr.Error()
			}
			return fmt.Sprintf("%#x", v)
		}
		return s.String()
	}
	return fmt.Sprintf("%#x", v)
}

func accessMode(v uint64) string {
	if v&7 == 0 {
		return "F_OK"
	}
	var modes []string
	for _, m := range []struct {
		bit  uint64
		name string
	}{{4, "R_OK"}, {2, "W_OK"}, {1, "X_OK"}} {
		if v&m.bit != 0 {
			modes = append(modes, m.name)
		}
	}
	return strings.Join(modes, "|")
}

// InvalidPointerError is returned when a pointer argument can not be read.
type InvalidPointerError struct {
	Addr uint64
}

func (e *InvalidPointerError) Error() string {
	return fmt.Sprintf("<invalid: %#x>", e.Addr)
}

// probe checks that addr is readable before a bulk read.
func probe(mem proc.MemoryReader, addr uint64) error {
	if _, err := mem.ReadMemory(addr, 1); err != nil {
		return &InvalidPointerError{Addr: addr}
	}
	return nil
}

func (d *Decoder) readString(addr uint64) string {
	if addr == 0 {
		return "NULL"
	}
	if err := probe(d.r, addr); err != nil {
		return err.Error()
	}
	b, truncated, err := proc.ReadCString(d.r, addr, MaxStringLen)
	if err != nil && len(b) == 0 {
		return (&InvalidPointerError{Addr: addr}).Error()
	}
	s := renderString(b)
	if truncated {
		s += "..."
	}
	return s
}

// renderString quotes b. Invalid UTF-8 sequences are replaced, data that
// has no printable text left at all is shown in hex instead.
func renderString(b []byte) string {
	if utf8.Valid(b) {
		return strconv.Quote(string(b))
	}
	s := strings.ToValidUTF8(string(b), "�")
	for _, r := range s {
		if r != utf8.RuneError && unicode.IsPrint(r) {
			return strconv.Quote(s)
		}
	}
	return "hex:" + hex.EncodeToString(b)
}

func (d *Decoder) previewBuffer(addr uint64, n int) string {
	if addr == 0 {
		return "NULL"
	}
	if n <= 0 {
		return fmt.Sprintf("%#x []", addr)
	}
	if err := probe(d.r, addr); err != nil {
		return err.Error()
	}
	b, err := d.r.ReadMemory(addr, n)
	if err != nil {
		return fmt.Sprintf("%#x [<read_error>]", addr)
	}
	return fmt.Sprintf("%#x [%s]", addr, hex.EncodeToString(b))
}

// DecodeReturn reads the return value of fn. For functions returning a
// pointer to a known struct the decoded struct is returned as well.
func (d *Decoder) DecodeReturn(tid int, fn string) (uint64, string, error) {
	v, err := d.profile.ReturnValue(d.r, tid)
	if err != nil {
		return 0, "", err
	}
	f, ok := functions[fn]
	if !ok || f.result == "" || v == 0 {
		return v, "", nil
	}
	s, err := DecodeStruct(d.r, d.profile.Arch, tid, f.result, v)
	if err != nil {
		d.log.Warnf("%v", err)
		return v, "", nil
	}
	return v, s.String(), nil
}
