package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const cStringChunk = 64

// MemoryReadError is returned when target memory can not be read.
type MemoryReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *MemoryReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *MemoryReadError) Unwrap() error {
	return e.Err
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

// CacheMemory reads size bytes at addr once and serves reads inside that
// range from the copy. If the prefetch fails mem is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if mc, ok := mem.(*memCache); ok && mc.contains(addr, size) {
		return mem
	}
	cache, err := mem.ReadMemory(addr, size)
	if err != nil || len(cache) != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && size <= len(m.cache) && addr-m.cacheAddr <= uint64(len(m.cache)-size)
}

func (m *memCache) ReadMemory(addr uint64, size int) ([]byte, error) {
	if m.contains(addr, size) {
		r := make([]byte, size)
		copy(r, m.cache[addr-m.cacheAddr:])
		return r, nil
	}
	return m.mem.ReadMemory(addr, size)
}

// ReadUint reads a little endian unsigned integer of size 1, 2, 4 or 8
// bytes.
func ReadUint(mem MemoryReader, addr uint64, size int) (uint64, error) {
	buf, err := mem.ReadMemory(addr, size)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, &MemoryReadError{Addr: addr, Size: size, Err: fmt.Errorf("short read (%d bytes)", len(buf))}
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	return 0, fmt.Errorf("unsupported integer size %d", size)
}

// ReadCString reads a NUL terminated string of at most max bytes starting
// at addr. Memory is read in chunks, when a chunk crosses into unreadable
// memory the remaining bytes are read one at a time. The terminator is not
// included in the result, truncated is true if no terminator was found.
func ReadCString(mem MemoryReader, addr uint64, max int) (s []byte, truncated bool, err error) {
	for len(s) < max {
		n := cStringChunk
		if rem := max - len(s); rem < n {
			n = rem
		}
		chunk, rerr := mem.ReadMemory(addr+uint64(len(s)), n)
		if rerr != nil {
			chunk, rerr = readBytewise(mem, addr+uint64(len(s)), n)
			if len(chunk) == 0 {
				if len(s) == 0 {
					return nil, false, rerr
				}
				return s, true, nil
			}
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return append(s, chunk[:i]...), false, nil
		}
		s = append(s, chunk...)
		if rerr != nil {
			return s, true, nil
		}
	}
	return s, true, nil
}

func readBytewise(mem MemoryReader, addr uint64, n int) ([]byte, error) {
	r := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := mem.ReadMemory(addr+uint64(i), 1)
		if err != nil || len(b) != 1 {
			return r, err
		}
		r = append(r, b[0])
	}
	return r, nil
}
