package native

import (
	"fmt"
	"sort"

	"github.com/go-delve/ntrace/pkg/proc"
)

// memoryAccess reads and writes target memory without breakpoint masking.
type memoryAccess interface {
	readRaw(addr uint64, size int) ([]byte, error)
	writeRaw(addr uint64, data []byte) error
}

// swBreakpoint is a breakpoint instruction written into target memory.
// Several logical breakpoints and internal users share it.
type swBreakpoint struct {
	addr     uint64
	original []byte
	ids      []int
	// internal counts the temporary breakpoints of stepping plans.
	internal int
	inserted bool
}

func (sw *swBreakpoint) unused() bool {
	return len(sw.ids) == 0 && sw.internal == 0
}

type breakpointTable struct {
	arch   *proc.Arch
	mem    memoryAccess
	sw     map[uint64]*swBreakpoint
	bps    map[int]*proc.Breakpoint
	nextID int
}

func newBreakpointTable(arch *proc.Arch, mem memoryAccess) *breakpointTable {
	return &breakpointTable{
		arch:   arch,
		mem:    mem,
		sw:     make(map[uint64]*swBreakpoint),
		bps:    make(map[int]*proc.Breakpoint),
		nextID: 1,
	}
}

// acquire returns the software breakpoint at addr, writing it into memory
// if needed.
func (t *breakpointTable) acquire(addr uint64) (*swBreakpoint, error) {
	if sw, ok := t.sw[addr]; ok {
		return sw, nil
	}
	size := len(t.arch.BreakpointInstruction)
	original, err := t.mem.readRaw(addr, size)
	if err != nil {
		return nil, err
	}
	if err := t.mem.writeRaw(addr, t.arch.BreakpointInstruction); err != nil {
		return nil, fmt.Errorf("could not write breakpoint at %#x: %w", addr, err)
	}
	sw := &swBreakpoint{addr: addr, original: original, inserted: true}
	t.sw[addr] = sw
	return sw, nil
}

func (t *breakpointTable) release(sw *swBreakpoint) error {
	if !sw.unused() {
		return nil
	}
	delete(t.sw, sw.addr)
	if !sw.inserted {
		return nil
	}
	return t.mem.writeRaw(sw.addr, sw.original)
}

func (t *breakpointTable) create(addr uint64, name, module string) (*proc.Breakpoint, error) {
	sw, err := t.acquire(addr)
	if err != nil {
		return nil, err
	}
	bp := &proc.Breakpoint{ID: t.nextID, Addr: addr, Name: name, Module: module, OriginalData: sw.original}
	t.nextID++
	sw.ids = append(sw.ids, bp.ID)
	t.bps[bp.ID] = bp
	return bp, nil
}

func (t *breakpointTable) delete(id int) error {
	bp, ok := t.bps[id]
	if !ok {
		return proc.NoBreakpointError{ID: id}
	}
	delete(t.bps, id)
	sw, ok := t.sw[bp.Addr]
	if !ok {
		return nil
	}
	for i, x := range sw.ids {
		if x == id {
			sw.ids = append(sw.ids[:i], sw.ids[i+1:]...)
			break
		}
	}
	return t.release(sw)
}

func (t *breakpointTable) find(id int) (*proc.Breakpoint, bool) {
	bp, ok := t.bps[id]
	return bp, ok
}

func (t *breakpointTable) list() []*proc.Breakpoint {
	r := make([]*proc.Breakpoint, 0, len(t.bps))
	for _, bp := range t.bps {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

func (t *breakpointTable) insertInternal(addr uint64) error {
	sw, err := t.acquire(addr)
	if err != nil {
		return err
	}
	sw.internal++
	return nil
}

func (t *breakpointTable) removeInternal(addr uint64) error {
	sw, ok := t.sw[addr]
	if !ok || sw.internal == 0 {
		return nil
	}
	sw.internal--
	return t.release(sw)
}

// at returns the inserted breakpoint at addr.
func (t *breakpointTable) at(addr uint64) (*swBreakpoint, bool) {
	sw, ok := t.sw[addr]
	if !ok || !sw.inserted {
		return nil, false
	}
	return sw, true
}

// hit records a hit of the user breakpoints at addr and returns the stop
// data for it, a (breakpoint id, location id) pair per breakpoint. One-shot
// breakpoints are deleted.
func (t *breakpointTable) hit(addr uint64) []uint64 {
	sw, ok := t.sw[addr]
	if !ok || len(sw.ids) == 0 {
		return nil
	}
	data := make([]uint64, 0, 2*len(sw.ids))
	var oneShots []int
	for _, id := range sw.ids {
		bp := t.bps[id]
		bp.HitCount++
		data = append(data, uint64(id), 1)
		if bp.OneShot {
			oneShots = append(oneShots, id)
		}
	}
	for _, id := range oneShots {
		t.delete(id)
	}
	return data
}

// suspend restores the original instruction at addr so that a thread can
// execute it. It returns false if there is no inserted breakpoint.
func (t *breakpointTable) suspend(addr uint64) (bool, error) {
	sw, ok := t.at(addr)
	if !ok {
		return false, nil
	}
	if err := t.mem.writeRaw(addr, sw.original); err != nil {
		return false, err
	}
	sw.inserted = false
	return true, nil
}

// reinsert undoes suspend. Breakpoints deleted while suspended stay
// removed.
func (t *breakpointTable) reinsert(addr uint64) error {
	sw, ok := t.sw[addr]
	if !ok || sw.inserted {
		return nil
	}
	if err := t.mem.writeRaw(addr, t.arch.BreakpointInstruction); err != nil {
		return err
	}
	sw.inserted = true
	return nil
}

// mask replaces the breakpoint instructions inside data, read from addr,
// with the original memory.
func (t *breakpointTable) mask(addr uint64, data []byte) {
	end := addr + uint64(len(data))
	for _, sw := range t.sw {
		if !sw.inserted {
			continue
		}
		for i, b := range sw.original {
			a := sw.addr + uint64(i)
			if a >= addr && a < end {
				data[a-addr] = b
			}
		}
	}
}

// removeAll restores the original memory of every breakpoint.
func (t *breakpointTable) removeAll() error {
	var firstErr error
	for addr, sw := range t.sw {
		if sw.inserted {
			if err := t.mem.writeRaw(addr, sw.original); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(t.sw, addr)
	}
	return firstErr
}

// forget drops the software breakpoints without touching memory, for a
// process that no longer exists.
func (t *breakpointTable) forget() {
	t.sw = make(map[uint64]*swBreakpoint)
}
