package native

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/proc"
)

// fakeMemory is a flat memory image used in place of a traced process.
type fakeMemory struct {
	base   uint64
	data   []byte
	writes int
	reads  int
}

func newFakeMemory(base uint64, words ...uint32) *fakeMemory {
	m := &fakeMemory{base: base}
	for _, w := range words {
		m.data = binary.LittleEndian.AppendUint32(m.data, w)
	}
	return m
}

func (m *fakeMemory) readRaw(addr uint64, size int) ([]byte, error) {
	if addr < m.base || addr+uint64(size) > m.base+uint64(len(m.data)) {
		return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: errors.New("unmapped")}
	}
	r := make([]byte, size)
	copy(r, m.data[addr-m.base:])
	return r, nil
}

func (m *fakeMemory) ReadMemory(addr uint64, size int) ([]byte, error) {
	m.reads++
	return m.readRaw(addr, size)
}

func (m *fakeMemory) writeRaw(addr uint64, data []byte) error {
	if addr < m.base || addr+uint64(len(data)) > m.base+uint64(len(m.data)) {
		return errors.New("unmapped")
	}
	m.writes++
	copy(m.data[addr-m.base:], data)
	return nil
}

func (m *fakeMemory) word(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.data[addr-m.base:])
}

const (
	nop = 0xd503201f
	brk = 0xd4200000
	ret = 0xd65f03c0
)

func TestBreakpointsShareInstruction(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, nop, ret)
	bps := newBreakpointTable(proc.ARM64, mem)

	a, err := bps.create(0x1004, "f", "a.out")
	require.NoError(t, err)
	b, err := bps.create(0x1004, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)
	assert.Equal(t, uint32(brk), mem.word(0x1004))
	assert.Equal(t, 1, mem.writes)
	assert.Len(t, bps.list(), 2)

	require.NoError(t, bps.delete(a.ID))
	assert.Equal(t, uint32(brk), mem.word(0x1004), "still used by the second breakpoint")
	require.NoError(t, bps.delete(b.ID))
	assert.Equal(t, uint32(nop), mem.word(0x1004))

	err = bps.delete(b.ID)
	assert.True(t, proc.IsBreakpointGone(err))
}

func TestBreakpointUnreadableAddress(t *testing.T) {
	bps := newBreakpointTable(proc.ARM64, newFakeMemory(0x1000, nop))
	_, err := bps.create(0x9000, "", "")
	var merr *proc.MemoryReadError
	assert.True(t, errors.As(err, &merr))
	assert.Empty(t, bps.list())
}

func TestInternalBreakpointRefcount(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, nop)
	bps := newBreakpointTable(proc.ARM64, mem)

	require.NoError(t, bps.insertInternal(0x1000))
	require.NoError(t, bps.insertInternal(0x1000))
	bp, err := bps.create(0x1000, "", "")
	require.NoError(t, err)

	require.NoError(t, bps.removeInternal(0x1000))
	require.NoError(t, bps.delete(bp.ID))
	assert.Equal(t, uint32(brk), mem.word(0x1000))
	require.NoError(t, bps.removeInternal(0x1000))
	assert.Equal(t, uint32(nop), mem.word(0x1000))
	// unbalanced removals are ignored
	require.NoError(t, bps.removeInternal(0x1000))
}

func TestBreakpointHit(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, nop)
	bps := newBreakpointTable(proc.ARM64, mem)
	entry, err := bps.create(0x1000, "main", "a.out")
	require.NoError(t, err)
	entry.OneShot = true
	hook, err := bps.create(0x1000, "", "")
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 1, 2, 1}, bps.hit(0x1000))
	assert.Equal(t, uint64(1), hook.HitCount)
	_, ok := bps.find(entry.ID)
	assert.False(t, ok, "one-shot breakpoint removed on hit")

	assert.Equal(t, []uint64{2, 1}, bps.hit(0x1000))
	assert.Equal(t, uint64(2), hook.HitCount)
	assert.Nil(t, bps.hit(0x1004))
}

func TestSuspendAndMask(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, ret)
	bps := newBreakpointTable(proc.ARM64, mem)
	_, err := bps.create(0x1004, "", "")
	require.NoError(t, err)

	data, err := mem.readRaw(0x1000, 8)
	require.NoError(t, err)
	bps.mask(0x1000, data)
	assert.Equal(t, uint32(ret), binary.LittleEndian.Uint32(data[4:]))

	// partially overlapping read
	data, err = mem.readRaw(0x1006, 2)
	require.NoError(t, err)
	bps.mask(0x1006, data)
	assert.Equal(t, []byte{0x5f, 0xd6}, data)

	suspended, err := bps.suspend(0x1004)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, uint32(ret), mem.word(0x1004))
	_, ok := bps.at(0x1004)
	assert.False(t, ok)

	require.NoError(t, bps.reinsert(0x1004))
	assert.Equal(t, uint32(brk), mem.word(0x1004))

	suspended, err = bps.suspend(0x1000)
	require.NoError(t, err)
	assert.False(t, suspended)
}

func TestDeleteWhileSuspended(t *testing.T) {
	mem := newFakeMemory(0x1000, nop)
	bps := newBreakpointTable(proc.ARM64, mem)
	bp, err := bps.create(0x1000, "", "")
	require.NoError(t, err)
	_, err = bps.suspend(0x1000)
	require.NoError(t, err)
	writes := mem.writes
	require.NoError(t, bps.delete(bp.ID))
	assert.Equal(t, writes, mem.writes, "original already in place")
	require.NoError(t, bps.reinsert(0x1000))
	assert.Equal(t, uint32(nop), mem.word(0x1000))
}

func TestRemoveAllAndForget(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, nop)
	bps := newBreakpointTable(proc.ARM64, mem)
	a, _ := bps.create(0x1000, "", "")
	_, _ = bps.create(0x1004, "", "")
	require.NoError(t, bps.removeAll())
	assert.Equal(t, uint32(nop), mem.word(0x1000))
	assert.Equal(t, uint32(nop), mem.word(0x1004))

	b, err := bps.create(0x1000, "", "")
	require.NoError(t, err)
	bps.forget()
	writes := mem.writes
	require.NoError(t, bps.delete(b.ID))
	require.NoError(t, bps.delete(a.ID))
	assert.Equal(t, writes, mem.writes)
}
