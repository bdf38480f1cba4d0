package native

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/proc"
)

func stackMemory(base uint64, words ...uint64) *fakeMemory {
	m := &fakeMemory{base: base}
	for _, w := range words {
		m.data = binary.LittleEndian.AppendUint64(m.data, w)
	}
	return m
}

// testStack holds two frame records: helper's at 0x8010 pointing back
// into main, main's at 0x8030 pointing into libc.
func testStack() *fakeMemory {
	return stackMemory(0x8000,
		0, 0,
		0x8030, 0x1044,
		0, 0,
		0, 0x7f0000002150,
	)
}

func TestUnwindFramePointers(t *testing.T) {
	st, _ := testSymbolTable(t)
	frames := unwind(proc.ARM64, testStack(), st, frameRegs{pc: 0x1108, sp: 0x8000, fp: 0x8010, lr: 0xdead}, -1)
	require.Len(t, frames, 3)

	assert.Equal(t, proc.Frame{PC: 0x1108, SP: 0x8000, Function: "helper", File: "helper.c", Line: 11}, frames[0])
	assert.Equal(t, proc.Frame{PC: 0x1044, SP: 0x8020, Function: "main", File: "main.c", Line: 5}, frames[1])
	assert.Equal(t, "close", frames[2].Function)
	assert.Equal(t, uint64(0x8040), frames[2].SP)
}

func TestUnwindAtFunctionEntry(t *testing.T) {
	st, _ := testSymbolTable(t)
	// the frame record of helper is not set up yet, the return address is
	// in the link register
	frames := unwind(proc.ARM64, testStack(), st, frameRegs{pc: 0x1100, sp: 0x8020, fp: 0x8030, lr: 0x1044}, -1)
	require.Len(t, frames, 3)
	assert.Equal(t, "helper", frames[0].Function)
	assert.Equal(t, uint64(0x1044), frames[1].PC)
	assert.Equal(t, "main", frames[1].Function)
	assert.Equal(t, "close", frames[2].Function)

	frames = unwind(proc.ARM64, testStack(), st, frameRegs{pc: 0x1100, sp: 0x8020, fp: 0x8030, lr: 0x1044}, 2)
	assert.Len(t, frames, 2)
}

func TestUnwindUnknownCode(t *testing.T) {
	st, _ := testSymbolTable(t)
	frames := unwind(proc.ARM64, testStack(), st, frameRegs{pc: 0xbad0, sp: 0x8000, fp: 0}, -1)
	require.Len(t, frames, 1)
	assert.Equal(t, "??", frames[0].Function)
}

func TestReturnAddress(t *testing.T) {
	helper := &proc.Symbol{Name: "helper", Start: 0x1100, End: 0x1200, PrologueSize: 4}

	ret, sp, ok := returnAddress(proc.ARM64, testStack(), helper, frameRegs{pc: 0x1100, sp: 0x8020, fp: 0x8030, lr: 0x1044})
	require.True(t, ok)
	assert.Equal(t, uint64(0x1044), ret)
	assert.Equal(t, uint64(0x8020), sp)

	ret, sp, ok = returnAddress(proc.ARM64, testStack(), helper, frameRegs{pc: 0x1108, sp: 0x8000, fp: 0x8010})
	require.True(t, ok)
	assert.Equal(t, uint64(0x1044), ret)
	assert.Equal(t, uint64(0x8020), sp)

	// amd64 keeps the return address on the stack at entry
	mem := stackMemory(0x8000, 0x1044)
	ret, sp, ok = returnAddress(proc.AMD64, mem, helper, frameRegs{pc: 0x1100, sp: 0x8000, fp: 0x9000})
	require.True(t, ok)
	assert.Equal(t, uint64(0x1044), ret)
	assert.Equal(t, uint64(0x8008), sp)

	_, _, ok = returnAddress(proc.AMD64, mem, helper, frameRegs{pc: 0x1108, sp: 0x8000, fp: 0x9000})
	assert.False(t, ok)
}
