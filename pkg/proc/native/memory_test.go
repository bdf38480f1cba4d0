package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/proc"
)

func TestDisassembleCachesInstructions(t *testing.T) {
	mem := newFakeMemory(0x1000, nop, ret)
	cache := newInstructionCache()

	insts, err := disassemble(proc.ARM64, mem, cache, 0x1000, 5)
	require.NoError(t, err)
	require.Len(t, insts, 2, "decoding stops at unmapped memory")
	assert.Equal(t, "nop", insts[0].Mnemonic)
	assert.True(t, insts[1].IsRet())
	assert.Equal(t, uint64(0x1004), insts[1].Addr)

	reads := mem.reads
	insts, err = disassemble(proc.ARM64, mem, cache, 0x1000, 2)
	require.NoError(t, err)
	assert.Len(t, insts, 2)
	assert.Equal(t, reads, mem.reads)

	cache.purge()
	_, err = disassemble(proc.ARM64, mem, cache, 0x1004, 1)
	require.NoError(t, err)
	assert.Greater(t, mem.reads, reads)
}

func TestDisassembleUnmapped(t *testing.T) {
	mem := newFakeMemory(0x1000, nop)
	_, err := disassemble(proc.ARM64, mem, newInstructionCache(), 0x9000, 1)
	assert.Error(t, err)
}

func TestReadInstructionBytesShortensRead(t *testing.T) {
	// a single byte left before the end of the mapping
	mem := &fakeMemory{base: 0x1000, data: []byte{0x90}}
	buf, err := readInstructionBytes(proc.AMD64, mem, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90}, buf)
}
