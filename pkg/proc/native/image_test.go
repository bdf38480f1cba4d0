package native

import (
	"encoding/binary"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/proc"
)

func buildIDNote(name string, typ uint32, desc []byte) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(name)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(desc)))
	b = binary.LittleEndian.AppendUint32(b, typ)
	b = append(b, name...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	b = append(b, desc...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func TestParseBuildIDNote(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	data := append(buildIDNote("Go\x00", 4, []byte("abc")), buildIDNote("GNU\x00", ntGNUBuildID, id)...)
	assert.Equal(t, id, parseBuildIDNote(data, binary.LittleEndian))

	assert.Nil(t, parseBuildIDNote(buildIDNote("GNU\x00", 1, id), binary.LittleEndian))
	assert.Nil(t, parseBuildIDNote(data[:20], binary.LittleEndian))
}

func TestUUIDFromBytes(t *testing.T) {
	id := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}
	assert.Equal(t, "12345678-9abc-def0-1122-334455667788", uuidFromBytes(id))
	// short ids are zero padded
	assert.Equal(t, "12345678-0000-0000-0000-000000000000", uuidFromBytes(id[:4]))
}

func testImage() *image {
	img := &image{
		name: "a.out",
		symbols: []proc.Symbol{
			{Name: "helper", Module: "a.out", Start: 0x1100, End: 0x1100},
			{Name: "main", Module: "a.out", Start: 0x1000, End: 0x1080},
			{Name: "last", Module: "a.out", Start: 0x1200},
		},
		lines: []lineEntry{
			{addr: 0x1000, file: "main.c", line: 3},
			{addr: 0x1008, file: "main.c", line: 4},
			{addr: 0x1010, file: "main.c", line: 5, prologueEnd: true},
			{addr: 0x1080, endSequence: true},
			{addr: 0x1100, file: "helper.c", line: 10},
			{addr: 0x1104, file: "helper.c", line: 11},
			{addr: 0x1110, endSequence: true},
		},
	}
	img.sortSymbols()
	img.computePrologues()
	return img
}

func TestSortSymbols(t *testing.T) {
	img := testImage()
	require.Len(t, img.symbols, 3)
	assert.Equal(t, "main", img.symbols[0].Name)
	assert.Equal(t, uint64(0x1200), img.symbols[1].End, "unknown size extends to the next symbol")
	assert.Equal(t, uint64(0x1201), img.symbols[2].End)
	assert.Equal(t, 1, img.byName["helper"])

	i, ok := img.symbolAt(0x1150)
	require.True(t, ok)
	assert.Equal(t, "helper", img.symbols[i].Name)
	_, ok = img.symbolAt(0x1090)
	assert.False(t, ok)
	_, ok = img.symbolAt(0x10)
	assert.False(t, ok)
}

func TestLineAt(t *testing.T) {
	img := testImage()
	file, line, ok := img.lineAt(0x100c)
	require.True(t, ok)
	assert.Equal(t, "main.c", file)
	assert.Equal(t, 4, line)

	_, _, ok = img.lineAt(0x1090)
	assert.False(t, ok, "after the end of a sequence")
	_, _, ok = img.lineAt(0xfff)
	assert.False(t, ok)
}

func TestComputePrologues(t *testing.T) {
	img := testImage()
	assert.Equal(t, uint64(0x10), img.symbols[0].PrologueSize, "prologue end flag wins")
	assert.Equal(t, uint64(0x4), img.symbols[1].PrologueSize, "second line entry")
	assert.Equal(t, uint64(0), img.symbols[2].PrologueSize)
}

func TestLoadImageOfTestBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	img, err := loadImage(exe)
	require.NoError(t, err)
	if len(img.symbols) == 0 {
		t.Skip("stripped test binary")
	}
	assert.NotEmpty(t, img.uuid)
	i, ok := img.byName["runtime.main"]
	require.True(t, ok)
	assert.Equal(t, "runtime.main", img.symbols[i].Name)
	assert.Greater(t, img.symbols[i].End, img.symbols[i].Start)
}
