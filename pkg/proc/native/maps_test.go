package native

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaps = `55d5c4a00000-55d5c4a02000 r--p 00000000 fd:01 1048601                    /usr/bin/cat
55d5c4a02000-55d5c4a07000 r-xp 00002000 fd:01 1048601                    /usr/bin/cat
55d5c4a07000-55d5c4a0a000 r--p 00007000 fd:01 1048601                    /usr/bin/cat
55d5c5b11000-55d5c5b32000 rw-p 00000000 00:00 0                          [heap]
7f1c2e200000-7f1c2e228000 r--p 00000000 fd:01 1053811                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f1c2e228000-7f1c2e3bd000 r-xp 00028000 fd:01 1053811                    /usr/lib/x86_64-linux-gnu/libc.so.6
7f1c2e500000-7f1c2e501000 rw-p 00000000 00:00 0
7f1c2e600000-7f1c2e601000 r-xp 00000000 fd:01 2000                       /tmp/old lib.so (deleted)
7ffd1a3e5000-7ffd1a3e7000 r-xp 00000000 00:00 0                          [vdso]
`

func TestParseMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(testMaps))
	require.NoError(t, err)
	require.Len(t, maps, 9)

	m := maps[1]
	assert.Equal(t, uint64(0x55d5c4a02000), m.start)
	assert.Equal(t, uint64(0x55d5c4a07000), m.end)
	assert.Equal(t, "r-xp", m.perms)
	assert.Equal(t, uint64(0x2000), m.offset)
	assert.Equal(t, uint64(1048601), m.inode)
	assert.Equal(t, "/usr/bin/cat", m.path)

	assert.Equal(t, "", maps[6].path)
	assert.Equal(t, "/tmp/old lib.so (deleted)", maps[7].path)
}

func TestParseMapsMalformed(t *testing.T) {
	_, err := parseMaps(strings.NewReader("zz-10 r--p 0 00:00 0\n"))
	assert.Error(t, err)
}

func TestImageRanges(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(testMaps))
	require.NoError(t, err)
	ranges := imageRanges(maps)
	require.Len(t, ranges, 2)

	assert.Equal(t, imageRange{path: "/usr/bin/cat", start: 0x55d5c4a00000, end: 0x55d5c4a0a000, base: 0x55d5c4a00000}, ranges[0])
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/libc.so.6", ranges[1].path)
	assert.Equal(t, uint64(0x7f1c2e200000), ranges[1].base)
	assert.Equal(t, uint64(0x7f1c2e3bd000), ranges[1].end)
}

func TestImageRangesWithoutOffsetZeroMapping(t *testing.T) {
	maps := []mapping{
		{start: 0x5000, end: 0x6000, offset: 0x1000, inode: 7, path: "/lib/a.so"},
	}
	ranges := imageRanges(maps)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0x4000), ranges[0].base)
}
