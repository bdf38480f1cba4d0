package skip

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/proc"
	"github.com/go-delve/ntrace/pkg/proc/fakeproc"
)

func newTarget() *fakeproc.Process {
	p := fakeproc.New(proc.ARM64)
	p.AddModule(proc.Module{Name: "a.out", Path: "/home/u/a.out", Start: 0x1000, End: 0x2000})
	p.AddModule(proc.Module{Name: "libc.so.6", Path: "/usr/lib/aarch64-linux-gnu/libc.so.6", Start: 0x10000, End: 0x20000})
	p.AddModule(proc.Module{Name: "libm.so.6", Path: "/usr/lib/aarch64-linux-gnu/libm.so.6", Start: 0x30000, End: 0x40000})
	p.SetLine(0x1000, 0x1100, "/home/u/main.c", 3)
	p.SetLine(0x1100, 0x1200, "/usr/include/bits/stdio2.h", 40)
	return p
}

func TestSkipModuleByName(t *testing.T) {
	r := New(newTarget(), []string{"libc.so.6"}, nil)
	assert.True(t, r.ShouldSkip(0x10010))
	assert.False(t, r.ShouldSkip(0x30010))
	mod, ok := r.InSkipModule(0x1ffff)
	assert.True(t, ok)
	assert.Equal(t, "libc.so.6", mod)
	_, ok = r.InSkipModule(0x20000)
	assert.False(t, ok)
	// Module ranges never need the backend.
	assert.Equal(t, 1, r.Resolutions())
}

func TestSkipModuleByDirectory(t *testing.T) {
	r := New(newTarget(), []string{"/usr/lib/"}, nil)
	assert.True(t, r.ShouldSkip(0x10010))
	assert.True(t, r.ShouldSkip(0x30010))
	assert.False(t, r.ShouldSkip(0x1010))
}

func TestShouldSkipFile(t *testing.T) {
	r := New(newTarget(), nil, []string{"/usr/include/*/*", "*.S", "/opt/vendor/"})
	assert.True(t, r.ShouldSkipFile("/usr/include/bits/stdio2.h"))
	assert.True(t, r.ShouldSkipFile("/src/start.S"))
	assert.True(t, r.ShouldSkipFile("/opt/vendor/x/y.c"))
	assert.False(t, r.ShouldSkipFile("/home/u/main.c"))

	assert.False(t, r.ShouldSkip(0x1010))
	assert.True(t, r.ShouldSkip(0x1110))
}

func TestShouldSkipIsCached(t *testing.T) {
	r := New(newTarget(), nil, []string{"*.h"})
	first := r.ShouldSkip(0x1110)
	require.Equal(t, 1, r.Resolutions())
	second := r.ShouldSkip(0x1110)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Resolutions())

	assert.Equal(t, r.ShouldSkipFile("a.h"), r.ShouldSkipFile("a.h"))
}

func TestShouldSkipFailureModes(t *testing.T) {
	r := New(newTarget(), nil, []string{"*"})
	// Unmapped address: skipped.
	assert.True(t, r.ShouldSkip(0xdead0000))
	// Mapped address without a line entry: traced.
	assert.False(t, r.ShouldSkip(0x1800))
}

func TestDumps(t *testing.T) {
	p := newTarget()
	dir := t.TempDir()

	files := filepath.Join(dir, "files.yml")
	require.NoError(t, DumpSourceFiles(p, files))
	list, err := ReadList(files)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/u/main.c", "/usr/include/bits/stdio2.h"}, list)

	mods := filepath.Join(dir, "mods.yml")
	require.NoError(t, DumpModules(p, mods))
	list, err = ReadList(mods)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/u/a.out", "/usr/lib/aarch64-linux-gnu/libc.so.6", "/usr/lib/aarch64-linux-gnu/libm.so.6"}, list)
}
