package step

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
	"github.com/go-delve/ntrace/pkg/proc/fakeproc"
	"github.com/go-delve/ntrace/pkg/skip"
)

const tid = 1

func newTarget(arch *proc.Arch) *fakeproc.Process {
	p := fakeproc.New(arch)
	p.AddModule(proc.Module{Name: "a.out", Path: "/src/a.out", Start: 0x1000, End: 0x2000})
	p.AddModule(proc.Module{Name: "lib.so", Path: "/usr/lib/lib.so", Start: 0x2000, End: 0x3000})
	p.AddSymbol(proc.Symbol{Name: "main", Module: "a.out", Start: 0x1000, End: 0x1100})
	p.AddSymbol(proc.Symbol{Name: "helper", Module: "lib.so", Start: 0x2000, End: 0x2100})
	p.SetPC(tid, 0x1000)
	return p
}

func newEngine(t *testing.T, p *fakeproc.Process, skipModules []string, conf Config) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	logflags.SetTraceOutput(&out)
	t.Cleanup(func() { logflags.SetTraceOutput(nil) })
	if conf.BranchTolerance == 0 {
		conf.BranchTolerance = 10
	}
	e, err := New(p, skip.New(p, skipModules, nil), conf)
	require.NoError(t, err)
	return e, &out
}

func instruction(addr uint64, mnemonic, operands string) *proc.Instruction {
	return &proc.Instruction{Addr: addr, Size: 4, Mnemonic: mnemonic, Operands: operands, Kind: proc.ClassifyMnemonic(mnemonic)}
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestCallIntoSkippedModule(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "bl", "0x2000")
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{})

	assert.Equal(t, StepOver, e.OnStep(tid))
	assert.Len(t, p.BreakpointAt(0x1004), 1)
	assert.True(t, e.IsReturnAddress(0x1004))
}

func TestCallOutsideSkipRanges(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "bl", "0x2000")
	e, _ := newEngine(t, p, nil, Config{})

	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.Empty(t, p.Breakpoints())
	assert.False(t, e.IsReturnAddress(0x1004))
}

func TestSourceModeActions(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "bl", "0x2000")
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{SourceMode: true})
	assert.Equal(t, SourceStepOver, e.OnStep(tid))

	p.AddInstruction(0x1004, "nop", "")
	p.SetPC(tid, 0x1004)
	assert.Equal(t, SourceStepIn, e.OnStep(tid))
}

func TestIndirectBranches(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "br", "x16")
	p.AddInstruction(0x1010, "blr", "x8")
	p.SetRegister(tid, "x16", 0x2010)
	p.SetRegister(tid, "x8", 0x1080)
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{})

	assert.Equal(t, StepOver, e.OnStep(tid))
	assert.True(t, e.IsReturnAddress(0x1004))

	p.SetPC(tid, 0x1010)
	assert.Equal(t, StepIn, e.OnStep(tid))
}

func TestIndirectCallThroughMemory(t *testing.T) {
	p := newTarget(proc.AMD64)
	p.SetPC(tid, 0x1000)
	p.AddInstruction(0x1000, "call", "qword ptr [0x1800]")
	p.WriteMemory(0x1800, le64(0x2000))
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{})

	assert.Equal(t, StepOver, e.OnStep(tid))
	assert.True(t, e.IsReturnAddress(0x1004))
}

func TestDirectJumpIsStepIn(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "b", "0x2000")
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{})

	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.Empty(t, p.Breakpoints())
}

func TestPCInSkippedModule(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetPC(tid, 0x2004)
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{})
	assert.Equal(t, SourceStepOut, e.OnStep(tid))
}

func TestNoInstruction(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetPC(tid, 0x1800)
	e, out := newEngine(t, p, nil, Config{})
	assert.Equal(t, Continue, e.OnStep(tid))
	assert.Equal(t, "WARNING: no instruction at 0x1800\n", out.String())
}

func TestAccessSize(t *testing.T) {
	for _, m := range []string{"ldrb", "strb", "ldrsb", "movzb"} {
		assert.Equal(t, 1, AccessSize(m, 8), m)
	}
	for _, m := range []string{"ldrh", "strh", "ldrsh"} {
		assert.Equal(t, 2, AccessSize(m, 8), m)
	}
	for _, m := range []string{"ldrsw", "ldxrw"} {
		assert.Equal(t, 4, AccessSize(m, 8), m)
	}
	for _, m := range []string{"ldr", "str", "stp", "mov"} {
		assert.Equal(t, 8, AccessSize(m, 8), m)
		assert.Equal(t, 4, AccessSize(m, 4), m)
	}
}

func TestAnnotate(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetRegister(tid, "x1", 0x5000)
	p.SetRegister(tid, "w0", 0x88)
	p.SetRegister(tid, "x29", 0x7100)
	p.SetRegister(tid, "x30", 0x1234)
	p.SetRegister(tid, "sp", 0x7000)
	p.SetRegister(tid, "x2", 0xdead)
	p.WriteMemory(0x5000, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
	p.WriteMemory(0x6ff0, le64(0xcafe))
	e, _ := newEngine(t, p, nil, Config{})

	tests := []struct {
		mnemonic, operands string
		want               []string
	}{
		{"ldr", "x0, [x1, #8]", []string{"[x1 + 0x8] = [0x5008] = 0x1122334455667788"}},
		{"ldrb", "w0, [x1, #8]", []string{"$w0=0x88", "[x1 + 0x8] = [0x5008] = 0x88"}},
		{"stp", "x29, x30, [sp, #-16]!", []string{"$fp=0x7100", "$lr=0x1234", "[sp - 0x10] = [0x6ff0] = 0xcafe"}},
		{"add", "x1, x1, x9", []string{"$x1=0x5000"}},
		{"ldr", "x0, [x2]", nil},
		{"mov", "x0, xzr", nil},
	}
	for _, tc := range tests {
		got := e.Annotate(tid, instruction(0x1000, tc.mnemonic, tc.operands))
		assert.Equal(t, tc.want, got, "%s %s", tc.mnemonic, tc.operands)
	}
}

func TestNarrativeLine(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetLine(0x1000, 0x1100, "/src/main.c", 3)
	p.AddInstruction(0x1004, "mov", "x0, x1")
	p.SetPC(tid, 0x1004)
	p.SetRegister(tid, "x0", 1)
	p.SetRegister(tid, "x1", 2)
	p.SetFrames(tid, []proc.Frame{{PC: 0x1004}, {PC: 0x900}, {PC: 0x800}})
	e, out := newEngine(t, p, nil, Config{})
	e.SetBaseFrameCount(2)

	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.Equal(t, "  0x1004 <+4> mov x0, x1 ; /src/main.c:3; -> $x0=0x1, $x1=0x2\n", out.String())
}

func TestReturnLogsFunction(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.AddInstruction(0x1000, "ret", "")
	p.SetRegister(tid, "x0", 42)
	e, out := newEngine(t, p, nil, Config{ReturnRegister: "x0"})

	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.Contains(t, out.String(), "ret from main => $x0=0x2a\n")
}

func TestOverride(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetLine(0x1000, 0x1100, "/src/main.c", 3)
	p.AddInstruction(0x1000, "nop", "")
	e, _ := newEngine(t, p, nil, Config{Overrides: []Override{{File: "main.c", FromLine: 1, ToLine: 4, Action: Continue}}})
	assert.Equal(t, Continue, e.OnStep(tid))

	e, _ = newEngine(t, p, nil, Config{Overrides: []Override{{File: "/src/main.c", FromLine: 1, ToLine: 3, Action: Continue}}})
	assert.Equal(t, StepIn, e.OnStep(tid), "to-line is not part of the range")
}

func TestExpressionHooks(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetLine(0x1000, 0x1008, "/src/main.c", 3)
	p.AddInstruction(0x1000, "nop", "")
	p.AddInstruction(0x1004, "nop", "")
	p.SetValue("argc", &proc.Value{Name: "argc", Type: "int", Value: "2"})
	e, out := newEngine(t, p, nil, Config{Hooks: []Hook{
		{File: "/src/main.c", Line: 3, Expr: "argc"},
		{File: "/src/main.c", Line: 3, Expr: "argv[9]"},
		{File: "/src/main.c", Line: 4, Expr: "argc"},
		{File: "/src/util.c", Line: 3, Expr: "argc"},
	}})

	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.Equal(t, "0x1000 <+0> nop  ; /src/main.c:3; -> argc = 2, [EXPR] argv[9] failed: "+proc.ErrNotSupported.Error()+"\n", out.String())

	out.Reset()
	p.SetPC(tid, 0x1004)
	assert.Equal(t, StepIn, e.OnStep(tid))
	assert.NotContains(t, out.String(), "argc", "hooks run once per line entry")
}

func TestSourcePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	main := filepath.Join(dir, "src", "main.c")
	require.NoError(t, os.WriteFile(main, []byte("int main() {\n    int x = 1;\n}\n"), 0644))

	p := newTarget(proc.ARM64)
	p.SetLine(0x1000, 0x1100, "main.c", 2)
	p.AddInstruction(0x1000, "nop", "")
	conf := Config{SourceMode: true, SourceSearchPaths: []string{filepath.Join(dir, "lib"), filepath.Join(dir, "src")}, SourceBaseDir: dir}
	e, out := newEngine(t, p, nil, conf)

	assert.Equal(t, SourceStepIn, e.OnStep(tid))
	assert.Equal(t, "int x = 1; // "+filepath.Join("src", "main.c")+":2, \n", out.String())

	conf.Overrides = []Override{{File: main, FromLine: 2, ToLine: 3, Action: SourceStepOut}}
	e, _ = newEngine(t, p, nil, conf)
	assert.Equal(t, SourceStepOut, e.OnStep(tid), "override on the resolved path")

	assert.Equal(t, "/elsewhere/a.c", e.paths.display("/elsewhere/a.c"))
	assert.Equal(t, "missing.c", e.paths.resolve("missing.c"))
}

func TestLineTolerance(t *testing.T) {
	p := newTarget(proc.ARM64)
	p.SetLine(0x1000, 0x1008, "/src/loop.c", 3)
	p.SetLine(0x1008, 0x1010, "/src/loop.c", 4)
	p.AddInstruction(0x1000, "nop", "")
	p.AddInstruction(0x1008, "nop", "")
	e, _ := newEngine(t, p, nil, Config{BranchTolerance: 2})

	pcs := []uint64{0x1000, 0x1008, 0x1000, 0x1008}
	for _, pc := range pcs {
		p.SetPC(tid, pc)
		require.Equal(t, StepIn, e.OnStep(tid), "%#x", pc)
	}
	p.SetPC(tid, 0x1000)
	assert.Equal(t, SourceStepOut, e.OnStep(tid))
}

func TestReturnCacheEvicts(t *testing.T) {
	p := newTarget(proc.ARM64)
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{ReturnCacheSize: 2})

	for _, pc := range []uint64{0x1000, 0x1010, 0x1020} {
		assert.Equal(t, StepOver, e.Decide(tid, instruction(pc, "bl", "0x2000")))
	}
	assert.Len(t, p.Breakpoints(), 2)
	assert.Empty(t, p.BreakpointAt(0x1004))
	assert.False(t, e.IsReturnAddress(0x1004))
	assert.True(t, e.IsReturnAddress(0x1024))

	e.Close()
	assert.Empty(t, p.Breakpoints())
}

func TestExcessiveInternalBranches(t *testing.T) {
	p := newTarget(proc.ARM64)
	e, _ := newEngine(t, p, []string{"lib.so"}, Config{BranchTolerance: 3})

	e.Decide(tid, instruction(0x1000, "bl", "0x2000"))
	require.True(t, e.IsReturnAddress(0x1004))

	loop := instruction(0x1040, "b.ne", "0x1010")
	for i := 0; i < 3; i++ {
		assert.Equal(t, StepIn, e.Decide(tid, loop))
	}
	assert.True(t, e.IsReturnAddress(0x1004))
	assert.Equal(t, StepIn, e.Decide(tid, loop))
	assert.False(t, e.IsReturnAddress(0x1004))
	assert.Empty(t, p.Breakpoints())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("source-step-out")
	require.NoError(t, err)
	assert.Equal(t, SourceStepOut, a)
	assert.Equal(t, "source-step-out", a.String())
	_, err = ParseAction("jump")
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	conf := config.Default()
	conf.LogMode = config.LogModeSource
	conf.StepActions = []config.StepActionRule{{File: "main.c", FromLine: 3, ToLine: 9, Action: "step-over"}}
	conf.ExpressionHooks = []config.ExpressionHook{{Path: "/src/main.c", Line: 4, Expr: "n"}}
	conf.SourceSearchPaths = []string{"/opt/src"}
	conf.SourceBaseDir = "/opt"

	c, err := ConfigFrom(conf, "x0")
	require.NoError(t, err)
	assert.True(t, c.SourceMode)
	assert.Equal(t, []Override{{File: "main.c", FromLine: 3, ToLine: 9, Action: StepOver}}, c.Overrides)
	assert.Equal(t, []Hook{{File: "/src/main.c", Line: 4, Expr: "n"}}, c.Hooks)
	assert.Equal(t, []string{"/opt/src"}, c.SourceSearchPaths)
	assert.Equal(t, "/opt", c.SourceBaseDir)
}
