package tracer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
	"github.com/go-delve/ntrace/pkg/proc/fakeproc"
)

const mainTid = 1

func newTarget() *fakeproc.Process {
	p := fakeproc.New(proc.ARM64)
	p.AddModule(proc.Module{Name: "a.out", Path: "/src/a.out", Start: 0x1000, End: 0x2000})
	p.AddModule(proc.Module{Name: "libc.so", Path: "/lib/libc.so", Start: 0x2000, End: 0x3000})
	p.AddSymbol(proc.Symbol{Name: "main", Module: "a.out", Start: 0x1000, End: 0x1100})
	p.AddSymbol(proc.Symbol{Name: "close", Module: "libc.so", Start: 0x2100, End: 0x2200})
	p.AddInstruction(0x1000, "nop", "")
	p.AddInstruction(0x1004, "nop", "")
	p.AddInstruction(0x1008, "nop", "")
	p.SetPC(mainTid, 0x1000)
	return p
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.PollInterval = 0
	conf.EventTimeout = 10 * time.Millisecond
	return conf
}

type fixture struct {
	p     *fakeproc.Process
	s     *Session
	trace *bytes.Buffer
	out   *bytes.Buffer
	entry int
}

func newFixture(t *testing.T, conf *config.Config) *fixture {
	t.Helper()
	f := &fixture{p: newTarget(), trace: new(bytes.Buffer), out: new(bytes.Buffer)}
	logflags.SetTraceOutput(f.trace)
	t.Cleanup(func() { logflags.SetTraceOutput(nil) })

	var err error
	f.s, err = New(conf, f.p, Options{Stdout: f.out, Stderr: f.out})
	require.NoError(t, err)
	require.NoError(t, f.s.Setup())
	bps := f.p.BreakpointAt(0x1000)
	require.Len(t, bps, 1)
	require.True(t, bps[0].OneShot)
	f.entry = bps[0].ID
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.s.Run(ctx))
	require.NoError(t, ctx.Err(), "session did not end")
}

// deliver hands the next queued event to the session without going
// through Run.
func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	ev, ok, err := f.p.WaitForEvent(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	f.s.handleEvent(ev)
}

func (f *fixture) lastCommand(t *testing.T) fakeproc.Command {
	t.Helper()
	cmds := f.p.Commands()
	require.NotEmpty(t, cmds)
	return cmds[len(cmds)-1]
}

var (
	cont       = fakeproc.Command{Op: fakeproc.OpContinue}
	stepInMain = fakeproc.Command{Op: fakeproc.OpStepInstruction, Tid: mainTid}
)

func TestEntryPointLatchesOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.p.QueueStop(mainTid, 0x1004, proc.StopPlanComplete, nil, fakeproc.StopOptions{})
	f.p.QueueStop(mainTid, 0x1008, proc.StopPlanComplete, nil, fakeproc.StopOptions{})
	f.p.QueueExit(3)
	f.run(t)

	assert.Equal(t, 1, strings.Count(f.trace.String(), "Entry point main reached on thread 1"))
	assert.Contains(t, f.trace.String(), "Process 4242 has exited with status 3")
	assert.Equal(t, []fakeproc.Command{cont, stepInMain, stepInMain, stepInMain}, f.p.Commands())
	mt, ok := f.s.MainThread()
	assert.True(t, ok)
	assert.Equal(t, mainTid, mt)
	assert.Empty(t, f.p.Breakpoints())
}

func TestPlanCompleteBeforeEntryContinues(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueStop(mainTid, 0x1004, proc.StopPlanComplete, nil, fakeproc.StopOptions{})
	f.p.QueueStop(mainTid, 0x1004, proc.StopTrace, nil, fakeproc.StopOptions{})
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, cont, cont}, f.p.Commands())
	_, ok := f.s.MainThread()
	assert.False(t, ok)
}

func TestUnknownStopReasonSteps(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueStop(mainTid, 0x1000, proc.StopInvalid, nil, fakeproc.StopOptions{})
	f.p.QueueStop(mainTid, 0x1000, proc.StopExec, nil, fakeproc.StopOptions{})
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, stepInMain, stepInMain}, f.p.Commands())
}

func TestOtherThreadSteppedOut(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.p.QueueStop(2, 0x1500, proc.StopTrace, nil, fakeproc.StopOptions{})
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, stepInMain, {Op: fakeproc.OpStepOut, Tid: 2}}, f.p.Commands())
}

func TestStopReasonPollingExhausted(t *testing.T) {
	conf := testConfig()
	f := newFixture(t, conf)
	f.p.QueueStop(mainTid, 0x1000, proc.StopSignal, []uint64{uint64(syscall.SIGUSR1)}, fakeproc.StopOptions{ReasonPolls: conf.StopReasonRetries + 1})
	f.p.QueueStop(mainTid, 0x1000, proc.StopSignal, []uint64{uint64(syscall.SIGUSR1)}, fakeproc.StopOptions{ReasonPolls: conf.StopReasonRetries})
	f.p.QueueExit(0)
	f.run(t)

	// The second stop becomes visible on the last attempt and is handled
	// as a signal before the entry point.
	assert.Equal(t, []fakeproc.Command{cont, cont, cont}, f.p.Commands())
	assert.Equal(t, 1, strings.Count(f.trace.String(), "Thread 1 received SIGUSR1"))
}

func TestBreakpointIDPollingExhausted(t *testing.T) {
	conf := testConfig()
	f := newFixture(t, conf)
	f.p.QueueStop(mainTid, 0x1000, proc.StopBreakpoint, []uint64{uint64(f.entry), 1}, fakeproc.StopOptions{DataPolls: conf.BreakpointIDRetries + 1})
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, cont}, f.p.Commands())
	_, ok := f.s.MainThread()
	assert.False(t, ok)
}

func TestUserBreakpointAfterEntry(t *testing.T) {
	f := newFixture(t, testConfig())
	bp, err := f.p.CreateBreakpointAtAddr(0x1008)
	require.NoError(t, err)
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.p.QueueBreakpointHit(mainTid, bp.ID)
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, stepInMain, stepInMain}, f.p.Commands())
}

func TestInterceptedCall(t *testing.T) {
	conf := testConfig()
	conf.LibcFunctions = []string{"close"}
	f := newFixture(t, conf)
	assert.Empty(t, f.p.BreakpointAt(0x2100), "hooks wait for the entry point")

	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.deliver(t)
	bps := f.p.BreakpointAt(0x2100)
	require.Len(t, bps, 1)
	assert.False(t, bps[0].OneShot)

	f.p.SetRegister(mainTid, "x0", 4)
	f.p.SetRegister(mainTid, "lr", 0x1008)
	f.p.QueueBreakpointHit(mainTid, bps[0].ID)
	f.deliver(t)
	assert.Equal(t, cont, f.lastCommand(t))
	rets := f.p.BreakpointAt(0x1008)
	require.Len(t, rets, 1)
	assert.True(t, rets[0].OneShot)

	f.p.SetRegister(mainTid, "x0", 0)
	f.p.QueueBreakpointHit(mainTid, rets[0].ID)
	f.deliver(t)
	assert.Equal(t, cont, f.lastCommand(t))
	assert.Empty(t, f.p.BreakpointAt(0x1008))

	assert.Contains(t, f.trace.String(), "CALL close(fd=4)\nRET close => 0x0\n")
}

func TestInterceptedCallOnOtherThread(t *testing.T) {
	conf := testConfig()
	conf.LibcFunctions = []string{"close"}
	f := newFixture(t, conf)
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.deliver(t)

	f.p.SetRegister(2, "x0", 9)
	f.p.SetRegister(2, "lr", 0x1800)
	f.p.QueueBreakpointHit(2, f.p.BreakpointAt(0x2100)[0].ID)
	f.deliver(t)
	assert.Equal(t, cont, f.lastCommand(t))
	assert.Contains(t, f.trace.String(), "CALL close(fd=9)\n")
}

func TestDumpModulesTerminates(t *testing.T) {
	conf := testConfig()
	conf.DumpModulesForSkip = filepath.Join(t.TempDir(), "modules.txt")
	f := newFixture(t, conf)
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, {Op: fakeproc.OpKill}}, f.p.Commands())
	data, err := os.ReadFile(conf.DumpModulesForSkip)
	require.NoError(t, err)
	assert.Contains(t, string(data), "libc.so")
}

func TestExceptionKillsTarget(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.SetFrames(mainTid, []proc.Frame{
		{PC: 0x1004, Function: "main", File: "/src/main.c", Line: 12},
		{PC: 0x2000, Function: "__libc_start_main"},
	})
	f.p.QueueStop(mainTid, 0x1004, proc.StopException, nil, fakeproc.StopOptions{Description: "EXC_BAD_ACCESS (code=1, address=0x0)"})
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, {Op: fakeproc.OpStop}, {Op: fakeproc.OpKill}}, f.p.Commands())
	assert.Contains(t, f.trace.String(), "Thread 1 stopped by exception: EXC_BAD_ACCESS")
	assert.Contains(t, f.trace.String(), "  #0 0x1004 in main at /src/main.c:12\n  #1 0x2000 in __libc_start_main\n")
}

type consoleRecorder struct {
	tids []int
}

func (c *consoleRecorder) Run(tid int) error {
	c.tids = append(c.tids, tid)
	return nil
}

func TestHardcodedBreakpointConsole(t *testing.T) {
	conf := testConfig()
	conf.ShowConsole = true
	f := newFixture(t, conf)
	console := &consoleRecorder{}
	f.s.opts.Console = console
	f.p.QueueStop(mainTid, 0x1004, proc.StopException, nil, fakeproc.StopOptions{Description: "EXC_BREAKPOINT (code=1, subcode=0x1004)"})
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, []int{mainTid}, console.tids)
	assert.Equal(t, []fakeproc.Command{cont, stepInMain}, f.p.Commands())
}

func TestSegfaultAfterEntry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueBreakpointHit(mainTid, f.entry)
	f.p.QueueStop(mainTid, 0x1004, proc.StopSignal, []uint64{uint64(syscall.SIGSEGV)}, fakeproc.StopOptions{})
	f.p.QueueExit(139)
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, stepInMain, stepInMain}, f.p.Commands())
	assert.Contains(t, f.trace.String(), "Thread 1 received SIGSEGV")
}

func TestOutputForwarded(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.QueueOutput(proc.EventStdout, "hello\n")
	f.p.QueueOutput(proc.EventStderr, "oops\n")
	f.p.QueueExit(0)
	f.run(t)

	assert.Equal(t, "hello\noops\n", f.out.String())
}

func TestInterrupted(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.p.OnCommand = func(p *fakeproc.Process, c fakeproc.Command) {
		if c.Op == fakeproc.OpContinue {
			cancel()
		}
	}
	require.NoError(t, f.s.Run(ctx))
	assert.Equal(t, []fakeproc.Command{cont, {Op: fakeproc.OpKill}}, f.p.Commands())
	assert.Contains(t, f.trace.String(), "interrupted")
}

func TestAttachedTargetIsDetached(t *testing.T) {
	f := newFixture(t, testConfig())
	f.s.opts.Attached = true
	f.p.QueueStop(mainTid, 0x1004, proc.StopException, nil, fakeproc.StopOptions{Description: "EXC_BAD_INSTRUCTION"})
	f.run(t)

	assert.Equal(t, []fakeproc.Command{cont, {Op: fakeproc.OpStop}, {Op: fakeproc.OpDetach}}, f.p.Commands())
}

func TestStdinForwarder(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	p := fakeproc.New(proc.ARM64)

	done := startStdinForwarder(context.Background(), r, p, logflags.DispatchLogger())
	_, err = w.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop at end of input")
	}
	assert.Equal(t, "line one\nline two\n", string(p.Stdin()))
}

func TestBreakpointIDs(t *testing.T) {
	assert.Equal(t, []int{3, 7}, breakpointIDs([]uint64{3, 1, 7, 2}))
	assert.Equal(t, []int{5}, breakpointIDs([]uint64{5}))
	assert.Empty(t, breakpointIDs(nil))
}
