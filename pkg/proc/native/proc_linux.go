//go:build linux && (amd64 || arm64)

package native

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

// Process is a process traced with ptrace. Its methods must be called
// from a single goroutine, except WriteStdin.
type Process struct {
	pid  int
	arch *proc.Arch
	exe  string

	// List of threads mapped as such: tid -> *thread
	threads  map[int]*thread
	plans    map[int]*plan
	selected int

	state        proc.ProcessState
	exitCode     int
	childProcess bool // this process was launched, not attached to
	killed       bool
	manualStop   bool

	bps      *breakpointTable
	syms     *symbolTable
	insts    *instructionCache
	mapsHash uint64

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	waits    chan waitResult
	quit     chan struct{}
	deferred []waitResult

	output     chan proc.Event
	outputDone chan struct{}
	events     []proc.Event

	stdinMu sync.Mutex
	stdin   io.WriteCloser
	closers []io.Closer
	closed  bool

	log logflags.Logger
}

// newProcess returns an initialized Process. Before returning, it will also
// launch a goroutine in order to handle ptrace(2) functions.
func newProcess(pid int, arch *proc.Arch) *Process {
	p := &Process{
		pid:            pid,
		arch:           arch,
		threads:        make(map[int]*thread),
		plans:          make(map[int]*plan),
		insts:          newInstructionCache(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		waits:          make(chan waitResult, 16),
		quit:           make(chan struct{}),
		output:         make(chan proc.Event, 64),
		outputDone:     make(chan struct{}),
		state:          proc.StateLaunching,
		log:            logflags.NativeLogger(),
	}
	p.bps = newBreakpointTable(arch, p)
	go p.handlePtraceFuncs()
	return p
}

func (p *Process) handlePtraceFuncs() {
	// ptrace(2) expects all commands after PTRACE_ATTACH to come from the
	// same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// Close stops the goroutines of the backend and closes the standard
// streams of the target.
func (p *Process) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.quit)
	p.stdinMu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.stdinMu.Unlock()
	for _, c := range p.closers {
		c.Close()
	}
	close(p.ptraceChan)
	return nil
}

// WriteStdin writes to the standard input of a launched target.
func (p *Process) WriteStdin(b []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return p.stdin.Write(b)
}

func (p *Process) exited() bool {
	return p.state == proc.StateExited || p.state == proc.StateCrashed
}

func (p *Process) checkStopped() error {
	switch {
	case p.exited():
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	case p.state == proc.StateDetached:
		return fmt.Errorf("detached from process %d", p.pid)
	case p.state != proc.StateStopped:
		return proc.ErrProcessRunning
	}
	return nil
}

// proc.ProcessInfo

func (p *Process) Pid() int { return p.pid }

func (p *Process) Arch() *proc.Arch { return p.arch }

func (p *Process) State() proc.ProcessState { return p.state }

func (p *Process) Threads() []int {
	r := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		r = append(r, tid)
	}
	sort.Ints(r)
	return r
}

func (p *Process) SelectedThread() (int, bool) {
	if _, ok := p.threads[p.selected]; !ok {
		return 0, false
	}
	return p.selected, true
}

func (p *Process) StopReason(tid int) proc.StopReason {
	t, ok := p.threads[tid]
	if !ok {
		return proc.StopNone
	}
	return t.stop.reason
}

func (p *Process) StopReasonData(tid int) []uint64 {
	t, ok := p.threads[tid]
	if !ok {
		return nil
	}
	return t.stop.data
}

func (p *Process) StopDescription(tid int) string {
	t, ok := p.threads[tid]
	if !ok {
		return ""
	}
	return t.stop.desc
}

func (p *Process) Frames(tid int, max int) ([]proc.Frame, error) {
	regs, err := p.frameRegs(tid)
	if err != nil {
		return nil, err
	}
	return unwind(p.arch, p, p.syms, regs, max), nil
}

func (p *Process) frameRegs(tid int) (frameRegs, error) {
	all, err := p.Registers(tid)
	if err != nil {
		return frameRegs{}, err
	}
	return readFrameRegs(p.arch, func(name string) (uint64, error) {
		v, ok := all[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", proc.ErrNoSuchRegister, name)
		}
		return v, nil
	})
}

func (p *Process) ExitStatus() int { return p.exitCode }

// proc.RegisterReader

func (p *Process) Registers(tid int) (map[string]uint64, error) {
	t, ok := p.threads[tid]
	if !ok {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	if t.running {
		return nil, proc.ErrProcessRunning
	}
	var regs map[string]uint64
	var err error
	p.execPtraceFunc(func() { regs, err = readRegisters(tid) })
	return regs, err
}

func (p *Process) ReadRegister(tid int, name string) (uint64, error) {
	regs, err := p.Registers(tid)
	if err != nil {
		return 0, err
	}
	v, ok := regs[p.arch.CanonicalRegister(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", proc.ErrNoSuchRegister, name)
	}
	return v, nil
}

func (p *Process) setPC(tid int, pc uint64) error {
	var err error
	p.execPtraceFunc(func() { err = writePC(tid, pc) })
	return err
}

// proc.MemoryReader

// ReadMemory reads target memory as it would be without breakpoints.
func (p *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	data, err := p.readRaw(addr, size)
	if err != nil {
		return nil, err
	}
	p.bps.mask(addr, data)
	return data, nil
}

func (p *Process) readRaw(addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	if p.exited() {
		return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}}
	}
	data := make([]byte, size)
	n, err := processVmRead(p.pid, uintptr(addr), data)
	if err == nil && n == size {
		return data, nil
	}
	// process_vm_readv is not allowed everywhere, fall back to ptrace
	tid, terr := p.memThread()
	if terr != nil {
		return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: err}
	}
	p.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), data) })
	if err != nil {
		return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: err}
	}
	if n != size {
		return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: fmt.Errorf("short read (%d bytes)", n)}
	}
	return data, nil
}

func (p *Process) writeRaw(addr uint64, data []byte) error {
	tid, err := p.memThread()
	if err != nil {
		return err
	}
	var n int
	p.execPtraceFunc(func() { n, err = sys.PtracePokeData(tid, uintptr(addr), data) })
	if err != nil {
		return fmt.Errorf("could not write %d bytes at %#x: %w", len(data), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("could not write %d bytes at %#x: short write", len(data), addr)
	}
	return nil
}

// memThread returns a stopped thread to issue memory requests through.
func (p *Process) memThread() (int, error) {
	if t, ok := p.threads[p.pid]; ok && !t.running {
		return t.ID, nil
	}
	for _, tid := range p.Threads() {
		if !p.threads[tid].running {
			return tid, nil
		}
	}
	return 0, proc.ErrProcessRunning
}

// proc.InstructionReader

func (p *Process) Disassemble(addr uint64, count int) ([]proc.Instruction, error) {
	return disassemble(p.arch, p, p.insts, addr, count)
}

// proc.Evaluator

// EvaluateExpression is not supported, the native backend reads no type
// information.
func (p *Process) EvaluateExpression(tid int, expr string) (*proc.Value, error) {
	return nil, proc.ErrNotSupported
}

// proc.SymbolTable

func (p *Process) Modules() []proc.Module { return p.syms.modules() }

func (p *Process) FindModule(name string) (*proc.Module, bool) {
	m, ok := p.syms.findModule(name)
	if !ok {
		return nil, false
	}
	r := m.Module
	return &r, true
}

func (p *Process) ModuleSymbols(module string) ([]proc.Symbol, error) {
	return p.syms.moduleSymbols(module)
}

func (p *Process) FindFunction(name, module string) (*proc.Symbol, error) {
	return p.syms.findFunction(name, module)
}

func (p *Process) ResolveAddress(pc uint64) (*proc.Location, error) {
	return p.syms.resolve(pc)
}

func (p *Process) SourceFiles() []string { return p.syms.sourceFiles() }

// refreshModules reloads the module list when the memory map of the
// process changed.
func (p *Process) refreshModules() {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		p.log.Debugf("could not read memory map: %v", err)
		return
	}
	h := xxh3.Hash(data)
	if h == p.mapsHash {
		return
	}
	maps, err := parseMaps(bytes.NewReader(data))
	if err != nil {
		p.log.Warnf("could not parse memory map: %v", err)
		return
	}
	p.mapsHash = h
	p.syms.update(imageRanges(maps))
	p.insts.purge()
}

// proc.BreakpointManager

func (p *Process) CreateBreakpointAtAddr(addr uint64) (*proc.Breakpoint, error) {
	if p.exited() {
		return nil, proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	}
	name, module := "", ""
	if loc, err := p.syms.resolve(addr); err == nil {
		module = loc.Module
		if loc.Symbol != nil && loc.Symbol.Start == addr {
			name = loc.Symbol.Name
		}
	}
	return p.bps.create(addr, name, module)
}

func (p *Process) CreateBreakpointByName(name, module string) (*proc.Breakpoint, error) {
	if p.exited() {
		return nil, proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	}
	sym, err := p.syms.findFunction(name, module)
	if err != nil {
		return nil, err
	}
	return p.bps.create(sym.Start, sym.Name, sym.Module)
}

func (p *Process) SetOneShot(id int, oneShot bool) error {
	bp, ok := p.bps.find(id)
	if !ok {
		return proc.NoBreakpointError{ID: id}
	}
	bp.OneShot = oneShot
	return nil
}

func (p *Process) DeleteBreakpoint(id int) error {
	return p.bps.delete(id)
}

func (p *Process) FindBreakpoint(id int) (*proc.Breakpoint, bool) {
	return p.bps.find(id)
}

func (p *Process) Breakpoints() []*proc.Breakpoint {
	return p.bps.list()
}

var _ Target = (*Process)(nil)
var _ proc.StdinWriter = (*Process)(nil)
