// Package fakeproc implements proc.Target over an in-memory process image.
// Tests script it by loading memory, registers, symbols and instructions,
// and by queueing stop events, then inspect the commands it received.
package fakeproc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-delve/ntrace/pkg/proc"
)

// Command is an execution command received by the fake process.
type Command struct {
	Op   string
	Tid  int
	Over bool
}

// Execution command names.
const (
	OpContinue        = "continue"
	OpStepInstruction = "step-instruction"
	OpStepInto        = "step-into"
	OpStepOver        = "step-over"
	OpStepOut         = "step-out"
	OpStop            = "stop"
	OpKill            = "kill"
	OpDetach          = "detach"
)

type region struct {
	addr uint64
	data []byte
}

type lineRange struct {
	start, end uint64
	file       string
	line       int
}

type stopInfo struct {
	reason proc.StopReason
	data   []uint64
	desc   string
	// polls is the number of StopReason/StopReasonData queries that still
	// report nothing, to exercise bounded polling.
	reasonPolls int
	dataPolls   int
}

type queued struct {
	ev    proc.Event
	apply func()
}

// Process is a scriptable proc.Target.
type Process struct {
	mu sync.Mutex

	arch     *proc.Arch
	pid      int
	state    proc.ProcessState
	exitCode int

	mem     []region
	regs    map[int]map[string]uint64
	insts   map[uint64]proc.Instruction
	modules []proc.Module
	symbols []proc.Symbol
	lines   []lineRange
	files   []string
	values  map[string]*proc.Value
	frames  map[int][]proc.Frame

	bps    map[int]*proc.Breakpoint
	nextID int

	selected    int
	hasSelected bool
	stops       map[int]*stopInfo

	events []queued

	commands []Command
	stdin    []byte

	// OnCommand, if set, is called after every execution command, outside
	// of the internal lock, so that it can queue the resulting events.
	OnCommand func(p *Process, c Command)
}

// New returns an empty stopped process for arch.
func New(arch *proc.Arch) *Process {
	return &Process{
		arch:   arch,
		pid:    4242,
		state:  proc.StateStopped,
		regs:   make(map[int]map[string]uint64),
		insts:  make(map[uint64]proc.Instruction),
		values: make(map[string]*proc.Value),
		frames: make(map[int][]proc.Frame),
		bps:    make(map[int]*proc.Breakpoint),
		stops:  make(map[int]*stopInfo),
		nextID: 1,
	}
}

// Setup helpers.

// WriteMemory maps data at addr.
func (p *Process) WriteMemory(addr uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = append(p.mem, region{addr, append([]byte(nil), data...)})
}

// SetRegister sets a register of thread tid.
func (p *Process) SetRegister(tid int, name string, val uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.regs[tid] == nil {
		p.regs[tid] = make(map[string]uint64)
	}
	p.regs[tid][p.arch.CanonicalRegister(name)] = val
}

// SetPC sets the program counter of tid.
func (p *Process) SetPC(tid int, pc uint64) {
	p.SetRegister(tid, p.arch.PCRegister, pc)
}

// AddInstruction registers a pre-decoded instruction. Kind is derived from
// the mnemonic and Size defaults to 4.
func (p *Process) AddInstruction(addr uint64, mnemonic, operands string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insts[addr] = proc.Instruction{Addr: addr, Size: 4, Mnemonic: mnemonic, Operands: operands, Kind: proc.ClassifyMnemonic(mnemonic)}
}

// AddModule adds a loaded module.
func (p *Process) AddModule(m proc.Module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modules = append(p.modules, m)
}

// AddSymbol adds a code symbol.
func (p *Process) AddSymbol(s proc.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols = append(p.symbols, s)
}

// SetLine maps [start, end) to file:line.
func (p *Process) SetLine(start, end uint64, file string, line int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, lineRange{start, end, file, line})
	for _, f := range p.files {
		if f == file {
			return
		}
	}
	p.files = append(p.files, file)
}

// SetValue sets the result of evaluating expr.
func (p *Process) SetValue(expr string, v *proc.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[expr] = v
}

// SetFrames sets the call stack of tid.
func (p *Process) SetFrames(tid int, frames []proc.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[tid] = frames
}

// Event scripting.

// QueueState queues a state change without stop information.
func (p *Process) QueueState(state proc.ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, queued{ev: proc.Event{Kind: proc.EventStateChanged, State: state}, apply: func() {
		p.state = state
	}})
}

// QueueExit queues the exit of the process with the given status.
func (p *Process) QueueExit(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, queued{ev: proc.Event{Kind: proc.EventStateChanged, State: proc.StateExited}, apply: func() {
		p.state = proc.StateExited
		p.exitCode = status
	}})
}

// QueueOutput queues debuggee output.
func (p *Process) QueueOutput(kind proc.EventKind, data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, queued{ev: proc.Event{Kind: kind, Data: []byte(data)}})
}

// StopOptions customizes a queued stop.
type StopOptions struct {
	Description string
	// ReasonPolls is the number of StopReason calls that return StopNone
	// before the reason becomes visible.
	ReasonPolls int
	// DataPolls is the number of StopReasonData calls that return no data.
	DataPolls int
}

// QueueStop queues a stop of tid at pc.
func (p *Process) QueueStop(tid int, pc uint64, reason proc.StopReason, data []uint64, opts StopOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, queued{ev: proc.Event{Kind: proc.EventStateChanged, State: proc.StateStopped}, apply: func() {
		p.state = proc.StateStopped
		p.selected, p.hasSelected = tid, true
		if p.regs[tid] == nil {
			p.regs[tid] = make(map[string]uint64)
		}
		p.regs[tid][p.arch.PCRegister] = pc
		p.stops[tid] = &stopInfo{reason: reason, data: data, desc: opts.Description, reasonPolls: opts.ReasonPolls, dataPolls: opts.DataPolls}
	}})
}

// QueueBreakpointHit queues a stop of tid at breakpoint id. One-shot
// breakpoints are removed when the stop is delivered.
func (p *Process) QueueBreakpointHit(tid int, id int) {
	p.mu.Lock()
	bp, ok := p.bps[id]
	p.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("fakeproc: no breakpoint %d", id))
	}
	addr := bp.Addr
	p.QueueStop(tid, addr, proc.StopBreakpoint, []uint64{uint64(id), 1}, StopOptions{})
	p.mu.Lock()
	defer p.mu.Unlock()
	apply := p.events[len(p.events)-1].apply
	p.events[len(p.events)-1].apply = func() {
		apply()
		if bp, ok := p.bps[id]; ok {
			bp.HitCount++
			if bp.OneShot {
				delete(p.bps, id)
			}
		}
	}
}

// Inspection helpers.

// Commands returns the execution commands received so far.
func (p *Process) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.commands...)
}

// ResetCommands forgets the received commands.
func (p *Process) ResetCommands() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = nil
}

// PendingEvents returns the number of events not yet delivered.
func (p *Process) PendingEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// Stdin returns everything written with WriteStdin.
func (p *Process) Stdin() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdin...)
}

// BreakpointAt returns the breakpoints installed at addr.
func (p *Process) BreakpointAt(addr uint64) []*proc.Breakpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r []*proc.Breakpoint
	for _, bp := range p.bps {
		if bp.Addr == addr {
			r = append(r, bp)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// proc.ProcessInfo

func (p *Process) Pid() int { return p.pid }

func (p *Process) Arch() *proc.Arch { return p.arch }

func (p *Process) State() proc.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Threads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]int, 0, len(p.regs))
	for tid := range p.regs {
		r = append(r, tid)
	}
	sort.Ints(r)
	return r
}

func (p *Process) SelectedThread() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected, p.hasSelected
}

func (p *Process) StopReason(tid int) proc.StopReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	si := p.stops[tid]
	if si == nil {
		return proc.StopNone
	}
	if si.reasonPolls > 0 {
		si.reasonPolls--
		return proc.StopNone
	}
	return si.reason
}

func (p *Process) StopReasonData(tid int) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	si := p.stops[tid]
	if si == nil {
		return nil
	}
	if si.dataPolls > 0 {
		si.dataPolls--
		return nil
	}
	return si.data
}

func (p *Process) StopDescription(tid int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if si := p.stops[tid]; si != nil {
		return si.desc
	}
	return ""
}

func (p *Process) Frames(tid int, max int) ([]proc.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.frames[tid]
	if max >= 0 && len(frames) > max {
		frames = frames[:max]
	}
	return append([]proc.Frame(nil), frames...), nil
}

func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// proc.BreakpointManager

func (p *Process) CreateBreakpointAtAddr(addr uint64) (*proc.Breakpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newBreakpoint(addr, "", ""), nil
}

func (p *Process) newBreakpoint(addr uint64, name, module string) *proc.Breakpoint {
	bp := &proc.Breakpoint{ID: p.nextID, Addr: addr, Name: name, Module: module}
	p.nextID++
	p.bps[bp.ID] = bp
	return bp
}

func (p *Process) CreateBreakpointByName(name, module string) (*proc.Breakpoint, error) {
	sym, err := p.FindFunction(name, module)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newBreakpoint(sym.Start, sym.Name, sym.Module), nil
}

func (p *Process) SetOneShot(id int, oneShot bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, ok := p.bps[id]
	if !ok {
		return proc.NoBreakpointError{ID: id}
	}
	bp.OneShot = oneShot
	return nil
}

func (p *Process) DeleteBreakpoint(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.bps[id]; !ok {
		return proc.NoBreakpointError{ID: id}
	}
	delete(p.bps, id)
	return nil
}

func (p *Process) FindBreakpoint(id int) (*proc.Breakpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bp, ok := p.bps[id]
	return bp, ok
}

func (p *Process) Breakpoints() []*proc.Breakpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := make([]*proc.Breakpoint, 0, len(p.bps))
	for _, bp := range p.bps {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// proc.InstructionReader

func (p *Process) Disassemble(addr uint64, count int) ([]proc.Instruction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var r []proc.Instruction
	pc := addr
	for len(r) < count {
		inst, ok := p.insts[pc]
		if !ok {
			mem, err := p.readMemory(pc, p.arch.MaxInstructionLength)
			if err != nil {
				mem, err = p.readMemory(pc, 4)
			}
			if err != nil {
				break
			}
			inst, err = p.arch.Decode(mem, pc)
			if err != nil {
				break
			}
		}
		if inst.Size == 0 {
			inst.Size = 4
		}
		r = append(r, inst)
		pc += uint64(inst.Size)
	}
	return r, nil
}

// proc.RegisterReader

func (p *Process) ReadRegister(tid int, name string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs, ok := p.regs[tid]
	if !ok {
		return 0, fmt.Errorf("no thread %d", tid)
	}
	v, ok := regs[p.arch.CanonicalRegister(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", proc.ErrNoSuchRegister, name)
	}
	return v, nil
}

func (p *Process) Registers(tid int) (map[string]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs, ok := p.regs[tid]
	if !ok {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	r := make(map[string]uint64, len(regs))
	for k, v := range regs {
		r[k] = v
	}
	return r, nil
}

// proc.MemoryReader

func (p *Process) ReadMemory(addr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readMemory(addr, size)
}

func (p *Process) readMemory(addr uint64, size int) ([]byte, error) {
	for _, r := range p.mem {
		if addr >= r.addr && addr+uint64(size) <= r.addr+uint64(len(r.data)) {
			out := make([]byte, size)
			copy(out, r.data[addr-r.addr:])
			return out, nil
		}
	}
	return nil, &proc.MemoryReadError{Addr: addr, Size: size, Err: fmt.Errorf("unmapped")}
}

// proc.Evaluator

func (p *Process) EvaluateExpression(tid int, expr string) (*proc.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.values[expr]; ok {
		return v, nil
	}
	return nil, proc.ErrNotSupported
}

// proc.SymbolTable

func (p *Process) Modules() []proc.Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proc.Module(nil), p.modules...)
}

func (p *Process) FindModule(name string) (*proc.Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.modules {
		if p.modules[i].Name == name || p.modules[i].Path == name {
			m := p.modules[i]
			return &m, true
		}
	}
	return nil, false
}

func (p *Process) ModuleSymbols(module string) ([]proc.Symbol, error) {
	m, ok := p.FindModule(module)
	if !ok {
		return nil, fmt.Errorf("%w: %s", proc.ErrNoModule, module)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var r []proc.Symbol
	for _, s := range p.symbols {
		if s.Module == m.Name {
			r = append(r, s)
		}
	}
	return r, nil
}

func (p *Process) FindFunction(name, module string) (*proc.Symbol, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.symbols {
		s := p.symbols[i]
		if s.Name == name && (module == "" || s.Module == module) {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", proc.ErrNoSymbol, name)
}

func (p *Process) ResolveAddress(pc uint64) (*proc.Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc := &proc.Location{PC: pc}
	for _, m := range p.modules {
		if pc >= m.Start && pc < m.End {
			loc.Module = m.Name
			break
		}
	}
	if loc.Module == "" {
		return nil, fmt.Errorf("%#x does not belong to any module", pc)
	}
	for i := range p.symbols {
		if p.symbols[i].Contains(pc) {
			s := p.symbols[i]
			loc.Symbol = &s
			break
		}
	}
	for _, l := range p.lines {
		if pc >= l.start && pc < l.end {
			loc.File, loc.Line = l.file, l.line
			break
		}
	}
	return loc, nil
}

func (p *Process) SourceFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.files...)
}

// proc.Executor

func (p *Process) command(c Command, state proc.ProcessState) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	}
	p.commands = append(p.commands, c)
	if state != proc.StateInvalid {
		p.state = state
	}
	hook := p.OnCommand
	p.mu.Unlock()
	if hook != nil {
		hook(p, c)
	}
	return nil
}

func (p *Process) Continue() error {
	return p.command(Command{Op: OpContinue}, proc.StateRunning)
}

func (p *Process) StepInstruction(tid int, over bool) error {
	return p.command(Command{Op: OpStepInstruction, Tid: tid, Over: over}, proc.StateStepping)
}

func (p *Process) StepInto(tid int) error {
	return p.command(Command{Op: OpStepInto, Tid: tid}, proc.StateStepping)
}

func (p *Process) StepOver(tid int) error {
	return p.command(Command{Op: OpStepOver, Tid: tid}, proc.StateStepping)
}

func (p *Process) StepOut(tid int) error {
	return p.command(Command{Op: OpStepOut, Tid: tid}, proc.StateStepping)
}

func (p *Process) Stop() error {
	return p.command(Command{Op: OpStop}, proc.StateStopped)
}

func (p *Process) Kill() error {
	err := p.command(Command{Op: OpKill}, proc.StateInvalid)
	p.mu.Lock()
	p.state = proc.StateExited
	p.mu.Unlock()
	return err
}

func (p *Process) Detach() error {
	err := p.command(Command{Op: OpDetach}, proc.StateInvalid)
	p.mu.Lock()
	p.state = proc.StateDetached
	p.mu.Unlock()
	return err
}

// proc.EventSource

// WaitForEvent delivers the next queued event. An empty queue behaves
// like an elapsed timeout without sleeping.
func (p *Process) WaitForEvent(ctx context.Context, timeout time.Duration) (proc.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return proc.Event{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return proc.Event{}, false, nil
	}
	q := p.events[0]
	p.events = p.events[1:]
	if q.apply != nil {
		q.apply()
	}
	return q.ev, true, nil
}

// proc.StdinWriter

func (p *Process) WriteStdin(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin = append(p.stdin, b...)
	return len(b), nil
}

var _ proc.Target = (*Process)(nil)
var _ proc.StdinWriter = (*Process)(nil)
