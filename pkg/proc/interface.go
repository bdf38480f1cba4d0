package proc

import (
	"context"
	"time"
)

// Target is the capability surface the tracer consumes. Implementations
// live in pkg/proc/native (ptrace) and pkg/proc/fakeproc (tests).
type Target interface {
	ProcessInfo
	BreakpointManager
	InstructionReader
	RegisterReader
	MemoryReader
	Evaluator
	SymbolTable
	Executor
	EventSource
}

// ProcessInfo is an interface for getting information on the process and
// its threads.
type ProcessInfo interface {
	Pid() int
	Arch() *Arch
	State() ProcessState
	Threads() []int
	// SelectedThread returns the thread that caused the last stop.
	SelectedThread() (int, bool)
	StopReason(tid int) StopReason
	// StopReasonData returns the data words of the stop reason: the
	// breakpoint id for StopBreakpoint, the signal number for StopSignal.
	StopReasonData(tid int) []uint64
	StopDescription(tid int) string
	Frames(tid int, max int) ([]Frame, error)
	ExitStatus() int
}

// BreakpointManager is an interface for managing breakpoints.
type BreakpointManager interface {
	CreateBreakpointAtAddr(addr uint64) (*Breakpoint, error)
	CreateBreakpointByName(name, module string) (*Breakpoint, error)
	SetOneShot(id int, oneShot bool) error
	DeleteBreakpoint(id int) error
	FindBreakpoint(id int) (*Breakpoint, bool)
	Breakpoints() []*Breakpoint
}

// InstructionReader disassembles target memory.
type InstructionReader interface {
	// Disassemble decodes up to count instructions starting at addr.
	Disassemble(addr uint64, count int) ([]Instruction, error)
}

// RegisterReader reads registers of a stopped thread. Architecture aliases
// (fp, lr, sp, pc) are accepted along with the numbered names.
type RegisterReader interface {
	ReadRegister(tid int, name string) (uint64, error)
	Registers(tid int) (map[string]uint64, error)
}

// MemoryReader reads target memory.
type MemoryReader interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Evaluator evaluates typed expressions such as `*(struct stat*)0x1000`
// against the target's debug information.
type Evaluator interface {
	EvaluateExpression(tid int, expr string) (*Value, error)
}

// SymbolTable gives access to modules, symbols and line information.
type SymbolTable interface {
	Modules() []Module
	FindModule(name string) (*Module, bool)
	ModuleSymbols(module string) ([]Symbol, error)
	// FindFunction looks up a function by name, module can be empty to
	// search every module.
	FindFunction(name, module string) (*Symbol, error)
	// ResolveAddress returns an error if pc does not belong to any module.
	ResolveAddress(pc uint64) (*Location, error)
	SourceFiles() []string
}

// Executor resumes or steps the target. Every method returns as soon as
// the command has been issued, completion is reported through events.
type Executor interface {
	Continue() error
	StepInstruction(tid int, over bool) error
	StepInto(tid int) error
	StepOver(tid int) error
	StepOut(tid int) error
	Stop() error
	Kill() error
	Detach() error
}

// EventSource delivers backend events.
type EventSource interface {
	// WaitForEvent returns the next event, or false if timeout elapsed
	// first.
	WaitForEvent(ctx context.Context, timeout time.Duration) (Event, bool, error)
}

// StdinWriter is implemented by targets that accept input for the
// debuggee's standard input.
type StdinWriter interface {
	WriteStdin(p []byte) (int, error)
}
