package proc

import "fmt"

// ProcessState is the state of the traced process as reported by the
// backend.
type ProcessState uint8

const (
	StateUnloaded ProcessState = iota
	StateConnected
	StateAttaching
	StateLaunching
	StateStopped
	StateRunning
	StateStepping
	StateCrashed
	StateDetached
	StateExited
	StateSuspended
	StateInvalid
)

var processStateNames = [...]string{
	StateUnloaded:  "unloaded",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateStopped:   "stopped",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
	StateInvalid:   "invalid",
}

func (s ProcessState) String() string {
	if int(s) < len(processStateNames) {
		return processStateNames[s]
	}
	return fmt.Sprintf("ProcessState(%d)", uint8(s))
}

// Terminal returns true for the states that end a tracing session.
func (s ProcessState) Terminal() bool {
	switch s {
	case StateExited, StateCrashed, StateDetached:
		return true
	}
	return false
}

// StopReason is the backend's classification of why a thread halted.
type StopReason uint8

const (
	StopNone StopReason = iota
	StopBreakpoint
	StopWatchpoint
	StopSignal
	StopException
	StopPlanComplete
	StopTrace
	StopExec
	StopFork
	StopVFork
	StopVForkDone
	StopThreadExiting
	StopInstrumentation
	StopInvalid
)

var stopReasonNames = [...]string{
	StopNone:            "none",
	StopBreakpoint:      "breakpoint",
	StopWatchpoint:      "watchpoint",
	StopSignal:          "signal",
	StopException:       "exception",
	StopPlanComplete:    "plan-complete",
	StopTrace:           "trace",
	StopExec:            "exec",
	StopFork:            "fork",
	StopVFork:           "vfork",
	StopVForkDone:       "vfork-done",
	StopThreadExiting:   "thread-exiting",
	StopInstrumentation: "instrumentation",
	StopInvalid:         "invalid",
}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// EventKind distinguishes the events delivered by WaitForEvent.
type EventKind uint8

const (
	EventStateChanged EventKind = iota
	EventStdout
	EventStderr
)

// Event is a single notification from the backend. Backends only enqueue
// events, every reaction to them happens on the consumer's goroutine.
type Event struct {
	Kind  EventKind
	State ProcessState
	Data  []byte
}

// Symbol is a code symbol of a loaded module.
type Symbol struct {
	Name   string
	Module string
	Start  uint64
	End    uint64
	// PrologueSize is the number of bytes between Start and the first
	// instruction after the function prologue, zero if unknown.
	PrologueSize uint64
}

// Contains returns true if pc belongs to the symbol's instruction range.
func (s *Symbol) Contains(pc uint64) bool {
	return pc >= s.Start && pc < s.End
}

// Module is an executable image mapped into the target.
type Module struct {
	Name  string
	Path  string
	UUID  string
	Start uint64
	End   uint64
}

// Location is the result of resolving an address.
type Location struct {
	PC     uint64
	Module string
	Symbol *Symbol
	// File and Line are empty when the address has no line entry.
	File string
	Line int
}

// HasLine returns true if the location carries a line entry.
func (loc *Location) HasLine() bool {
	return loc.File != ""
}

// Function returns the symbol name or "??".
func (loc *Location) Function() string {
	if loc.Symbol == nil {
		return "??"
	}
	return loc.Symbol.Name
}

// Frame is one entry of a thread's call stack.
type Frame struct {
	PC       uint64
	SP       uint64
	Function string
	File     string
	Line     int
}

// Value is the result of evaluating an expression in the target.
type Value struct {
	Name     string
	Type     string
	Value    string
	Summary  string
	Children []Value
}

// String returns Value, or Summary when there is no scalar value.
func (v *Value) String() string {
	if v.Value != "" {
		return v.Value
	}
	return v.Summary
}
