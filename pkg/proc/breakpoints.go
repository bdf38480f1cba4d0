package proc

import (
	"errors"
	"fmt"
)

// Breakpoint represents a software breakpoint owned by the tracer.
type Breakpoint struct {
	ID     int
	Addr   uint64 // Address breakpoint is set for.
	Name   string // Function name, for breakpoints created by name.
	Module string
	// OneShot breakpoints are removed by the backend after their first hit.
	OneShot  bool
	HitCount uint64

	// OriginalData is the memory replaced by the breakpoint instruction,
	// only used by backends that patch memory.
	OriginalData []byte
}

func (bp *Breakpoint) String() string {
	if bp.Name != "" {
		return fmt.Sprintf("Breakpoint %d at %#x %s", bp.ID, bp.Addr, bp.Name)
	}
	return fmt.Sprintf("Breakpoint %d at %#x", bp.ID, bp.Addr)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint.
type BreakpointExistsError struct {
	Addr uint64
	ID   int
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x (id %d)", bpe.Addr, bpe.ID)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	ID int
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint with id %d", nbp.ID)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

var (
	// ErrNotSupported is returned by backends for capabilities they do not
	// implement, for example expression evaluation without type information.
	ErrNotSupported = errors.New("operation not supported by this backend")
	// ErrProcessRunning is returned by operations that need a stopped
	// target.
	ErrProcessRunning = errors.New("process is running")
	ErrNoSuchRegister = errors.New("no such register")
	ErrNoSymbol       = errors.New("no such symbol")
	ErrNoModule       = errors.New("no such module")
)

// IsBreakpointGone returns true if err reports that a breakpoint no longer
// exists. One-shot breakpoints delete themselves, so deleting them a
// second time is not an error worth reporting.
func IsBreakpointGone(err error) bool {
	var nbp NoBreakpointError
	return errors.As(err, &nbp)
}
