// Package intercept logs calls to selected C library functions. A
// persistent breakpoint is placed on each function, every hit decodes the
// arguments and installs a one-shot breakpoint on the return address that
// reports the return value.
package intercept

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/ntrace/pkg/abi"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/notify"
	"github.com/go-delve/ntrace/pkg/proc"
)

// Target is the part of proc.Target used by the interceptor.
type Target interface {
	proc.BreakpointManager
	proc.SymbolTable
	abi.Reader
}

// PendingReturn is a call whose return breakpoint has not been hit yet.
type PendingReturn struct {
	ThreadID      int
	Function      string
	ReturnAddress uint64
	BreakpointID  int
}

// Interceptor pairs the entry and return breakpoints of intercepted
// functions. It is not safe for concurrent use, all methods are called
// from the dispatcher loop.
type Interceptor struct {
	t    Target
	dec  *abi.Decoder
	sink notify.Sink

	entries map[int]string // entry breakpoint id -> function
	returns map[int]int    // return breakpoint id -> thread
	// pending holds, per thread, the calls in progress innermost last.
	pending map[int][]PendingReturn

	threads threadHooks

	log logflags.Logger
	out logflags.Logger
}

// New returns an interceptor decoding calls with profile. sink may be nil.
func New(t Target, profile *abi.Profile, sink notify.Sink) *Interceptor {
	if sink == nil {
		sink = notify.Multi(nil)
	}
	return &Interceptor{
		t:       t,
		dec:     abi.NewDecoder(t, profile),
		sink:    sink,
		entries: make(map[int]string),
		returns: make(map[int]int),
		pending: make(map[int][]PendingReturn),
		threads: threadHooks{entries: make(map[int]*proc.Symbol)},
		log:     logflags.InterceptLogger(),
		out:     logflags.TraceLogger(),
	}
}

// Install creates a persistent entry breakpoint for each function. A
// function that can not be found is reported and skipped, the number of
// installed breakpoints is returned.
func (ic *Interceptor) Install(functions []string) int {
	n := 0
	for _, fn := range functions {
		if ic.hasEntry(fn) {
			continue
		}
		bp, err := ic.t.CreateBreakpointByName(fn, "")
		if err != nil {
			ic.log.Errorf("could not intercept %s: %v", fn, err)
			continue
		}
		if err := ic.t.SetOneShot(bp.ID, false); err != nil {
			ic.log.Errorf("could not make breakpoint %d persistent: %v", bp.ID, err)
		}
		ic.entries[bp.ID] = fn
		ic.log.Debugf("intercepting %s at %#x (breakpoint %d)", fn, bp.Addr, bp.ID)
		n++
	}
	return n
}

func (ic *Interceptor) hasEntry(fn string) bool {
	for _, name := range ic.entries {
		if name == fn {
			return true
		}
	}
	return false
}

// IsEntry returns true if id is the entry breakpoint of an intercepted
// function.
func (ic *Interceptor) IsEntry(id int) bool {
	_, ok := ic.entries[id]
	return ok
}

// IsReturn returns true if id is a pending return breakpoint.
func (ic *Interceptor) IsReturn(id int) bool {
	_, ok := ic.returns[id]
	return ok
}

// OnEntry handles a hit of the entry breakpoint id by thread tid.
func (ic *Interceptor) OnEntry(tid, id int) {
	fn, ok := ic.entries[id]
	if !ok {
		return
	}
	args := ic.dec.DecodeArgs(tid, fn)

	ret, err := ic.dec.Profile().ReturnAddress(ic.t, tid)
	if err != nil {
		ic.log.Warnf("%s: could not read return address of thread %d: %v", fn, tid, err)
	} else if err := ic.watchReturn(tid, fn, ret); err != nil {
		ic.log.Errorf("%s: %v", fn, err)
	}

	ev := notify.CallEvent{ThreadID: tid, Function: fn, Args: args}
	ic.out.Infof("CALL %s", callString(ev))
	ic.sink.Call(ev)
}

func callString(ev notify.CallEvent) string {
	return ev.Function + "(" + strings.Join(ev.Args, ", ") + ")"
}

// watchReturn places a one-shot breakpoint on the return address of the
// call of fn by tid. The breakpoint is shared by every thread: if another
// thread reaches addr first it consumes the breakpoint, OnReturn ignores
// that hit and the return of tid is not logged.
func (ic *Interceptor) watchReturn(tid int, fn string, addr uint64) error {
	bp, err := ic.t.CreateBreakpointAtAddr(addr)
	if err != nil {
		var exists proc.BreakpointExistsError
		if !errors.As(err, &exists) {
			return fmt.Errorf("could not set return breakpoint at %#x: %w", addr, err)
		}
		// Another call returning to the same address is already
		// pending, reuse its breakpoint.
		bp = &proc.Breakpoint{ID: exists.ID, Addr: addr}
	} else if err := ic.t.SetOneShot(bp.ID, true); err != nil {
		return fmt.Errorf("could not make breakpoint %d one-shot: %w", bp.ID, err)
	}
	ic.returns[bp.ID] = tid
	ic.pending[tid] = append(ic.pending[tid], PendingReturn{
		ThreadID:      tid,
		Function:      fn,
		ReturnAddress: addr,
		BreakpointID:  bp.ID,
	})
	return nil
}

// OnReturn handles a hit of the return breakpoint id by thread tid. Hits
// that do not match the innermost pending call of the thread are ignored.
func (ic *Interceptor) OnReturn(tid, id int) {
	stack := ic.pending[tid]
	if len(stack) == 0 || stack[len(stack)-1].BreakpointID != id {
		ic.log.Debugf("breakpoint %d hit by thread %d without a pending call", id, tid)
		return
	}
	pr := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(ic.pending, tid)
	} else {
		ic.pending[tid] = stack[:len(stack)-1]
	}

	value, detail, err := ic.dec.DecodeReturn(tid, pr.Function)
	if err != nil {
		ic.log.Warnf("%s: could not read return value: %v", pr.Function, err)
	}
	if detail != "" {
		ic.out.Infof("RET %s => %#x %s", pr.Function, value, detail)
	} else {
		ic.out.Infof("RET %s => %#x", pr.Function, value)
	}

	if !ic.stillPending(id) {
		delete(ic.returns, id)
		ic.deleteBreakpoint(id)
	}
	ic.sink.Return(notify.ReturnEvent{ThreadID: tid, Function: pr.Function, Value: value, Detail: detail})
}

func (ic *Interceptor) stillPending(id int) bool {
	for _, stack := range ic.pending {
		for _, pr := range stack {
			if pr.BreakpointID == id {
				return true
			}
		}
	}
	return false
}

// Pending returns the calls whose return has not been observed, sorted by
// thread.
func (ic *Interceptor) Pending() []PendingReturn {
	var r []PendingReturn
	for _, stack := range ic.pending {
		r = append(r, stack...)
	}
	sort.SliceStable(r, func(i, j int) bool { return r[i].ThreadID < r[j].ThreadID })
	return r
}

// Close deletes every breakpoint owned by the interceptor and reports the
// calls that never returned.
func (ic *Interceptor) Close() {
	for _, pr := range ic.Pending() {
		ic.log.Warnf("thread %d: %s never returned to %#x", pr.ThreadID, pr.Function, pr.ReturnAddress)
	}
	for id := range ic.returns {
		ic.deleteBreakpoint(id)
	}
	for id := range ic.entries {
		ic.deleteBreakpoint(id)
	}
	ic.threads.close(ic)
	ic.returns = make(map[int]int)
	ic.entries = make(map[int]string)
	ic.pending = make(map[int][]PendingReturn)
}

func (ic *Interceptor) deleteBreakpoint(id int) {
	if err := ic.t.DeleteBreakpoint(id); err != nil && !proc.IsBreakpointGone(err) {
		ic.log.Warnf("could not delete breakpoint %d: %v", id, err)
	}
}
