// Package symtrace traces every function of a module whose name matches
// a regular expression. Entry breakpoints are persistent, return
// breakpoints are placed on the return instructions of the function when
// it is entered and removed as soon as one of them is hit.
package symtrace

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/notify"
	"github.com/go-delve/ntrace/pkg/proc"
)

// maxScan bounds the number of instructions scanned for returns when the
// end of a function is not known.
const maxScan = 4096

// Target is the part of proc.Target used by the symbol tracer.
type Target interface {
	proc.BreakpointManager
	proc.InstructionReader
	proc.SymbolTable
}

// CallFrame is a traced function call in progress.
type CallFrame struct {
	Symbol    *proc.Symbol
	EnterTime time.Time
	// ReturnBreakpoints are the one-shot breakpoints on the function's
	// return instructions.
	ReturnBreakpoints []int
}

// Tracer installs and services the breakpoints of symbol patterns.
type Tracer struct {
	t     Target
	sink  notify.Sink
	cache *Cache

	entries map[int]*proc.Symbol
	returns map[int]bool
	stacks  map[int][]*CallFrame

	// Now returns the current time, it can be replaced by tests.
	Now func() time.Time

	log logflags.Logger
}

// New returns a tracer notifying sink. cache may be nil.
func New(t Target, sink notify.Sink, cache *Cache) *Tracer {
	if sink == nil {
		sink = notify.Multi(nil)
	}
	return &Tracer{
		t:       t,
		sink:    sink,
		cache:   cache,
		entries: make(map[int]*proc.Symbol),
		returns: make(map[int]bool),
		stacks:  make(map[int][]*CallFrame),
		Now:     time.Now,
		log:     logflags.SymtraceLogger(),
	}
}

// RegisterSymbols installs an entry breakpoint on every code symbol of
// module matching pattern and returns the number of breakpoints installed.
func (tr *Tracer) RegisterSymbols(module, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid symbol pattern %q: %w", pattern, err)
	}
	m, ok := tr.t.FindModule(module)
	if !ok {
		return 0, fmt.Errorf("%w: %s", proc.ErrNoModule, module)
	}
	syms, err := tr.t.ModuleSymbols(m.Name)
	if err != nil {
		return 0, err
	}

	matched := tr.matchSymbols(m, pattern, re, syms)
	n := 0
	for i := range matched {
		sym := matched[i]
		if tr.isTraced(sym) {
			continue
		}
		bp, err := tr.t.CreateBreakpointAtAddr(sym.Start)
		if err != nil {
			tr.log.Errorf("could not trace %s`%s: %v", m.Name, sym.Name, err)
			continue
		}
		tr.entries[bp.ID] = &sym
		n++
	}
	tr.log.Debugf("%s: %d symbols match %q", m.Name, n, pattern)
	return n, nil
}

func (tr *Tracer) matchSymbols(m *proc.Module, pattern string, re *regexp.Regexp, syms []proc.Symbol) []proc.Symbol {
	key := CacheKey(m.UUID, pattern)
	if tr.cache != nil && m.UUID != "" {
		if names, ok := tr.cache.Lookup(key); ok {
			byName := make(map[string]proc.Symbol, len(syms))
			for _, s := range syms {
				byName[s.Name] = s
			}
			r := make([]proc.Symbol, 0, len(names))
			for _, name := range names {
				if s, ok := byName[name]; ok {
					r = append(r, s)
				}
			}
			return r
		}
	}
	var r []proc.Symbol
	var names []string
	for _, s := range syms {
		if re.MatchString(s.Name) {
			r = append(r, s)
			names = append(names, s.Name)
		}
	}
	if tr.cache != nil && m.UUID != "" {
		tr.cache.Store(key, names)
	}
	return r
}

func (tr *Tracer) isTraced(sym proc.Symbol) bool {
	for _, s := range tr.entries {
		if s.Start == sym.Start {
			return true
		}
	}
	return false
}

// IsEntry returns true if id is the entry breakpoint of a traced symbol.
func (tr *Tracer) IsEntry(id int) bool {
	_, ok := tr.entries[id]
	return ok
}

// IsReturn returns true if id is a return breakpoint of a traced call in
// progress.
func (tr *Tracer) IsReturn(id int) bool {
	return tr.returns[id]
}

// OnEnter handles thread tid hitting entry breakpoint id.
func (tr *Tracer) OnEnter(tid, id int) {
	sym, ok := tr.entries[id]
	if !ok {
		return
	}
	frame := &CallFrame{Symbol: sym, EnterTime: tr.Now()}
	for _, addr := range tr.returnAddresses(sym) {
		bp, err := tr.t.CreateBreakpointAtAddr(addr)
		if err != nil {
			tr.log.Errorf("%s: could not set return breakpoint at %#x: %v", sym.Name, addr, err)
			continue
		}
		if err := tr.t.SetOneShot(bp.ID, true); err != nil {
			tr.log.Warnf("could not make breakpoint %d one-shot: %v", bp.ID, err)
		}
		tr.returns[bp.ID] = true
		frame.ReturnBreakpoints = append(frame.ReturnBreakpoints, bp.ID)
	}
	tr.stacks[tid] = append(tr.stacks[tid], frame)
	tr.sink.SymbolEnter(notify.EnterEvent{
		ThreadID: tid,
		Module:   sym.Module,
		Symbol:   sym.Name,
		Addr:     sym.Start,
		Time:     frame.EnterTime,
	})
}

// returnAddresses returns the addresses of the return instructions of sym.
// When none is found the end of the function is used.
func (tr *Tracer) returnAddresses(sym *proc.Symbol) []uint64 {
	count := maxScan
	if sym.End > sym.Start && sym.End-sym.Start < maxScan {
		count = int(sym.End - sym.Start)
	}
	insts, err := tr.t.Disassemble(sym.Start, count)
	if err != nil {
		tr.log.Warnf("%s: could not disassemble: %v", sym.Name, err)
	}
	var r []uint64
	for i := range insts {
		inst := &insts[i]
		if sym.End > sym.Start && inst.Addr >= sym.End {
			break
		}
		if inst.IsRet() {
			r = append(r, inst.Addr)
			if sym.End <= sym.Start {
				break
			}
		}
	}
	if len(r) == 0 && sym.End > sym.Start {
		tr.log.Debugf("%s: no return instruction found, using end address %#x", sym.Name, sym.End)
		r = append(r, sym.End)
	}
	return r
}

// OnReturn handles thread tid hitting return breakpoint id. The innermost
// traced call of the thread is considered finished, recursive calls of
// the same function on one thread are not told apart.
func (tr *Tracer) OnReturn(tid, id int) {
	stack := tr.stacks[tid]
	if len(stack) == 0 {
		tr.log.Debugf("return breakpoint %d hit by thread %d with no traced call", id, tid)
		return
	}
	frame := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(tr.stacks, tid)
	} else {
		tr.stacks[tid] = stack[:len(stack)-1]
	}
	if !containsID(frame.ReturnBreakpoints, id) {
		tr.log.Warnf("thread %d: breakpoint %d does not belong to %s", tid, id, frame.Symbol.Name)
	}
	tr.deleteReturns(frame)
	tr.sink.SymbolLeave(notify.LeaveEvent{
		ThreadID: tid,
		Module:   frame.Symbol.Module,
		Symbol:   frame.Symbol.Name,
		Duration: tr.Now().Sub(frame.EnterTime),
	})
}

func containsID(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (tr *Tracer) deleteReturns(frame *CallFrame) {
	for _, id := range frame.ReturnBreakpoints {
		delete(tr.returns, id)
		tr.deleteBreakpoint(id)
	}
}

func (tr *Tracer) deleteBreakpoint(id int) {
	if err := tr.t.DeleteBreakpoint(id); err != nil && !proc.IsBreakpointGone(err) {
		tr.log.Warnf("could not delete breakpoint %d: %v", id, err)
	}
}

// Depth returns the number of traced calls in progress on tid.
func (tr *Tracer) Depth(tid int) int {
	return len(tr.stacks[tid])
}

// Shutdown removes every breakpoint of the tracer and saves the cache.
func (tr *Tracer) Shutdown() error {
	for tid, stack := range tr.stacks {
		for _, frame := range stack {
			tr.log.Warnf("thread %d: %s did not return", tid, frame.Symbol.Name)
			tr.deleteReturns(frame)
		}
	}
	tr.stacks = make(map[int][]*CallFrame)
	for id := range tr.entries {
		tr.deleteBreakpoint(id)
	}
	tr.entries = make(map[int]*proc.Symbol)
	if tr.cache != nil {
		return tr.cache.Save()
	}
	return nil
}
