package intercept

import (
	"github.com/go-delve/ntrace/pkg/proc"
)

const (
	threadCreateFunction = "pthread_create"
	threadJoinFunction   = "pthread_join"
)

type threadHooks struct {
	create, join int
	// entries maps the breakpoints placed on thread start routines to
	// the routine.
	entries map[int]*proc.Symbol
}

// InstallThreadHooks places breakpoints on pthread_create and
// pthread_join. Missing functions, as in statically linked programs
// without threads, are not an error.
func (ic *Interceptor) InstallThreadHooks() {
	for _, h := range []struct {
		name string
		id   *int
	}{
		{threadCreateFunction, &ic.threads.create},
		{threadJoinFunction, &ic.threads.join},
	} {
		bp, err := ic.t.CreateBreakpointByName(h.name, "")
		if err != nil {
			ic.log.Debugf("not hooking %s: %v", h.name, err)
			continue
		}
		*h.id = bp.ID
	}
}

// IsThreadCreate returns true if id is the pthread_create hook.
func (ic *Interceptor) IsThreadCreate(id int) bool {
	return id != 0 && id == ic.threads.create
}

// IsThreadJoin returns true if id is the pthread_join hook.
func (ic *Interceptor) IsThreadJoin(id int) bool {
	return id != 0 && id == ic.threads.join
}

// IsThreadEntry returns true if id was placed on a thread start routine
// by OnThreadCreate.
func (ic *Interceptor) IsThreadEntry(id int) bool {
	_, ok := ic.threads.entries[id]
	return ok
}

// OnThreadCreate places a breakpoint at the start routine passed to
// pthread_create by tid, after the routine's prologue.
func (ic *Interceptor) OnThreadCreate(tid int) {
	profile := ic.dec.Profile()
	reg := profile.ArgRegisters[profile.ThreadStartArg]
	start, err := ic.t.ReadRegister(tid, reg)
	if err != nil {
		ic.log.Warnf("pthread_create: could not read start routine from %s: %v", reg, err)
		return
	}
	addr := start
	sym := &proc.Symbol{Name: "??", Start: start}
	if loc, err := ic.t.ResolveAddress(start); err == nil && loc.Symbol != nil {
		sym = loc.Symbol
		if sym.Start == start {
			addr += sym.PrologueSize
		}
	}
	for _, known := range ic.threads.entries {
		if known.Start == sym.Start {
			return
		}
	}
	bp, err := ic.t.CreateBreakpointAtAddr(addr)
	if err != nil {
		ic.log.Errorf("pthread_create: could not set breakpoint on %s at %#x: %v", sym.Name, addr, err)
		return
	}
	ic.threads.entries[bp.ID] = sym
	ic.log.Debugf("thread %d creates a thread starting at %s (%#x)", tid, sym.Name, start)
}

// OnThreadEntry reports a new thread reaching its start routine.
func (ic *Interceptor) OnThreadEntry(tid, id int) {
	sym, ok := ic.threads.entries[id]
	if !ok {
		return
	}
	ic.out.Infof("THREAD %d started in %s", tid, sym.Name)
}

// OnThreadJoin reports a pthread_join call.
func (ic *Interceptor) OnThreadJoin(tid int) {
	reg := ic.dec.Profile().ArgRegisters[0]
	handle, err := ic.t.ReadRegister(tid, reg)
	if err != nil {
		ic.log.Warnf("pthread_join: could not read thread handle: %v", err)
		return
	}
	ic.log.Debugf("thread %d joins thread %#x", tid, handle)
}

func (h *threadHooks) close(ic *Interceptor) {
	for _, id := range []int{h.create, h.join} {
		if id != 0 {
			ic.deleteBreakpoint(id)
		}
	}
	for id := range h.entries {
		ic.deleteBreakpoint(id)
	}
	h.create, h.join = 0, 0
	h.entries = make(map[int]*proc.Symbol)
}
