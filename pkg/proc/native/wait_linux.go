//go:build linux && (amd64 || arm64)

package native

import (
	"context"
	"errors"
	"fmt"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/proc"
)

// outputDrainTimeout bounds the wait for the output of an exited process.
const outputDrainTimeout = time.Second

type waitResult struct {
	pid    int
	status sys.WaitStatus
	err    error
}

// waitLoop collects the status changes of every traced thread. It only
// enqueues them, WaitForEvent handles them on the consumer's goroutine.
func (p *Process) waitLoop() {
	defer close(p.waits)
	for {
		var s sys.WaitStatus
		wpid, err := sys.Wait4(-1, &s, sys.WALL, nil)
		if errors.Is(err, sys.EINTR) {
			continue
		}
		res := waitResult{pid: wpid, status: s, err: err}
		select {
		case p.waits <- res:
		case <-p.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// WaitForEvent returns the next event of the process. A zero timeout
// waits until an event arrives or ctx is done.
func (p *Process) WaitForEvent(ctx context.Context, timeout time.Duration) (proc.Event, bool, error) {
	if ev, ok := p.nextQueued(); ok {
		return ev, true, nil
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return proc.Event{}, false, ctx.Err()
		case ev := <-p.output:
			return ev, true, nil
		case res, ok := <-p.waits:
			if !ok {
				p.waits = nil
				continue
			}
			if ev, ok := p.handleWait(res); ok {
				return ev, true, nil
			}
			if ev, ok := p.nextQueued(); ok {
				return ev, true, nil
			}
		case <-timer:
			return proc.Event{}, false, nil
		}
	}
}

// nextQueued returns a queued event, or the event produced by a status
// collected earlier.
func (p *Process) nextQueued() (proc.Event, bool) {
	for {
		if len(p.events) > 0 {
			ev := p.events[0]
			p.events = p.events[1:]
			return ev, true
		}
		if len(p.deferred) == 0 {
			return proc.Event{}, false
		}
		res := p.deferred[0]
		p.deferred = p.deferred[1:]
		if ev, ok := p.handleWait(res); ok {
			return ev, true
		}
	}
}

func stateEvent(state proc.ProcessState) proc.Event {
	return proc.Event{Kind: proc.EventStateChanged, State: state}
}

// handleWait processes one status change and returns the event it
// produces, if any.
func (p *Process) handleWait(res waitResult) (proc.Event, bool) {
	if res.err != nil {
		if !errors.Is(res.err, sys.ECHILD) {
			p.log.Errorf("wait: %v", res.err)
		}
		return proc.Event{}, false
	}
	ws := res.status
	if ws.Exited() || ws.Signaled() {
		if res.pid == p.pid {
			p.processExited(ws)
			return p.nextQueued()
		}
		p.log.Debugf("thread %d exited", res.pid)
		p.removeThread(res.pid)
		return proc.Event{}, false
	}
	if !ws.Stopped() {
		return proc.Event{}, false
	}

	t, ok := p.threads[res.pid]
	if !ok {
		// the new thread reported before the clone event of its parent
		t = p.addThread(res.pid, true)
		t.new = true
	}
	t.running = false

	if ws.StopSignal() == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_CLONE {
		var tid int
		var err error
		p.execPtraceFunc(func() { tid, err = ptraceGetEventMsg(t.ID) })
		if err != nil {
			p.log.Warnf("could not read the id of the thread created by %d: %v", t.ID, err)
		} else if _, known := p.threads[tid]; !known {
			nt := p.addThread(tid, true)
			nt.new = true
		}
		p.resume(t)
		return proc.Event{}, false
	}
	if ws.StopSignal() == sys.SIGSTOP && (t.new || t.sigstopPending) && !p.manualStop {
		t.new = false
		t.sigstopPending = false
		p.resume(t)
		return proc.Event{}, false
	}
	if !p.handleStop(t, ws) {
		return proc.Event{}, false
	}
	return p.reportStop(t), true
}

// resume lets a thread that stopped for an internal reason run again,
// unless the process is meant to be stopped.
func (p *Process) resume(t *thread) {
	if p.state != proc.StateRunning && !t.stepping {
		return
	}
	if err := p.cont(t); err != nil {
		p.log.Warnf("could not resume thread %d: %v", t.ID, err)
	}
	if t.pending != nil {
		p.deferred = append(p.deferred, waitResult{pid: t.ID, status: *t.pending})
		t.pending = nil
	}
}

func (p *Process) reportStop(t *thread) proc.Event {
	p.stopOthers(t.ID)
	p.refreshModules()
	p.state = proc.StateStopped
	p.selected = t.ID
	p.manualStop = false
	p.log.Debugf("thread %d stopped: %s %v", t.ID, t.stop.reason, t.stop.data)
	return stateEvent(proc.StateStopped)
}

// handleStop sets the stop reason of t and returns true if the stop must
// be reported.
func (p *Process) handleStop(t *thread, ws sys.WaitStatus) bool {
	sig := ws.StopSignal()
	switch {
	case sig == sys.SIGTRAP && t.stepping:
		p.finishStep(t)
		return p.advancePlan(t)
	case sig == sys.SIGTRAP:
		return p.onTrap(t)
	case sig == sys.SIGSTOP && p.manualStop:
		t.sigstopPending = false
		t.stop = stopInfo{reason: proc.StopSignal, data: []uint64{uint64(sig)}, desc: "stopped"}
		return true
	case sig == sys.SIGSTOP:
		// left over from stopping every thread
		p.resume(t)
		return false
	}
	if t.stepping {
		p.finishStep(t)
		if pl, ok := p.plans[t.ID]; ok {
			p.cancelPlan(pl)
		}
	}
	t.delayedSignal = int(sig)
	t.stop = stopInfo{reason: proc.StopSignal, data: []uint64{uint64(sig)}, desc: fmt.Sprintf("signal %s", sys.SignalName(sig))}
	return true
}

// onTrap handles a SIGTRAP that is not the end of a single step.
func (p *Process) onTrap(t *thread) bool {
	pc, err := p.pc(t)
	if err != nil {
		p.log.Warnf("could not read pc of thread %d: %v", t.ID, err)
		t.stop = stopInfo{reason: proc.StopSignal, data: []uint64{uint64(sys.SIGTRAP)}}
		return true
	}
	addr := pc - p.arch.PCAdjustAfterBreakpoint
	if sw, ok := p.bps.at(addr); ok {
		if addr != pc {
			if err := p.setPC(t.ID, addr); err != nil {
				p.log.Warnf("could not rewind pc of thread %d: %v", t.ID, err)
			}
		}
		if pl, ok := p.plans[t.ID]; ok && pl.bp == addr && p.planArrived(t, pl) {
			p.bps.removeInternal(pl.bp)
			pl.bp = 0
			return p.advancePlan(t)
		}
		if len(sw.ids) > 0 {
			t.stop = stopInfo{reason: proc.StopBreakpoint, data: p.bps.hit(addr), desc: "breakpoint"}
			return true
		}
		// temporary breakpoint of another thread or of a deeper frame
		p.resume(t)
		return false
	}

	if at, ok := p.hardcodedBreakpoint(pc); ok {
		if p.arch.PCAdjustAfterBreakpoint == 0 {
			// the trap does not advance the pc
			if err := p.setPC(t.ID, pc+uint64(len(p.arch.BreakpointInstruction))); err != nil {
				p.log.Warnf("could not skip breakpoint instruction of thread %d: %v", t.ID, err)
			}
		}
		t.stop = stopInfo{reason: proc.StopException, data: []uint64{1, at}, desc: fmt.Sprintf("EXC_BREAKPOINT (code=1, subcode=%#x)", at)}
		return true
	}
	t.delayedSignal = int(sys.SIGTRAP)
	t.stop = stopInfo{reason: proc.StopSignal, data: []uint64{uint64(sys.SIGTRAP)}, desc: "signal SIGTRAP"}
	return true
}

// hardcodedBreakpoint returns the address of the breakpoint instruction of
// the program that trapped at pc.
func (p *Process) hardcodedBreakpoint(pc uint64) (uint64, bool) {
	at := pc - p.arch.PCAdjustAfterBreakpoint
	if p.arch.PCAdjustAfterBreakpoint != 0 {
		at = pc - uint64(len(p.arch.BreakpointInstruction))
	}
	insts, err := p.Disassemble(at, 1)
	if err != nil || len(insts) == 0 {
		return 0, false
	}
	return at, insts[0].Kind == proc.HardBreakInstruction
}

// processExited queues the remaining output of the process followed by
// its exit event.
func (p *Process) processExited(ws sys.WaitStatus) {
	state := proc.StateExited
	if ws.Signaled() {
		p.exitCode = 128 + int(ws.Signal())
		if !p.killed {
			state = proc.StateCrashed
		}
	} else {
		p.exitCode = ws.ExitStatus()
	}
	p.state = state
	p.bps.forget()
	for tid := range p.threads {
		delete(p.threads, tid)
	}
	p.plans = make(map[int]*plan)
	p.log.Debugf("process %d exited with status %d", p.pid, p.exitCode)

	p.events = append(p.events, p.drainOutput()...)
	p.events = append(p.events, stateEvent(state))
}

func (p *Process) drainOutput() []proc.Event {
	var r []proc.Event
	timeout := time.NewTimer(outputDrainTimeout)
	defer timeout.Stop()
	for {
		select {
		case ev := <-p.output:
			r = append(r, ev)
		case <-p.outputDone:
			for {
				select {
				case ev := <-p.output:
					r = append(r, ev)
				default:
					return r
				}
			}
		case <-timeout.C:
			return r
		}
	}
}
