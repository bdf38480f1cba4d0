//go:build linux && (amd64 || arm64)

package native

import (
	"fmt"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/proc"
)

// stepOverTimeout bounds the wait for a thread stepping over a breakpoint.
const stepOverTimeout = 5 * time.Second

// stopInfo is why a thread halted, as reported to the consumer.
type stopInfo struct {
	reason proc.StopReason
	data   []uint64
	desc   string
}

// thread represents a single thread in the traced process.
type thread struct {
	ID      int
	running bool
	// stepping is true while a PTRACE_SINGLESTEP is in flight.
	stepping bool
	// reinsert is the address of a breakpoint suspended for the step in
	// flight, zero if none.
	reinsert      uint64
	delayedSignal int
	// sigstopPending is set when a SIGSTOP was sent to stop the thread and
	// has not been received yet.
	sigstopPending bool
	// new threads report an initial SIGSTOP.
	new bool
	// pending is a stop collected while stopping every thread, reported
	// before the thread runs again.
	pending *sys.WaitStatus
	stop    stopInfo
}

func (p *Process) addThread(tid int, running bool) *thread {
	if t, ok := p.threads[tid]; ok {
		return t
	}
	t := &thread{ID: tid, running: running}
	p.threads[tid] = t
	p.log.Debugf("new thread %d", tid)
	return t
}

func (p *Process) removeThread(tid int) {
	delete(p.threads, tid)
	if pl, ok := p.plans[tid]; ok {
		p.cancelPlan(pl)
	}
	if p.selected == tid {
		p.selected = 0
	}
}

// pc returns the program counter of a stopped thread.
func (p *Process) pc(t *thread) (uint64, error) {
	return p.ReadRegister(t.ID, p.arch.PCRegister)
}

// cont resumes t. A thread sitting on a breakpoint first steps over it.
func (p *Process) cont(t *thread) error {
	if t.stepping {
		return p.singleStep(t)
	}
	pc, err := p.pc(t)
	if err != nil {
		return err
	}
	if _, ok := p.bps.at(pc); ok {
		ws, err := p.stepOverBreakpoint(t, pc)
		if err != nil {
			return err
		}
		if !isTrap(ws) {
			// something else happened while stepping over the breakpoint,
			// report it instead of resuming
			t.pending = &ws
			return nil
		}
	}
	sig := t.delayedSignal
	t.delayedSignal = 0
	p.execPtraceFunc(func() { err = ptraceCont(t.ID, sig) })
	if err != nil {
		return fmt.Errorf("could not resume thread %d: %w", t.ID, err)
	}
	t.running = true
	t.stop = stopInfo{}
	return nil
}

// singleStep starts a single step of t. The breakpoint at the current pc,
// if any, is suspended until the step completes.
func (p *Process) singleStep(t *thread) error {
	if t.reinsert == 0 {
		pc, err := p.pc(t)
		if err != nil {
			return err
		}
		suspended, err := p.bps.suspend(pc)
		if err != nil {
			return err
		}
		if suspended {
			t.reinsert = pc
		}
	}
	sig := t.delayedSignal
	t.delayedSignal = 0
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(t.ID, sig) })
	if err != nil {
		return fmt.Errorf("could not step thread %d: %w", t.ID, err)
	}
	t.stepping = true
	t.running = true
	t.stop = stopInfo{}
	return nil
}

// finishStep reinserts the breakpoint suspended by singleStep.
func (p *Process) finishStep(t *thread) {
	t.stepping = false
	if t.reinsert != 0 {
		if err := p.bps.reinsert(t.reinsert); err != nil {
			p.log.Warnf("could not reinsert breakpoint at %#x: %v", t.reinsert, err)
		}
		t.reinsert = 0
	}
}

// stepOverBreakpoint executes the instruction under the breakpoint at pc
// and waits for the step to finish. Every other thread must be stopped.
func (p *Process) stepOverBreakpoint(t *thread, pc uint64) (sys.WaitStatus, error) {
	if _, err := p.bps.suspend(pc); err != nil {
		return 0, err
	}
	defer func() {
		if err := p.bps.reinsert(pc); err != nil {
			p.log.Warnf("could not reinsert breakpoint at %#x: %v", pc, err)
		}
	}()
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(t.ID, 0) })
	if err != nil {
		return 0, fmt.Errorf("could not step thread %d over breakpoint: %w", t.ID, err)
	}
	t.running = true
	ws, err := p.waitThread(t.ID, stepOverTimeout)
	if err != nil {
		return 0, err
	}
	t.running = false
	return ws, nil
}

// waitThread waits for the next status of tid. Statuses of other threads
// are kept for later.
func (p *Process) waitThread(tid int, timeout time.Duration) (sys.WaitStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case res, ok := <-p.waits:
			if !ok {
				return 0, proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
			}
			if res.err == nil && res.pid == tid {
				return res.status, nil
			}
			p.deferred = append(p.deferred, res)
		case <-deadline.C:
			return 0, fmt.Errorf("timed out waiting for thread %d", tid)
		}
	}
}

func isTrap(ws sys.WaitStatus) bool {
	return ws.Stopped() && ws.StopSignal() == sys.SIGTRAP && ws.TrapCause() <= 0
}

// stopOthers stops every running thread except tid. Stops other than the
// requested SIGSTOP are kept as pending on their thread.
func (p *Process) stopOthers(tid int) {
	waiting := 0
	for _, t := range p.threads {
		if t.ID == tid || !t.running {
			continue
		}
		if !t.sigstopPending {
			if err := tgkill(p.pid, t.ID, sys.SIGSTOP); err != nil {
				p.log.Debugf("could not stop thread %d: %v", t.ID, err)
				continue
			}
			t.sigstopPending = true
		}
		waiting++
	}
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for waiting > 0 {
		select {
		case res, ok := <-p.waits:
			if !ok {
				return
			}
			t, known := p.threads[res.pid]
			if res.err != nil || !known || !t.running || res.pid == p.pid && !res.status.Stopped() {
				p.deferred = append(p.deferred, res)
				continue
			}
			waiting--
			t.running = false
			switch {
			case !res.status.Stopped():
				p.removeThread(res.pid)
			case res.status.StopSignal() == sys.SIGSTOP && t.sigstopPending:
				t.sigstopPending = false
			default:
				ws := res.status
				t.pending = &ws
			}
		case <-deadline.C:
			p.log.Warnf("%d threads did not stop", waiting)
			return
		}
	}
}
