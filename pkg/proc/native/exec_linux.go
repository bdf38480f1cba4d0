//go:build linux && (amd64 || arm64)

package native

import (
	"errors"
	"fmt"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/proc"
)

const (
	// maxSourceSteps bounds the instructions executed by one source step.
	maxSourceSteps = 100000
	killTimeout    = 5 * time.Second
)

type planKind uint8

const (
	planInstruction planKind = iota
	planInstructionOver
	planOut
	planSourceInto
	planSourceOver
)

// plan is a stepping command in progress on a thread.
type plan struct {
	kind planKind
	tid  int
	// bp is the temporary breakpoint the thread runs to, zero if the plan
	// single steps. It is only reached when the stack pointer is at least
	// sp, deeper recursive calls run through it.
	bp uint64
	sp uint64
	// file and line are where a source step started.
	file  string
	line  int
	steps int
}

func (p *Process) newPlan(t *thread, kind planKind) *plan {
	if old, ok := p.plans[t.ID]; ok {
		p.cancelPlan(old)
	}
	pl := &plan{kind: kind, tid: t.ID}
	p.plans[t.ID] = pl
	return pl
}

func (p *Process) cancelPlan(pl *plan) {
	if pl.bp != 0 {
		if err := p.bps.removeInternal(pl.bp); err != nil {
			p.log.Warnf("could not remove step breakpoint at %#x: %v", pl.bp, err)
		}
		pl.bp = 0
	}
	if p.plans[pl.tid] == pl {
		delete(p.plans, pl.tid)
	}
}

func (p *Process) planArrived(t *thread, pl *plan) bool {
	sp, err := p.ReadRegister(t.ID, p.arch.SPRegister)
	return err == nil && sp >= pl.sp
}

// advancePlan is called when the current unit of the plan of t finished.
// It returns true if the plan is complete and the stop must be reported.
func (p *Process) advancePlan(t *thread) bool {
	pl, ok := p.plans[t.ID]
	if !ok {
		t.stop = stopInfo{reason: proc.StopTrace, desc: "trace"}
		return true
	}
	if pl.kind == planSourceInto || pl.kind == planSourceOver {
		pl.steps++
		pc, err := p.pc(t)
		if err == nil && !p.sourceStepDone(pl, pc) {
			if err := p.startUnit(t, pl); err == nil {
				return false
			}
			p.log.Warnf("source step of thread %d interrupted: %v", t.ID, err)
		}
	}
	return p.completePlan(t, pl)
}

func (p *Process) sourceStepDone(pl *plan, pc uint64) bool {
	if pl.steps >= maxSourceSteps {
		p.log.Debugf("source step of thread %d gave up after %d instructions", pl.tid, pl.steps)
		return true
	}
	if sw, ok := p.bps.at(pc); ok && len(sw.ids) > 0 {
		return true
	}
	loc, err := p.syms.resolve(pc)
	if err != nil || !loc.HasLine() {
		return true
	}
	if loc.Line == 0 {
		return false
	}
	return loc.File != pl.file || loc.Line != pl.line
}

func (p *Process) completePlan(t *thread, pl *plan) bool {
	p.cancelPlan(pl)
	t.stop = stopInfo{reason: proc.StopPlanComplete, desc: "step"}
	if pc, err := p.pc(t); err == nil {
		t.stop.data = p.bps.hit(pc)
	}
	return true
}

// startUnit executes the next instruction of a source step, calls are
// run to completion when stepping over.
func (p *Process) startUnit(t *thread, pl *plan) error {
	pc, err := p.pc(t)
	if err != nil {
		return err
	}
	if pl.kind == planSourceOver {
		if insts, err := p.Disassemble(pc, 1); err == nil && insts[0].IsCall() {
			return p.runTo(t, pl, pc+uint64(insts[0].Size))
		}
	}
	return p.stepUnit(t)
}

func (p *Process) stepUnit(t *thread) error {
	if err := p.singleStep(t); err != nil {
		return err
	}
	p.state = proc.StateStepping
	return nil
}

// runTo resumes every thread until t reaches addr in the current frame.
func (p *Process) runTo(t *thread, pl *plan, addr uint64) error {
	sp, err := p.ReadRegister(t.ID, p.arch.SPRegister)
	if err != nil {
		return err
	}
	return p.runToFrame(pl, addr, sp)
}

func (p *Process) runToFrame(pl *plan, addr, sp uint64) error {
	if err := p.bps.insertInternal(addr); err != nil {
		return err
	}
	pl.bp = addr
	pl.sp = sp
	return p.resumeAll()
}

// resumeAll resumes every stopped thread. If a thread has a stop that was
// not reported yet it is reported instead.
func (p *Process) resumeAll() error {
	for _, tid := range p.Threads() {
		t := p.threads[tid]
		if t.pending != nil {
			p.deferred = append(p.deferred, waitResult{pid: t.ID, status: *t.pending})
			t.pending = nil
			p.state = proc.StateRunning
			return nil
		}
	}
	p.state = proc.StateRunning
	for _, tid := range p.Threads() {
		t := p.threads[tid]
		if t.running {
			continue
		}
		if err := p.cont(t); err != nil {
			if errors.Is(err, sys.ESRCH) {
				continue
			}
			return err
		}
		if t.pending != nil {
			p.deferred = append(p.deferred, waitResult{pid: t.ID, status: *t.pending})
			t.pending = nil
		}
	}
	return nil
}

func (p *Process) stoppedThread(tid int) (*thread, error) {
	if err := p.checkStopped(); err != nil {
		return nil, err
	}
	if tid == 0 {
		tid = p.selected
	}
	t, ok := p.threads[tid]
	if !ok {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	return t, nil
}

// proc.Executor

func (p *Process) Continue() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return p.resumeAll()
}

func (p *Process) StepInstruction(tid int, over bool) error {
	t, err := p.stoppedThread(tid)
	if err != nil {
		return err
	}
	pl := p.newPlan(t, planInstruction)
	if over {
		pc, err := p.pc(t)
		if err != nil {
			return err
		}
		if insts, err := p.Disassemble(pc, 1); err == nil && insts[0].IsCall() {
			pl.kind = planInstructionOver
			return p.runTo(t, pl, pc+uint64(insts[0].Size))
		}
	}
	return p.stepUnit(t)
}

func (p *Process) StepInto(tid int) error {
	return p.sourceStep(tid, planSourceInto)
}

func (p *Process) StepOver(tid int) error {
	return p.sourceStep(tid, planSourceOver)
}

// sourceStep steps until the line changes. Without line information it
// steps one instruction.
func (p *Process) sourceStep(tid int, kind planKind) error {
	t, err := p.stoppedThread(tid)
	if err != nil {
		return err
	}
	pc, err := p.pc(t)
	if err != nil {
		return err
	}
	loc, err := p.syms.resolve(pc)
	if err != nil || !loc.HasLine() {
		return p.StepInstruction(tid, kind == planSourceOver)
	}
	pl := p.newPlan(t, kind)
	pl.file, pl.line = loc.File, loc.Line
	return p.startUnit(t, pl)
}

func (p *Process) StepOut(tid int) error {
	t, err := p.stoppedThread(tid)
	if err != nil {
		return err
	}
	regs, err := p.frameRegs(t.ID)
	if err != nil {
		return err
	}
	var sym *proc.Symbol
	if loc, err := p.syms.resolve(regs.pc); err == nil {
		sym = loc.Symbol
	}
	pl := p.newPlan(t, planOut)
	ret, sp, ok := returnAddress(p.arch, p, sym, regs)
	if !ok {
		p.log.Debugf("no return address for thread %d at %#x, continuing", t.ID, regs.pc)
		p.cancelPlan(pl)
		return p.resumeAll()
	}
	return p.runToFrame(pl, ret, sp)
}

func (p *Process) Stop() error {
	switch {
	case p.exited():
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	case p.state == proc.StateStopped, p.state == proc.StateDetached:
		return nil
	}
	p.manualStop = true
	return sys.Kill(p.pid, sys.SIGSTOP)
}

// Kill kills the process and waits for it to exit. A launched process is
// killed with its process group.
func (p *Process) Kill() error {
	switch {
	case p.exited():
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	case p.state == proc.StateDetached:
		return fmt.Errorf("detached from process %d", p.pid)
	}
	p.killed = true
	target := p.pid
	if p.childProcess {
		target = -p.pid
	}
	if err := sys.Kill(target, sys.SIGKILL); err != nil && !errors.Is(err, sys.ESRCH) {
		return err
	}

	pending := p.deferred
	p.deferred = nil
	deadline := time.NewTimer(killTimeout)
	defer deadline.Stop()
	for {
		var res waitResult
		if len(pending) > 0 {
			res, pending = pending[0], pending[1:]
		} else {
			var ok bool
			select {
			case res, ok = <-p.waits:
				if !ok {
					p.state = proc.StateExited
					return nil
				}
			case <-deadline.C:
				return fmt.Errorf("process %d did not exit after SIGKILL", p.pid)
			}
		}
		if res.err == nil && res.pid == p.pid && (res.status.Exited() || res.status.Signaled()) {
			p.processExited(res.status)
			return nil
		}
	}
}

// Detach removes every breakpoint and lets the process run untraced.
func (p *Process) Detach() error {
	switch {
	case p.exited():
		return proc.ErrProcessExited{Pid: p.pid, Status: p.exitCode}
	case p.state == proc.StateDetached:
		return nil
	}
	p.stopOthers(0)
	for _, pl := range p.plans {
		p.cancelPlan(pl)
	}
	for _, t := range p.threads {
		if t.pending == nil || !isTrap(*t.pending) || p.arch.PCAdjustAfterBreakpoint == 0 {
			continue
		}
		// a breakpoint hit that was never reported, rewind the pc
		if pc, err := p.pc(t); err == nil {
			if _, ok := p.bps.at(pc - p.arch.PCAdjustAfterBreakpoint); ok {
				p.setPC(t.ID, pc-p.arch.PCAdjustAfterBreakpoint)
			}
		}
	}
	if err := p.bps.removeAll(); err != nil {
		p.log.Warnf("could not remove every breakpoint: %v", err)
	}
	var firstErr error
	for _, tid := range p.Threads() {
		t := p.threads[tid]
		var err error
		p.execPtraceFunc(func() { err = ptraceDetach(t.ID, t.delayedSignal) })
		if err != nil && !errors.Is(err, sys.ESRCH) && firstErr == nil {
			firstErr = fmt.Errorf("could not detach from thread %d: %w", t.ID, err)
		}
	}
	p.state = proc.StateDetached
	return firstErr
}
