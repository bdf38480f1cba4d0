package tracer

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/proc"
	"github.com/go-delve/ntrace/pkg/skip"
	"github.com/go-delve/ntrace/pkg/step"
)

const (
	// backtraceDepth is the number of frames printed on a crash.
	backtraceDepth = 5
	// breakpointException is the description of the stop caused by a
	// breakpoint instruction compiled into the target.
	breakpointException = "EXC_BREAKPOINT"
)

func (s *Session) handleEvent(ev proc.Event) {
	switch ev.Kind {
	case proc.EventStdout:
		s.opts.Stdout.Write(ev.Data)
		return
	case proc.EventStderr:
		s.opts.Stderr.Write(ev.Data)
		return
	}

	switch ev.State {
	case proc.StateRunning, proc.StateStepping:
		// nothing to do until the next stop
	case proc.StateStopped:
		s.onStop()
	case proc.StateExited:
		s.out.Infof("Process %d has exited with status %d", s.t.Pid(), s.t.ExitStatus())
		s.done = true
	case proc.StateCrashed:
		s.out.Infof("Process %d crashed", s.t.Pid())
		s.done = true
	case proc.StateDetached:
		s.out.Infof("Detached from process %d", s.t.Pid())
		s.done = true
	default:
		s.log.Debugf("process %d is %s", s.t.Pid(), ev.State)
	}
}

func (s *Session) onStop() {
	tid, ok := s.t.SelectedThread()
	if !ok {
		s.log.Warn("stop without a selected thread, continuing")
		s.execute(0, step.Continue)
		return
	}

	if mainTid, latched := s.MainThread(); latched && tid != mainTid {
		s.onOtherThread(tid)
		return
	}

	reason, ok := s.pollStopReason(tid)
	if !ok {
		s.log.Warnf("thread %d: stop reason not available after %d attempts, continuing", tid, s.conf.StopReasonRetries)
		s.execute(tid, step.Continue)
		return
	}

	switch reason {
	case proc.StopBreakpoint:
		s.onBreakpoint(tid)
	case proc.StopPlanComplete:
		s.runHooks(tid, breakpointIDs(s.t.StopReasonData(tid)))
		if _, latched := s.MainThread(); latched {
			s.step(tid)
		} else {
			s.execute(tid, step.Continue)
		}
	case proc.StopTrace:
		s.execute(tid, step.Continue)
	case proc.StopSignal:
		s.onSignal(tid)
	case proc.StopException:
		s.onException(tid)
	case proc.StopWatchpoint, proc.StopExec, proc.StopFork, proc.StopVFork, proc.StopVForkDone, proc.StopThreadExiting, proc.StopInstrumentation:
		s.log.Infof("thread %d stopped: %s %s", tid, reason, s.t.StopDescription(tid))
		s.execute(tid, step.StepIn)
	default:
		s.log.Warnf("thread %d stopped for unknown reason %s, stepping", tid, reason)
		s.execute(tid, step.StepIn)
	}
}

// onOtherThread resumes a thread that is not traced in detail. Hooks hit
// by the thread still run.
func (s *Session) onOtherThread(tid int) {
	if s.t.StopReason(tid) == proc.StopBreakpoint {
		if s.runHooks(tid, breakpointIDs(s.t.StopReasonData(tid))) {
			s.execute(tid, step.Continue)
			return
		}
	}
	s.execute(tid, step.SourceStepOut)
}

func (s *Session) pollStopReason(tid int) (proc.StopReason, bool) {
	for i := 0; i <= s.conf.StopReasonRetries; i++ {
		if reason := s.t.StopReason(tid); reason != proc.StopNone {
			return reason, true
		}
		time.Sleep(s.conf.PollInterval)
	}
	return proc.StopNone, false
}

func (s *Session) pollBreakpointIDs(tid int) ([]int, bool) {
	for i := 0; i <= s.conf.BreakpointIDRetries; i++ {
		if ids := breakpointIDs(s.t.StopReasonData(tid)); len(ids) > 0 {
			return ids, true
		}
		time.Sleep(s.conf.PollInterval)
	}
	return nil, false
}

// breakpointIDs extracts the breakpoint ids from the data of a breakpoint
// stop, which is a list of (breakpoint id, location id) pairs.
func breakpointIDs(data []uint64) []int {
	ids := make([]int, 0, (len(data)+1)/2)
	for i := 0; i < len(data); i += 2 {
		ids = append(ids, int(data[i]))
	}
	return ids
}

func (s *Session) onBreakpoint(tid int) {
	ids, ok := s.pollBreakpointIDs(tid)
	if !ok {
		s.log.Warnf("thread %d: breakpoint id not available after %d attempts, continuing", tid, s.conf.BreakpointIDRetries)
		s.execute(tid, step.Continue)
		return
	}
	_, latched := s.MainThread()
	if ids[0] == s.entryID && !latched {
		s.latch(tid)
		return
	}
	if latched && s.engine.IsReturnAddress(s.pc(tid)) {
		s.runHooks(tid, ids)
		s.step(tid)
		return
	}
	if s.runHooks(tid, ids) {
		s.execute(tid, step.Continue)
		return
	}
	s.log.Infof("thread %d hit breakpoint %d at %#x", tid, ids[0], s.pc(tid))
	s.execute(tid, step.StepIn)
}

// runHooks runs the handlers of the breakpoints in ids and returns true if
// any of them belongs to a hook.
func (s *Session) runHooks(tid int, ids []int) bool {
	handled := false
	for _, id := range ids {
		switch {
		case s.ic.IsEntry(id):
			s.ic.OnEntry(tid, id)
		case s.ic.IsReturn(id):
			s.ic.OnReturn(tid, id)
		case s.st.IsEntry(id):
			s.st.OnEnter(tid, id)
		case s.st.IsReturn(id):
			s.st.OnReturn(tid, id)
		case s.ic.IsThreadCreate(id):
			s.ic.OnThreadCreate(tid)
		case s.ic.IsThreadJoin(id):
			s.ic.OnThreadJoin(tid)
		case s.ic.IsThreadEntry(id):
			s.ic.OnThreadEntry(tid, id)
		default:
			continue
		}
		handled = true
	}
	return handled
}

// latch records tid as the main thread when it reaches the entry point.
func (s *Session) latch(tid int) {
	s.mainTid = tid
	s.latched.Store(true)
	s.out.Infof("Entry point %s reached on thread %d", s.conf.StartBreakpoint, tid)

	if s.dumpSkipData() {
		s.terminate()
		return
	}
	if err := s.buildStepper(); err != nil {
		s.fail(err)
		return
	}
	frames, err := s.t.Frames(tid, -1)
	if err != nil {
		s.log.Warnf("could not read the stack of thread %d: %v", tid, err)
	}
	s.engine.SetBaseFrameCount(len(frames))
	s.installHooks()
	s.step(tid)
}

// dumpSkipData writes the configured skip authoring files and returns true
// if any was requested.
func (s *Session) dumpSkipData() bool {
	dumped := false
	if path := s.conf.DumpSourceFilesForSkip; path != "" {
		if err := skip.DumpSourceFiles(s.t, path); err != nil {
			s.log.Errorf("could not dump source files: %v", err)
		} else {
			s.out.Infof("source files written to %s", path)
		}
		dumped = true
	}
	if path := s.conf.DumpModulesForSkip; path != "" {
		if err := skip.DumpModules(s.t, path); err != nil {
			s.log.Errorf("could not dump modules: %v", err)
		} else {
			s.out.Infof("modules written to %s", path)
		}
		dumped = true
	}
	return dumped
}

// step asks the engine how the main thread continues.
func (s *Session) step(tid int) {
	s.execute(tid, s.engine.OnStep(tid))
}

func (s *Session) onSignal(tid int) {
	data := s.t.StopReasonData(tid)
	if len(data) == 0 {
		s.log.Warnf("thread %d stopped by an unknown signal", tid)
		s.execute(tid, step.Continue)
		return
	}
	sig := syscall.Signal(data[0])
	name := unix.SignalName(sig)
	if name == "" {
		name = fmt.Sprintf("signal %d", data[0])
	}
	s.out.Infof("Thread %d received %s (%v)", tid, name, sig)
	if sig == unix.SIGSEGV {
		s.backtrace(tid)
	}
	if _, latched := s.MainThread(); latched {
		s.execute(tid, step.StepIn)
		return
	}
	s.execute(tid, step.Continue)
}

func (s *Session) onException(tid int) {
	desc := s.t.StopDescription(tid)
	if strings.Contains(desc, breakpointException) {
		if s.conf.ShowConsole && s.opts.Console != nil {
			if err := s.opts.Console.Run(tid); err != nil {
				s.log.Errorf("console: %v", err)
			}
		} else {
			s.out.Infof("Thread %d executed a breakpoint instruction at %#x", tid, s.pc(tid))
		}
		s.execute(tid, step.StepIn)
		return
	}
	s.out.Infof("Thread %d stopped by exception: %s", tid, desc)
	s.backtrace(tid)
	if err := s.t.Stop(); err != nil {
		s.log.Errorf("could not stop process: %v", err)
	}
	s.terminate()
}

func (s *Session) backtrace(tid int) {
	frames, err := s.t.Frames(tid, backtraceDepth)
	if err != nil {
		s.log.Warnf("could not read the stack of thread %d: %v", tid, err)
		return
	}
	for i, f := range frames {
		if f.File != "" {
			s.out.Infof("  #%d %#x in %s at %s:%d", i, f.PC, f.Function, f.File, f.Line)
		} else {
			s.out.Infof("  #%d %#x in %s", i, f.PC, f.Function)
		}
	}
}

func (s *Session) pc(tid int) uint64 {
	pc, err := s.t.ReadRegister(tid, s.t.Arch().PCRegister)
	if err != nil {
		s.log.Warnf("could not read pc of thread %d: %v", tid, err)
	}
	return pc
}

// execute issues the backend command implementing a.
func (s *Session) execute(tid int, a step.Action) {
	var err error
	switch a {
	case step.StepIn:
		err = s.t.StepInstruction(tid, false)
	case step.StepOver:
		err = s.t.StepInstruction(tid, true)
	case step.SourceStepIn:
		err = s.t.StepInto(tid)
	case step.SourceStepOver:
		err = s.t.StepOver(tid)
	case step.SourceStepOut:
		err = s.t.StepOut(tid)
	default:
		err = s.t.Continue()
	}
	if err == nil {
		return
	}
	var exited proc.ErrProcessExited
	if errors.As(err, &exited) {
		s.out.Infof("Process %d has exited with status %d", exited.Pid, exited.Status)
		s.done = true
		return
	}
	s.log.Errorf("%s on thread %d: %v", a, tid, err)
}

// snapshot logs the state of the target when no event arrived in time.
func (s *Session) snapshot() {
	msg := fmt.Sprintf("no event from process %d (%s, %d threads)", s.t.Pid(), s.t.State(), len(s.t.Threads()))
	if tid, ok := s.t.SelectedThread(); ok {
		if frames, err := s.t.Frames(tid, 1); err == nil && len(frames) > 0 {
			msg += fmt.Sprintf(", thread %d in %s at %#x", tid, frames[0].Function, frames[0].PC)
		}
	}
	s.log.Debug(msg)
}

// kick resumes a target left stopped before the entry point was reached.
func (s *Session) kick() {
	if _, latched := s.MainThread(); latched {
		return
	}
	if s.t.State() == proc.StateStopped {
		s.log.Debug("resuming target stopped before the entry point")
		s.execute(0, step.Continue)
	}
}
