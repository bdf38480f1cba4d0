// Package tracer drives a tracing session: it owns the target, reacts to
// every stop reported by the backend and decides how the target resumes.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-delve/ntrace/pkg/abi"
	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/intercept"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/notify"
	"github.com/go-delve/ntrace/pkg/proc"
	"github.com/go-delve/ntrace/pkg/skip"
	"github.com/go-delve/ntrace/pkg/step"
	"github.com/go-delve/ntrace/pkg/symtrace"
)

// Console is an interactive prompt shown when the target executes a
// breakpoint instruction of its own.
type Console interface {
	Run(tid int) error
}

// Options are the session parameters that do not come from the
// configuration file.
type Options struct {
	// Stdin is forwarded to the target when forward-stdin is set.
	Stdin *os.File
	// Stdout and Stderr receive the target's output when the backend
	// captures it.
	Stdout io.Writer
	Stderr io.Writer
	// Console, if set, is used on hard-coded breakpoints when
	// show-console is set.
	Console Console
	// Attached is true if the target was attached to rather than
	// launched, it is detached instead of killed on early termination.
	Attached bool
}

// Session traces one target from its entry point until it exits.
type Session struct {
	conf    *config.Config
	t       proc.Target
	opts    Options
	profile *abi.Profile

	sinks   notify.Multi
	closers []io.Closer

	skip   *skip.Resolver
	engine *step.Engine
	ic     *intercept.Interceptor
	st     *symtrace.Tracer

	entryID int
	latched atomic.Bool
	mainTid int

	ready bool
	done  bool
	err   error

	log logflags.Logger
	out logflags.Logger
}

// New creates a session for t. The target must be stopped.
func New(conf *config.Config, t proc.Target, opts Options) (*Session, error) {
	profile, err := abi.ProfileFor(t.Arch())
	if err != nil {
		return nil, err
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	s := &Session{
		conf:    conf,
		t:       t,
		opts:    opts,
		profile: profile,
		log:     logflags.DispatchLogger(),
		out:     logflags.TraceLogger(),
	}

	s.sinks = notify.Multi{notify.NewLogSink()}
	if conf.StarlarkScript != "" {
		sink, err := notify.NewStarlarkSink(conf.StarlarkScript, nil)
		if err != nil {
			return nil, err
		}
		s.sinks = append(s.sinks, sink)
	}
	if conf.DAPOutput != "" {
		f, err := os.Create(conf.DAPOutput)
		if err != nil {
			return nil, fmt.Errorf("could not create DAP output: %w", err)
		}
		s.closers = append(s.closers, f)
		s.sinks = append(s.sinks, notify.NewDAPSink(f))
	}

	var cache *symtrace.Cache
	if conf.SymbolTraceCache != "" {
		cache, err = symtrace.LoadCache(conf.SymbolTraceCache)
		if err != nil {
			s.log.Warnf("ignoring symbol cache: %v", err)
			cache = nil
		}
	}
	s.ic = intercept.New(t, profile, s.sinks)
	s.st = symtrace.New(t, s.sinks, cache)
	return s, nil
}

// Setup installs the entry breakpoint. It is called by Run if it was not
// called before.
func (s *Session) Setup() error {
	if s.ready {
		return nil
	}
	bp, err := s.t.CreateBreakpointByName(s.conf.StartBreakpoint, "")
	if err != nil {
		return fmt.Errorf("could not set start breakpoint on %s: %w", s.conf.StartBreakpoint, err)
	}
	if err := s.t.SetOneShot(bp.ID, true); err != nil {
		return err
	}
	s.entryID = bp.ID
	s.ready = true
	s.log.Debugf("start breakpoint %d at %#x", bp.ID, bp.Addr)
	return nil
}

// installHooks places the interception and symbol breakpoints. It runs
// once the entry point is reached so that shared libraries are mapped.
func (s *Session) installHooks() {
	if len(s.conf.LibcFunctions) > 0 {
		n := s.ic.Install(s.conf.LibcFunctions)
		s.log.Debugf("intercepting %d of %d functions", n, len(s.conf.LibcFunctions))
	}
	s.ic.InstallThreadHooks()
	for _, rule := range s.conf.SymbolTrace {
		n, err := s.st.RegisterSymbols(rule.Module, rule.Regex)
		if err != nil {
			s.log.Errorf("symbol trace %s:%s: %v", rule.Module, rule.Regex, err)
			continue
		}
		s.log.Debugf("tracing %d symbols of %s", n, rule.Module)
	}
}

// buildStepper creates the skip resolver and the stepping engine from the
// modules mapped at the entry point.
func (s *Session) buildStepper() error {
	s.skip = skip.New(s.t, s.conf.SkipModules, s.conf.SkipSourceFiles)
	conf, err := step.ConfigFrom(s.conf, s.profile.ReturnRegister)
	if err != nil {
		return err
	}
	s.engine, err = step.New(s.t, s.skip, conf)
	return err
}

// MainThread returns the thread traced in detail, once the entry point
// has been reached.
func (s *Session) MainThread() (int, bool) {
	return s.mainTid, s.latched.Load()
}

// Run drives the target until it exits, the session is terminated or ctx
// is cancelled. The returned error is only set for failures of the tracer
// itself, the exit status of the target is available from the backend.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Setup(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	kicks := s.startWatchdog(ctx, &wg)
	var stdinDone <-chan struct{}
	if s.conf.ForwardStdin && s.opts.Stdin != nil {
		if w, ok := s.t.(proc.StdinWriter); ok {
			stdinDone = startStdinForwarder(ctx, s.opts.Stdin, w, s.log)
		} else {
			s.log.Warn("the backend does not accept input, stdin is not forwarded")
		}
	}

	if s.t.State() == proc.StateStopped {
		s.execute(0, step.Continue)
	}

	for !s.done {
		ev, ok, err := s.t.WaitForEvent(ctx, s.conf.EventTimeout)
		if err != nil {
			if ctx.Err() != nil {
				s.out.Infof("interrupted")
				s.terminate()
				break
			}
			s.fail(fmt.Errorf("waiting for events: %w", err))
			break
		}
		if !ok {
			s.snapshot()
			select {
			case <-kicks:
				s.kick()
			default:
			}
			continue
		}
		s.handleEvent(ev)
	}

	cancel()
	wg.Wait()
	if stdinDone != nil {
		select {
		case <-stdinDone:
		case <-time.After(stdinJoinTimeout):
			s.log.Warn("stdin forwarder did not stop")
		}
	}
	s.teardown()
	return s.err
}

func (s *Session) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.terminate()
}

// terminate ends the session, a target that is still alive is killed, or
// detached from if it was attached to.
func (s *Session) terminate() {
	s.done = true
	if s.t.State().Terminal() {
		return
	}
	var err error
	if s.opts.Attached {
		err = s.t.Detach()
	} else {
		err = s.t.Kill()
	}
	var exited proc.ErrProcessExited
	if err != nil && !errors.As(err, &exited) {
		s.log.Errorf("could not terminate process %d: %v", s.t.Pid(), err)
	}
}

// teardown releases every breakpoint and cache owned by the session.
func (s *Session) teardown() {
	s.ic.Close()
	if s.engine != nil {
		s.engine.Close()
	}
	if err := s.st.Shutdown(); err != nil {
		s.log.Errorf("could not save symbol cache: %v", err)
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warnf("close: %v", err)
		}
	}
	s.closers = nil
}
