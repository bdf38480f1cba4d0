package notify

import (
	"fmt"
	"runtime"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/ntrace/pkg/logflags"
)

const (
	onCallHook   = "on_call"
	onReturnHook = "on_return"
	onEnterHook  = "on_enter"
	onLeaveHook  = "on_leave"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// StarlarkSink calls the hooks defined by a user script. A script can
// define any of on_call, on_return, on_enter and on_leave, each takes a
// single dict argument describing the event:
//
//	def on_leave(ev):
//	    if ev["duration_ns"] > 1000000:
//	        print("slow", ev["symbol"])
type StarlarkSink struct {
	thread *starlark.Thread
	hooks  map[string]*starlark.Function
	log    logflags.Logger
}

// NewStarlarkSink executes the script at path, source can be nil to read
// it from disk (see starlark.ExecFile).
func NewStarlarkSink(path string, source interface{}) (*StarlarkSink, error) {
	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	out := logflags.TraceLogger()
	s := &StarlarkSink{
		thread: &starlark.Thread{
			Name:  "ntrace",
			Print: func(_ *starlark.Thread, msg string) { out.Info(msg) },
		},
		hooks: make(map[string]*starlark.Function),
		log:   logflags.NotifyLogger(),
	}
	globals, err := starlark.ExecFile(s.thread, path, source, nil)
	if err != nil {
		return nil, fmt.Errorf("could not load starlark script %s: %w", path, err)
	}
	for _, name := range []string{onCallHook, onReturnHook, onEnterHook, onLeaveHook} {
		v, ok := globals[name]
		if !ok {
			continue
		}
		fn, ok := v.(*starlark.Function)
		if !ok {
			return nil, fmt.Errorf("%s: %s is a %s, not a function", path, name, v.Type())
		}
		if fn.NumParams() != 1 {
			return nil, fmt.Errorf("%s: %s must take exactly one argument", path, name)
		}
		s.hooks[name] = fn
	}
	if len(s.hooks) == 0 {
		s.log.Warnf("%s does not define any hook", path)
	}
	return s, nil
}

// HasHook returns true if the script defines the named hook.
func (s *StarlarkSink) HasHook(name string) bool {
	_, ok := s.hooks[name]
	return ok
}

func (s *StarlarkSink) call(name string, fields map[string]starlark.Value) {
	fn, ok := s.hooks[name]
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			s.log.Errorf("panic in starlark hook %s: %v\n%s", name, r, buf)
		}
	}()
	d := starlark.NewDict(len(fields))
	for k, v := range fields {
		if err := d.SetKey(starlark.String(k), v); err != nil {
			s.log.Errorf("%s: %v", name, err)
			return
		}
	}
	if _, err := starlark.Call(s.thread, fn, starlark.Tuple{d}, nil); err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			s.log.Errorf("%s", evalErr.Backtrace())
			return
		}
		s.log.Errorf("%s: %v", name, err)
	}
}

func (s *StarlarkSink) Call(ev CallEvent) {
	args := make([]starlark.Value, len(ev.Args))
	for i := range ev.Args {
		args[i] = starlark.String(ev.Args[i])
	}
	s.call(onCallHook, map[string]starlark.Value{
		"thread":   starlark.MakeInt(ev.ThreadID),
		"function": starlark.String(ev.Function),
		"args":     starlark.NewList(args),
	})
}

func (s *StarlarkSink) Return(ev ReturnEvent) {
	s.call(onReturnHook, map[string]starlark.Value{
		"thread":   starlark.MakeInt(ev.ThreadID),
		"function": starlark.String(ev.Function),
		"value":    starlark.MakeUint64(ev.Value),
		"detail":   starlark.String(ev.Detail),
	})
}

func (s *StarlarkSink) SymbolEnter(ev EnterEvent) {
	s.call(onEnterHook, map[string]starlark.Value{
		"thread": starlark.MakeInt(ev.ThreadID),
		"module": starlark.String(ev.Module),
		"symbol": starlark.String(ev.Symbol),
		"addr":   starlark.MakeUint64(ev.Addr),
		"time":   startime.Time(ev.Time),
	})
}

func (s *StarlarkSink) SymbolLeave(ev LeaveEvent) {
	s.call(onLeaveHook, map[string]starlark.Value{
		"thread":      starlark.MakeInt(ev.ThreadID),
		"module":      starlark.String(ev.Module),
		"symbol":      starlark.String(ev.Symbol),
		"duration":    startime.Duration(ev.Duration),
		"duration_ns": starlark.MakeInt64(ev.Duration.Nanoseconds()),
	})
}
