// Package notify delivers tracing events to observers: the trace log, user
// Starlark scripts and DAP clients.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-delve/ntrace/pkg/logflags"
)

// CallEvent is emitted when an intercepted function is entered.
type CallEvent struct {
	ThreadID int
	Function string
	Args     []string
}

// ReturnEvent is emitted when an intercepted function returns.
type ReturnEvent struct {
	ThreadID int
	Function string
	Value    uint64
	// Detail is the decoded struct the return value points to, if any.
	Detail string
}

// EnterEvent is emitted when a traced symbol is entered.
type EnterEvent struct {
	ThreadID int
	Module   string
	Symbol   string
	Addr     uint64
	Time     time.Time
}

// LeaveEvent is emitted when a traced symbol returns.
type LeaveEvent struct {
	ThreadID int
	Module   string
	Symbol   string
	Duration time.Duration
}

// Sink receives tracing events. Methods are called from the dispatcher
// goroutine, one at a time.
type Sink interface {
	Call(CallEvent)
	Return(ReturnEvent)
	SymbolEnter(EnterEvent)
	SymbolLeave(LeaveEvent)
}

// Multi fans every event out to all of its sinks, in order.
type Multi []Sink

func (m Multi) Call(ev CallEvent) {
	for _, s := range m {
		s.Call(ev)
	}
}

func (m Multi) Return(ev ReturnEvent) {
	for _, s := range m {
		s.Return(ev)
	}
}

func (m Multi) SymbolEnter(ev EnterEvent) {
	for _, s := range m {
		s.SymbolEnter(ev)
	}
}

func (m Multi) SymbolLeave(ev LeaveEvent) {
	for _, s := range m {
		s.SymbolLeave(ev)
	}
}

// LogSink writes symbol events to the trace log. Calls and returns of
// intercepted functions are already part of the trace and are ignored.
type LogSink struct {
	out logflags.Logger
}

// NewLogSink returns a sink writing to the trace log.
func NewLogSink() *LogSink {
	return &LogSink{out: logflags.TraceLogger()}
}

func (s *LogSink) Call(CallEvent) {}

func (s *LogSink) Return(ReturnEvent) {}

func (s *LogSink) SymbolEnter(ev EnterEvent) {
	s.out.Infof("ENTER %s`%s [thread %d]", ev.Module, ev.Symbol, ev.ThreadID)
}

func (s *LogSink) SymbolLeave(ev LeaveEvent) {
	s.out.Infof("LEAVE %s`%s [thread %d] %s", ev.Module, ev.Symbol, ev.ThreadID, ev.Duration)
}

func formatCall(ev CallEvent) string {
	return fmt.Sprintf("%s(%s)", ev.Function, strings.Join(ev.Args, ", "))
}
