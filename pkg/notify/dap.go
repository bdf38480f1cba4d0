package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"

	"github.com/go-delve/ntrace/pkg/logflags"
)

// DAPSink forwards events to a Debug Adapter Protocol client as output
// events, so that the trace shows up in the client's debug console.
type DAPSink struct {
	mu  sync.Mutex
	w   io.Writer
	seq int
	log logflags.Logger
}

// NewDAPSink returns a sink writing DAP messages to w.
func NewDAPSink(w io.Writer) *DAPSink {
	return &DAPSink{w: w, log: logflags.NotifyLogger()}
}

func newEvent(seq int, event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  seq,
			Type: "event",
		},
		Event: event,
	}
}

func (s *DAPSink) send(category, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := &dap.OutputEvent{
		Event: *newEvent(s.seq, "output"),
		Body: dap.OutputEventBody{
			Output:   output + "\n",
			Category: category,
		},
	}
	if err := dap.WriteProtocolMessage(s.w, msg); err != nil {
		s.log.Errorf("could not write DAP output event: %v", err)
	}
}

func (s *DAPSink) Call(ev CallEvent) {
	s.send("console", fmt.Sprintf("[%d] CALL %s", ev.ThreadID, formatCall(ev)))
}

func (s *DAPSink) Return(ev ReturnEvent) {
	out := fmt.Sprintf("[%d] RET %s => %#x", ev.ThreadID, ev.Function, ev.Value)
	if ev.Detail != "" {
		out += " " + ev.Detail
	}
	s.send("console", out)
}

func (s *DAPSink) SymbolEnter(ev EnterEvent) {
	s.send("console", fmt.Sprintf("[%d] ENTER %s`%s", ev.ThreadID, ev.Module, ev.Symbol))
}

func (s *DAPSink) SymbolLeave(ev LeaveEvent) {
	s.send("console", fmt.Sprintf("[%d] LEAVE %s`%s %s", ev.ThreadID, ev.Module, ev.Symbol, ev.Duration))
}
