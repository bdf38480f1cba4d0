package tracer

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/proc"
)

const (
	// stdinPollTimeout is how long the stdin forwarder waits for input
	// before checking whether the session is over, in milliseconds.
	stdinPollTimeout = 100
	// stdinJoinTimeout bounds the wait for the stdin forwarder on exit.
	stdinJoinTimeout = time.Second

	defaultWatchdogInterval = time.Second
)

// startWatchdog periodically asks the event loop to resume a target that
// is stuck stopped before the entry point. It gives up once the entry
// point is reached.
func (s *Session) startWatchdog(ctx context.Context, wg *sync.WaitGroup) <-chan struct{} {
	kicks := make(chan struct{}, 1)
	interval := s.conf.EventTimeout
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if s.latched.Load() {
				s.log.Debug("watchdog stopped, entry point reached")
				return
			}
			select {
			case kicks <- struct{}{}:
			default:
			}
		}
	}()
	return kicks
}

// startStdinForwarder copies everything read from in to the target's
// standard input until in is closed or ctx is cancelled. The returned
// channel is closed when the forwarder stops.
func startStdinForwarder(ctx context.Context, in *os.File, w proc.StdinWriter, log logflags.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fds := []unix.PollFd{{Fd: int32(in.Fd()), Events: unix.POLLIN}}
		buf := make([]byte, 4096)
		for ctx.Err() == nil {
			fds[0].Revents = 0
			n, err := unix.Poll(fds, stdinPollTimeout)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				log.Errorf("stdin: %v", err)
				return
			}
			if n == 0 {
				continue
			}
			if fds[0].Revents&unix.POLLIN == 0 {
				// POLLHUP, POLLERR or POLLNVAL without data.
				log.Debug("stdin closed")
				return
			}
			n, err = in.Read(buf)
			if n > 0 {
				if _, werr := w.WriteStdin(buf[:n]); werr != nil {
					log.Errorf("could not forward stdin: %v", werr)
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					log.Errorf("stdin: %v", err)
				}
				return
			}
		}
	}()
	return done
}
