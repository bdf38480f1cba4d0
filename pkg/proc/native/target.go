package native

import (
	"io"

	"github.com/go-delve/ntrace/pkg/proc"
)

// Target is a live process controlled by the native backend. Close
// releases the resources of the backend, it does not affect the process.
type Target interface {
	proc.Target
	io.Closer
}

// LaunchConfig describes how a target is started.
type LaunchConfig struct {
	// Argv is the program followed by its arguments.
	Argv []string
	// Env is appended to the environment of the tracer.
	Env        []string
	WorkingDir string
	// UsePty runs the target on a pseudo terminal instead of pipes.
	UsePty bool
}
