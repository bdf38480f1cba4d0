//go:build !linux || !(amd64 || arm64)

package native

import (
	"fmt"
	"runtime"

	"github.com/go-delve/ntrace/pkg/proc"
)

func errUnsupported() error {
	return fmt.Errorf("native backend on %s/%s: %w", runtime.GOOS, runtime.GOARCH, proc.ErrNotSupported)
}

// Launch returns an error on platforms without a native backend.
func Launch(cfg LaunchConfig) (Target, error) {
	return nil, errUnsupported()
}

// Attach returns an error on platforms without a native backend.
func Attach(pid int) (Target, error) {
	return nil, errUnsupported()
}
