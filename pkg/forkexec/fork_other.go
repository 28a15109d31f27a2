//go:build !linux

package forkexec

import "os"

// Start is not supported: the raw clone path and the group/tracer
// contract are linux specific.
func (r *Runner) Start() (int, *os.File, error) {
	return 0, nil, ErrNotSupported
}

// WaitExec is not supported on this platform.
func (r *Runner) WaitExec(pid int, check *os.File) error {
	return ErrNotSupported
}
