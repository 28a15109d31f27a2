package forkexec

import (
	"errors"

	"github.com/trjw/libmarks/pkg/rlimit"
)

// Runner is the configuration for launching one subject process.
// It creates the tracee for the ptrace-based supervisor.
type Runner struct {
	// argv and env for the execve syscall. Args[0] is resolved against
	// PATH in the parent before forking since the forked child cannot
	// allocate.
	Args []string
	Env  []string

	// file descriptors for the new process, dup2ed onto 0 .. len-1
	Files []uintptr

	// POSIX resource limits applied by prlimit64 in the child
	RLimits []rlimit.RLimit

	// work path set by chdir(dir) before exec, empty means inherit
	WorkDir string

	// Stop makes the child raise SIGSTOP on itself right before execve
	// so a ptrace supervisor can attach to it
	Stop bool
}

// ErrExecFailed reports that the child wrote the failure marker to the
// check pipe, i.e. it could not exec the target program.
var ErrExecFailed = errors.New("forkexec: execve failed in child")

// ErrNotSupported reports that the fork engine is unavailable on this
// platform.
var ErrNotSupported = errors.New("forkexec: not supported on this platform")
