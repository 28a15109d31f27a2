package forkexec

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Start forks and execs the subject program. It returns the child pid
// and the read end of the exec-check pipe. The caller must pass the
// pipe to WaitExec to learn whether exec succeeded; until then the
// child may still be running parent-side setup.
func (r *Runner) Start() (int, *os.File, error) {
	if len(r.Args) == 0 {
		return 0, nil, syscall.EINVAL
	}

	// execvp semantics: resolve Args[0] against PATH here. If the
	// lookup fails the raw name still goes through execve so the
	// failure is reported through the check pipe.
	pathname := r.Args[0]
	if p, err := exec.LookPath(r.Args[0]); err == nil {
		pathname = p
	}

	argv0, argv, env, err := prepareExec(pathname, r.Args, r.Env)
	if err != nil {
		return 0, nil, err
	}

	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, nil, err
	}

	// check pipe: both ends close-on-exec, the write end stays that
	// way in the child so a successful exec closes it silently
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return 0, nil, err
	}

	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	// child-side write end is not for the parent
	unix.Close(p[1])

	if err1 != 0 {
		unix.Close(p[0])
		return 0, nil, syscall.Errno(err1)
	}
	return int(pid), os.NewFile(uintptr(p[0]), "|check"), nil
}

// WaitExec blocks until the child either execs (the check-pipe write
// end closes, read returns 0 bytes) or reports failure with the
// marker payload. On failure the child is reaped so no zombie remains,
// and ErrExecFailed is returned. The check pipe is closed either way.
func (r *Runner) WaitExec(pid int, check *os.File) error {
	defer check.Close()

	buf := make([]byte, checkBufSize)
	n, err := check.Read(buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			return err
		}
		// write end closed on exec
		return nil
	}

	// child reported failure; reap it unless a tracer already did
	var ws unix.WaitStatus
	_, werr := unix.Wait4(pid, &ws, 0, nil)
	for werr == unix.EINTR {
		_, werr = unix.Wait4(pid, &ws, 0, nil)
	}
	return ErrExecFailed
}
