package process

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const tracerAvailable = true

// ptraceOpts arms the kernel to report every descendant creation and
// to tag syscall stops in the stop signal.
const ptraceOpts = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACESYSGOOD

// startTracer arms the ptrace supervisor goroutine. The child is
// parked in its pre-exec SIGSTOP when this runs.
func (p *Process) startTracer() {
	p.wg.Add(1)
	go p.traceChild()
}

// traceChild is the tracer body. It is the sole reaper of the main
// child while it runs and holds the finish mutex for its whole run,
// releasing it only on exit; blocking callers synchronize on the done
// channel instead.
func (p *Process) traceChild() {
	defer p.wg.Done()

	// ptrace is thread based (kernel proc)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	child := p.pid
	p.finishMu.Lock()
	defer p.finishMu.Unlock()

	var ws unix.WaitStatus

	// The child raised SIGSTOP on itself before exec; attach, collect
	// the stop, set the options and continue into the first syscall.
	// Failures here happen before execve: the child dies with its
	// check-pipe write end unused, which would read as a clean exec to
	// the constructor, so the error must be reported explicitly. The
	// report happens before the kill, which is what lets the
	// constructor's check-pipe read return at all.
	if err := unix.PtraceAttach(child); err != nil {
		p.log.Error("ptrace attach", "pid", child, "err", err)
		p.failAttach(child, err)
		return
	}
	if _, err := wait4Retry(child, &ws, unix.WALL); err != nil {
		p.log.Error("wait for attach stop", "pid", child, "err", err)
		p.failAttach(child, err)
		return
	}
	if err := unix.PtraceSetOptions(child, ptraceOpts); err != nil {
		p.log.Error("ptrace set options", "pid", child, "err", err)
		p.failAttach(child, err)
		return
	}
	unix.PtraceSyscall(child, 0)
	p.log.Debug("tracee started and options set", "pid", child)

loop:
	for {
		// every tracee lives in the subject's process group; scoping
		// the wait keeps this tracer from stealing reap events from
		// other subjects in the same host
		pid, err := unix.Wait4(-child, &ws, unix.WALL, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// something went wrong; contain whatever is left
			p.log.Error("tracer wait4", "err", err)
			unix.Kill(-child, unix.SIGKILL)
			p.killTrackedChildren()
			break loop
		}

		switch {
		case ws.Exited(), ws.Signaled():
			if pid == child {
				p.finishLocked(ws)
				// the subject may leave descendants behind, and once
				// finished is set nothing else will kill them (the
				// timeout supervisor stands down); kill the group so
				// the loop converges instead of waiting them out
				unix.Kill(-child, unix.SIGKILL)
				p.killTrackedChildren()
			} else {
				p.forgetChild(pid)
			}
			if p.finished.Load() && p.trackedCount() == 0 {
				break loop
			}

		case ws.Stopped():
			sig := ws.StopSignal()
			switch {
			case sig == unix.SIGTRAP && isForkEvent(ws.TrapCause()):
				if !p.traceNewChild(pid) {
					// descendant cap reached
					break loop
				}
				unix.PtraceCont(pid, 0)

			case sig == unix.SIGTRAP|0x80:
				// syscall-stop; the syscall number could be peeked
				// from the user area but nothing consumes it yet
				unix.PtraceCont(pid, 0)

			case sig == unix.SIGTRAP, sig == unix.SIGSTOP:
				unix.PtraceCont(pid, 0)

			default:
				// redeliver genuine signals (SIGSEGV and friends)
				unix.PtraceCont(pid, int(sig))
			}
		}
	}

	// safety net: nothing traced may outlive the harness
	unix.Kill(-child, unix.SIGKILL)
	p.killTrackedChildren()
	if !p.finished.Load() {
		p.reapMain(child)
	}
	collectZombies(child)
}

// failAttach hands the setup error to the constructor, then kills the
// child parked in its pre-exec SIGSTOP and finalizes. Caller holds
// finishMu.
func (p *Process) failAttach(child int, err error) {
	select {
	case p.attachErr <- err:
	default:
	}
	unix.Kill(-child, unix.SIGKILL)
	p.reapMain(child)
}

// traceNewChild records a descendant reported by a fork/clone/vfork
// event. It reports false once the set reaches MaxChildCount, which
// kills the group and every tracked descendant.
func (p *Process) traceNewChild(eventPid int) bool {
	msg, err := unix.PtraceGetEventMsg(eventPid)
	if err != nil {
		p.log.Debug("ptrace get event msg", "pid", eventPid, "err", err)
		return true
	}
	newPid := int(msg)

	p.childMu.Lock()
	p.children[newPid] = struct{}{}
	n := len(p.children)
	p.childMu.Unlock()
	if p.mtr != nil {
		p.mtr.TrackedChildren.Set(float64(n))
	}
	p.log.Debug("descendant created", "pid", newPid, "tracked", n)

	if n >= MaxChildCount {
		p.log.Warn("descendant cap reached, killing process group",
			"pid", p.pid, "tracked", n)
		if p.mtr != nil {
			p.mtr.ForkbombKills.Inc()
		}
		unix.Kill(-p.pid, unix.SIGKILL)
		p.killTrackedChildren()
		return false
	}

	// tell the new process to continue
	unix.PtraceCont(newPid, 0)
	return true
}

func (p *Process) forgetChild(pid int) {
	p.childMu.Lock()
	delete(p.children, pid)
	n := len(p.children)
	p.childMu.Unlock()
	if p.mtr != nil {
		p.mtr.TrackedChildren.Set(float64(n))
	}
}

func (p *Process) trackedCount() int {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	return len(p.children)
}

// reapMain performs the final blocking reap of the main child so that
// finished always converges even when the event loop exits early
// (forkbomb cap, wait error, attach failure). Caller holds finishMu.
func (p *Process) reapMain(child int) {
	var ws unix.WaitStatus
	pid, err := wait4Retry(child, &ws, unix.WALL)
	if err != nil || pid != child {
		p.log.Error("final reap", "pid", child, "err", err)
		return
	}
	p.finishLocked(ws)
}

func isForkEvent(cause int) bool {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		return true
	}
	return false
}

func wait4Retry(pid int, ws *unix.WaitStatus, flags int) (int, error) {
	wpid, err := unix.Wait4(pid, ws, flags, nil)
	for err == unix.EINTR {
		wpid, err = unix.Wait4(pid, ws, flags, nil)
	}
	return wpid, err
}

// collectZombies reaps any died descendants left in the group.
func collectZombies(pgid int) {
	var ws unix.WaitStatus
	for {
		if _, err := unix.Wait4(-pgid, &ws, unix.WALL|unix.WNOHANG, nil); err != nil {
			break
		}
	}
}
