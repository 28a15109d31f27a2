package process

import (
	"time"

	"golang.org/x/sys/unix"
)

// performWait reaps the subject if it has terminated. With block set
// it waits for termination; otherwise it probes with WNOHANG and
// returns immediately when the subject is still running.
//
// When the tracer is active it is the sole reaper of the main child,
// so blocking callers park on the done channel instead of wait4. The
// same applies when wait4 reports that another goroutine beat us to
// the reap.
func (p *Process) performWait(block bool) {
	if p.finished.Load() {
		return
	}
	if p.traced {
		p.waitDone(block)
		return
	}

	var ws unix.WaitStatus
	flags := 0
	if !block {
		flags = unix.WNOHANG
	}
	pid, err := unix.Wait4(p.pid, &ws, flags, nil)
	for err == unix.EINTR {
		pid, err = unix.Wait4(p.pid, &ws, flags, nil)
	}
	if err != nil {
		// already reaped elsewhere (timeout supervisor, typically);
		// wait for its bookkeeping rather than raising
		p.waitDone(block)
		return
	}
	if pid == 0 {
		// non-blocking probe, child still alive
		return
	}
	p.finishProcess(ws)
}

func (p *Process) waitDone(block bool) {
	if block {
		<-p.done
		return
	}
	select {
	case <-p.done:
	default:
	}
}

// finishProcess records the terminal status under the finish mutex.
func (p *Process) finishProcess(ws unix.WaitStatus) {
	p.finishMu.Lock()
	defer p.finishMu.Unlock()
	p.finishLocked(ws)
}

// finishLocked is the at-most-once finalizer: decode the wait status,
// close the streams, flip finished. Callers hold finishMu (the tracer
// holds it across its whole run).
func (p *Process) finishLocked(ws unix.WaitStatus) {
	if p.finished.Load() {
		return
	}
	if ws.Exited() {
		p.exitStatus = ws.ExitStatus()
	} else {
		p.abnormalExit = true
	}
	if ws.Signaled() {
		p.signalled = true
		p.signalNum = ws.Signal()
	}
	if err := p.closeStreams(); err != nil {
		// no caller to deliver a CloseError to at reap time
		p.log.Error("close streams on reap", "pid", p.pid, "err", err)
	}
	if p.mtr != nil && !p.start.IsZero() {
		p.mtr.ObserveDuration(time.Since(p.start))
	}
	p.finished.Store(true)
	close(p.done)
}

// reapRetry waits for pid, retrying on EINTR. Used on construction
// failure paths where the status is irrelevant.
func reapRetry(pid int) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, 0, nil)
	for err == unix.EINTR {
		_, err = unix.Wait4(pid, &ws, 0, nil)
	}
}

// AssertExitStatus blocks until the subject is reaped and reports
// whether it exited normally with the expected status.
func (p *Process) AssertExitStatus(expected int) bool {
	p.performWait(true)
	return !p.AbnormalExit() && p.ExitStatus() == expected
}

// AssertSignalled blocks until the subject is reaped and reports
// whether the signalled flag matches expected.
func (p *Process) AssertSignalled(expected bool) bool {
	p.performWait(true)
	return p.Signalled() == expected
}

// AssertSignal blocks until the subject is reaped and reports whether
// it was killed by the expected signal.
func (p *Process) AssertSignal(expected unix.Signal) bool {
	p.performWait(true)
	return p.Signalled() && p.Signal() == expected
}

// CheckSignalled probes without blocking and reports whether the
// subject has been killed by a signal so far.
func (p *Process) CheckSignalled() bool {
	p.performWait(false)
	return p.Signalled()
}
