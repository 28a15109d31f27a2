package process

import (
	"golang.org/x/sys/unix"
)

// SendSignal delivers sig to the subject. The subject is probed with
// signal 0 first; if the probe fails the subject is reaped and the
// failure is swallowed unless it is somehow still not finished.
func (p *Process) SendSignal(sig unix.Signal) error {
	return p.sendSignal(p.pid, sig)
}

// SendSignalGroup delivers sig to the subject's whole process group.
func (p *Process) SendSignalGroup(sig unix.Signal) error {
	return p.sendSignal(-p.pid, sig)
}

// Kill SIGKILLs the subject's process group and blocks until the
// subject is reaped.
func (p *Process) Kill() error {
	if err := p.SendSignalGroup(unix.SIGKILL); err != nil {
		return err
	}
	p.performWait(true)
	return nil
}

// killTrackedChildren SIGKILLs every descendant the tracer knows
// about. Descendants that already died are simply missed.
func (p *Process) killTrackedChildren() {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	for pid := range p.children {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func (p *Process) sendSignal(target int, sig unix.Signal) error {
	// liveness probe
	if err := unix.Kill(target, 0); err != nil {
		p.performWait(true)
		if !p.finished.Load() {
			return newError(KindSignal, "signal liveness probe", err)
		}
		return nil
	}
	if err := unix.Kill(target, sig); err != nil {
		return newError(KindSignal, "send signal", err)
	}
	if p.mtr != nil {
		p.mtr.SignalsSent.Inc()
	}
	return nil
}
