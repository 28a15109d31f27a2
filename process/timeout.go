package process

import "time"

// superviseTimeout is the watchdog goroutine body: sleep for the
// configured duration and, if the subject is not yet finished, mark
// the timeout and kill the whole group. For traced subjects the
// tracked descendants are killed first, in case some escaped the
// group.
func (p *Process) superviseTimeout(d time.Duration) {
	defer p.wg.Done()
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-p.stopTimeout:
		return
	case <-p.done:
		// natural exit beat the clock
		return
	}
	if p.finished.Load() {
		return
	}

	p.timedOut.Store(true)
	if p.mtr != nil {
		p.mtr.Timeouts.Inc()
	}
	p.log.Warn("timeout expired, killing process group",
		"pid", p.pid, "timeout", d)

	if p.traced {
		p.killTrackedChildren()
	}
	if err := p.Kill(); err != nil {
		// the group may already be gone
		p.log.Debug("timeout kill", "pid", p.pid, "err", err)
	}
}
