//go:build !linux

package process

const tracerAvailable = false

// startTracer never runs here: Config.Trace degrades to the plain
// timeout watchdog before construction reaches this point.
func (p *Process) startTracer() {}
