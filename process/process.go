package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/trjw/libmarks/metrics"
	"github.com/trjw/libmarks/pkg/forkexec"
	"github.com/trjw/libmarks/pkg/rlimit"
)

// MaxChildCount is the hard cap on descendants a traced subject may
// create before the whole group is killed.
const MaxChildCount = 20

// Config describes one subject launch. The zero values of Timeout and
// Trace give a plain Process; Timeout > 0 arms the watchdog; Trace
// additionally attaches the ptrace supervisor.
type Config struct {
	// Args is the argument vector; Args[0] names the program for the
	// exec lookup and must be present.
	Args []string

	// InputFile, when set, is opened read-only and becomes the
	// subject's stdin. No stdin pipe is created and Send reports
	// false.
	InputFile string

	// Timeout is the wall-clock budget after which the subject's
	// process group is SIGKILLed.
	Timeout time.Duration

	// Trace attaches the ptrace supervisor (linux only; elsewhere it
	// degrades to the timeout watchdog with a warning).
	Trace bool

	// Preload overrides the module-level preload value for this child.
	Preload string

	// WorkDir is the subject's working directory, empty to inherit.
	WorkDir string

	// RLimits are applied in the child before exec.
	RLimits []rlimit.RLimit

	// Logger receives supervisor diagnostics; nil discards them.
	Logger *slog.Logger

	// Metrics receives harness instrumentation; nil disables it.
	Metrics *metrics.Metrics
}

// Process is one launched subject. All methods are safe for use while
// the supervisor goroutines are running.
type Process struct {
	pid    int
	traced bool
	log    *slog.Logger
	mtr    *metrics.Metrics
	start  time.Time

	stdin  *inStream // nil when stdin comes from an input file
	stdout *outStream
	stderr *outStream

	// finishMu serializes the writers of the terminal fields and the
	// stream teardown. The tracer holds it for its whole run.
	finishMu     sync.Mutex
	finished     atomic.Bool
	done         chan struct{} // closed when finished flips
	exitStatus   int
	abnormalExit bool
	signalled    bool
	signalNum    syscall.Signal
	timedOut     atomic.Bool

	wg          sync.WaitGroup
	stopTimeout chan struct{}
	closeOnce   sync.Once

	childMu  sync.Mutex
	children map[int]struct{}

	// attachErr carries a tracer setup failure back to the
	// constructor; such a child dies before execve, so the check pipe
	// alone cannot distinguish it from a clean exec
	attachErr chan error
}

// New launches the subject described by conf. When it returns without
// error the child is executing the target program; any failure leaves
// no child behind.
func New(conf Config) (*Process, error) {
	if len(conf.Args) == 0 {
		return nil, newError(KindExec, "empty argv", nil)
	}
	log := conf.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	traced := conf.Trace
	if traced && !tracerAvailable {
		log.Warn("tracing is only available on linux, falling back to timeout supervision")
		traced = false
	}

	// child-side stdin: input file or pipe read end
	var (
		childIn *os.File
		stdinW  *os.File
		err     error
	)
	if conf.InputFile != "" {
		childIn, err = os.Open(conf.InputFile)
		if err != nil {
			return nil, newError(KindPipe, "open input file", err)
		}
	} else {
		childIn, stdinW, err = os.Pipe()
		if err != nil {
			return nil, newError(KindPipe, "stdin pipe", err)
		}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(childIn, stdinW)
		return nil, newError(KindPipe, "stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(childIn, stdinW, stdoutR, stdoutW)
		return nil, newError(KindPipe, "stderr pipe", err)
	}

	preload := conf.Preload
	if preload == "" {
		preload = Preload()
	}
	env := os.Environ()
	if preload != "" {
		env = append(env, preloadEnv(preload)...)
	}

	r := &forkexec.Runner{
		Args:    conf.Args,
		Env:     env,
		Files:   []uintptr{childIn.Fd(), stdoutW.Fd(), stderrW.Fd()},
		RLimits: conf.RLimits,
		WorkDir: conf.WorkDir,
		Stop:    traced,
	}
	pid, check, err := r.Start()
	if err != nil {
		closeAll(childIn, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, newError(KindFork, "fork", err)
	}

	p := &Process{
		pid:    pid,
		traced: traced,
		log:    log,
		mtr:    conf.Metrics,
		stdout: newOutStream(stdoutR),
		stderr: newOutStream(stderrR),
		done:   make(chan struct{}),
	}
	if stdinW != nil {
		p.stdin = newInStream(stdinW)
	}
	if p.mtr != nil {
		p.mtr.ProcessesStarted.Inc()
	}

	// parent closes the child-side ends
	if cerr := closeAll(childIn, stdoutW, stderrW); cerr != nil {
		syscall.Kill(-pid, syscall.SIGKILL)
		reapRetry(pid)
		check.Close()
		p.closeStreams()
		return nil, newError(KindClose, "close child pipe ends", cerr)
	}

	// pre-exec hook: the tracer must be watching before the subject
	// leaves its SIGSTOP
	if traced {
		p.children = make(map[int]struct{})
		p.attachErr = make(chan error, 1)
		p.startTracer()
	}

	if werr := r.WaitExec(pid, check); werr != nil {
		if errors.Is(werr, forkexec.ErrExecFailed) && p.mtr != nil {
			p.mtr.ExecFailures.Inc()
		}
		// a running tracer observes the exit and finalizes; join it
		// before tearing the streams down
		p.wg.Wait()
		p.closeStreams()
		return nil, newError(KindExec, "exec "+conf.Args[0], werr)
	}
	if traced {
		// a tracer that failed before the subject left its SIGSTOP
		// killed a child that never execed; the check pipe read EOF
		// only because the child died
		select {
		case aerr := <-p.attachErr:
			p.wg.Wait()
			p.closeStreams()
			return nil, newError(KindFork, "ptrace attach", aerr)
		default:
		}
	}

	p.start = time.Now()
	if conf.Timeout > 0 {
		p.stopTimeout = make(chan struct{})
		p.wg.Add(1)
		go p.superviseTimeout(conf.Timeout)
	}
	return p, nil
}

// Pid returns the subject's process id (also its process-group id).
func (p *Process) Pid() int { return p.pid }

// Finished reports whether the subject has been reaped.
func (p *Process) Finished() bool { return p.finished.Load() }

// ExitStatus is the subject's exit status; meaningful only once
// Finished is true and AbnormalExit is false.
func (p *Process) ExitStatus() int {
	if !p.finished.Load() {
		return 0
	}
	return p.exitStatus
}

// AbnormalExit reports that the subject did not terminate by a normal
// exit.
func (p *Process) AbnormalExit() bool {
	if !p.finished.Load() {
		return false
	}
	return p.abnormalExit
}

// Signalled reports that the subject was killed by a signal.
func (p *Process) Signalled() bool {
	if !p.finished.Load() {
		return false
	}
	return p.signalled
}

// Signal is the signal that killed the subject, valid iff Signalled.
func (p *Process) Signal() syscall.Signal {
	if !p.finished.Load() {
		return 0
	}
	return p.signalNum
}

// TimedOut reports that the timeout supervisor fired.
func (p *Process) TimedOut() bool { return p.timedOut.Load() }

// ChildPids returns the descendants currently tracked by the tracer,
// in ascending order. It is empty for untraced processes.
func (p *Process) ChildPids() []int {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	pids := make([]int, 0, len(p.children))
	for pid := range p.children {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Close releases the Process: any surviving child is killed and
// reaped, the supervisor goroutines are cancelled and joined, and
// every remaining descriptor is closed.
func (p *Process) Close() error {
	if !p.finished.Load() {
		// the kill both terminates the subject and performs the
		// blocking reap
		if err := p.Kill(); err != nil {
			p.log.Debug("close kill", "pid", p.pid, "err", err)
		}
	}
	p.closeOnce.Do(func() {
		if p.stopTimeout != nil {
			close(p.stopTimeout)
		}
	})
	p.wg.Wait()
	if err := p.closeStreams(); err != nil {
		return newError(KindClose, "close streams", err)
	}
	return nil
}

// closeStreams closes whatever stream handles remain open. Idempotent.
func (p *Process) closeStreams() error {
	var first error
	if p.stdin != nil {
		// already-closed stdin is the common case after FinishInput
		_ = p.stdin.close()
	}
	if err := p.stdout.close(); err != nil && first == nil {
		first = err
	}
	if err := p.stderr.close(); err != nil && first == nil {
		first = err
	}
	return first
}

func closeAll(files ...*os.File) error {
	var first error
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
