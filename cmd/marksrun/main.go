// Command marksrun executes a subject program under the marking
// harness: pipes, wall-clock timeout and optional descendant tracing.
// It can repeat the run and report wall-time quantiles, and expose
// harness metrics over HTTP.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trjw/libmarks/metrics"
	"github.com/trjw/libmarks/process"
	"github.com/trjw/libmarks/stats"
)

var (
	sendLines        arrayFlags
	timeout          uint
	trace            bool
	inputFile        string
	preload          string
	workPath         string
	expectStdoutFile string
	expectStderrFile string
	expectStatus     int
	repeat           uint
	metricsAddr      string
	logLevel         string
	logFormat        string
	printOutput      bool
)

func main() {
	flag.Var(&sendLines, "send", "Send a line to the subject's stdin (repeatable)")
	flag.UintVar(&timeout, "timeout", 0, "Wall-clock timeout in seconds (0 disables)")
	flag.BoolVar(&trace, "trace", false, "Trace descendants with ptrace (linux only)")
	flag.StringVar(&inputFile, "in", "", "Redirect the subject's stdin from this file")
	flag.StringVar(&preload, "preload", "", "Preload library injected into the subject")
	flag.StringVar(&workPath, "work-path", "", "Working directory for the subject")
	flag.StringVar(&expectStdoutFile, "expect-stdout-file", "", "Compare the subject's stdout against this file")
	flag.StringVar(&expectStderrFile, "expect-stderr-file", "", "Compare the subject's stderr against this file")
	flag.IntVar(&expectStatus, "status", 0, "Expected exit status")
	flag.UintVar(&repeat, "repeat", 1, "Run the subject this many times and aggregate")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flag.BoolVar(&printOutput, "print", false, "Print the subject's remaining output")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] prog [args...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	log := newLogger(logFormat, logLevel)

	var mtr *metrics.Metrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		mtr = metrics.New(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server", "err", err)
			}
		}()
	}

	runs := stats.NewRuns()
	pass := true
	for i := uint(0); i < repeat; i++ {
		ok, d, err := runOne(args, log, mtr)
		if err != nil {
			log.Error("run failed", "err", err)
			os.Exit(1)
		}
		runs.Add(d, ok)
		if !ok {
			pass = false
		}
	}

	if repeat > 1 {
		fmt.Println(runs.Summary())
	}
	if !pass {
		os.Exit(1)
	}
}

func runOne(args []string, log *slog.Logger, mtr *metrics.Metrics) (bool, time.Duration, error) {
	begin := time.Now()
	p, err := process.New(process.Config{
		Args:      args,
		InputFile: inputFile,
		Timeout:   time.Duration(timeout) * time.Second,
		Trace:     trace,
		Preload:   preload,
		WorkDir:   workPath,
		Logger:    log,
		Metrics:   mtr,
	})
	if err != nil {
		return false, 0, err
	}
	defer p.Close()

	for _, line := range sendLines {
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if !p.Send(line) {
			log.Warn("send failed", "line", line)
		}
	}
	if inputFile == "" {
		p.FinishInput()
	}

	ok := true
	if expectStdoutFile != "" {
		match, err := p.ExpectStdoutFile(expectStdoutFile)
		if err != nil {
			return false, 0, err
		}
		if !match {
			log.Info("stdout mismatch", "expected", expectStdoutFile)
			ok = false
		}
	}
	if expectStderrFile != "" {
		match, err := p.ExpectStderrFile(expectStderrFile)
		if err != nil {
			return false, 0, err
		}
		if !match {
			log.Info("stderr mismatch", "expected", expectStderrFile)
			ok = false
		}
	}

	if printOutput {
		if err := p.PrintStdout(); err != nil {
			log.Debug("print stdout", "err", err)
		}
		if err := p.PrintStderr(); err != nil {
			log.Debug("print stderr", "err", err)
		}
	}

	if !p.AssertExitStatus(expectStatus) {
		log.Info("exit status mismatch",
			"want", expectStatus,
			"got", p.ExitStatus(),
			"abnormal", p.AbnormalExit(),
			"signalled", p.Signalled(),
			"signal", p.Signal(),
			"timed_out", p.TimedOut())
		ok = false
	}
	if trace {
		log.Debug("descendants", "pids", p.ChildPids())
	}
	return ok, time.Since(begin), nil
}

func newLogger(format, level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
