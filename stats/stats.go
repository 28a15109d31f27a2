// Package stats aggregates wall-clock run times and verdicts across
// repeated subject runs.
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Runs collects per-run wall times into a t-digest plus pass/fail
// counters. Safe for concurrent use.
type Runs struct {
	mu        sync.Mutex
	digest    *tdigest.TDigest
	total     int
	passed    int
	totalTime time.Duration
}

// Summary is a point-in-time snapshot of a Runs.
type Summary struct {
	Total  int
	Passed int
	Failed int
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

// NewRuns creates an empty aggregation.
func NewRuns() *Runs {
	return &Runs{
		// ~100 centroids, plenty for run-time quantiles
		digest: tdigest.NewWithCompression(100),
	}
}

// Add records one run.
func (r *Runs) Add(d time.Duration, pass bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digest.Add(d.Seconds(), 1)
	r.total++
	if pass {
		r.passed++
	}
	r.totalTime += d
}

// Quantile returns the wall-time quantile q in [0,1].
func (r *Runs) Quantile(q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return 0
	}
	return time.Duration(r.digest.Quantile(q) * float64(time.Second))
}

// Summary snapshots the counters and the common quantiles.
func (r *Runs) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Total:  r.total,
		Passed: r.passed,
		Failed: r.total - r.passed,
	}
	if r.total > 0 {
		s.Mean = r.totalTime / time.Duration(r.total)
		s.P50 = time.Duration(r.digest.Quantile(0.5) * float64(time.Second))
		s.P95 = time.Duration(r.digest.Quantile(0.95) * float64(time.Second))
		s.P99 = time.Duration(r.digest.Quantile(0.99) * float64(time.Second))
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("runs=%d passed=%d failed=%d mean=%v p50=%v p95=%v p99=%v",
		s.Total, s.Passed, s.Failed, s.Mean, s.P50, s.P95, s.P99)
}
