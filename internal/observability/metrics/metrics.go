// Package metrics counts schedule runs in-process and exports the same
// counters as Prometheus collectors.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"schedgate/internal/schedule"
)

// Recorder implements schedule.Observer.
type Recorder struct {
	triggered   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	durationSum atomic.Int64

	mu         sync.Mutex
	byCategory map[string]int64
	byTarget   map[string]int64

	promTriggered *prometheus.CounterVec
	promCompleted prometheus.Counter
	promFailed    *prometheus.CounterVec
	promDuration  prometheus.Histogram
}

var _ schedule.Observer = (*Recorder)(nil)

// New registers the collectors on reg. A nil reg keeps the collectors
// unregistered, which tests use to avoid duplicate registration.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		byCategory: map[string]int64{},
		byTarget:   map[string]int64{},
		promTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedgate",
			Subsystem: "schedule",
			Name:      "triggered_total",
			Help:      "Schedule runs started, by target type.",
		}, []string{"target_type"}),
		promCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schedgate",
			Subsystem: "schedule",
			Name:      "completed_total",
			Help:      "Schedule runs finished successfully.",
		}),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedgate",
			Subsystem: "schedule",
			Name:      "failed_total",
			Help:      "Schedule runs that failed, by error category.",
		}, []string{"category"}),
		promDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schedgate",
			Subsystem: "schedule",
			Name:      "run_duration_seconds",
			Help:      "Duration of successful schedule runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.promTriggered, r.promCompleted, r.promFailed, r.promDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) RecordTriggered(_, _ string, target schedule.TargetKind) {
	r.triggered.Add(1)
	r.mu.Lock()
	r.byTarget[string(target)]++
	r.mu.Unlock()
	r.promTriggered.WithLabelValues(string(target)).Inc()
}

func (r *Recorder) RecordCompleted(_, _ string, durationMs int64) {
	if durationMs < 0 {
		durationMs = 0
	}
	r.completed.Add(1)
	r.durationSum.Add(durationMs)
	r.promCompleted.Inc()
	r.promDuration.Observe(float64(durationMs) / 1000)
}

func (r *Recorder) RecordFailed(_, _ string, category schedule.Category) {
	if category == "" {
		category = schedule.CategoryRuntime
	}
	r.failed.Add(1)
	r.mu.Lock()
	r.byCategory[string(category)]++
	r.mu.Unlock()
	r.promFailed.WithLabelValues(string(category)).Inc()
}

// Snapshot returns copies; the average covers successful runs only.
func (r *Recorder) Snapshot() schedule.Stats {
	st := schedule.Stats{
		TriggeredCount: r.triggered.Load(),
		CompletedCount: r.completed.Load(),
		FailedCount:    r.failed.Load(),
	}
	if st.CompletedCount > 0 {
		st.AvgDurationMs = r.durationSum.Load() / st.CompletedCount
	}
	r.mu.Lock()
	st.FailedByCategory = make(map[string]int64, len(r.byCategory))
	for k, v := range r.byCategory {
		st.FailedByCategory[k] = v
	}
	st.TargetTypeCounts = make(map[string]int64, len(r.byTarget))
	for k, v := range r.byTarget {
		st.TargetTypeCounts[k] = v
	}
	r.mu.Unlock()
	return st
}
