// Package metrics counts what a stage run did: toolkit tasks, list
// reconciliations and state transitions. Counters live in a per-run
// registry and can be written to a node_exporter textfile.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the run's collectors. A nil Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	toolkitTasks    *prometheus.CounterVec
	toolkitDuration *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		toolkitTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hipipe",
				Subsystem: "toolkit",
				Name:      "tasks_total",
				Help:      "Toolkit tasks dispatched by outcome.",
			},
			[]string{"stage", "task", "outcome"},
		),
		toolkitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hipipe",
				Subsystem: "toolkit",
				Name:      "task_duration_seconds",
				Help:      "Toolkit task duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 4, 8),
			},
			[]string{"stage", "task"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hipipe",
				Name:      "reconcile_total",
				Help:      "Parameter list reconciliations and whether they changed the list.",
			},
			[]string{"stage", "list", "changed"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hipipe",
				Subsystem: "stage",
				Name:      "transitions_total",
				Help:      "Stage state machine transitions.",
			},
			[]string{"stage", "state"},
		),
	}
	r.registry.MustRegister(r.toolkitTasks, r.toolkitDuration, r.reconciles, r.transitions)
	return r
}

// Task outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSevere  = "severe"
	OutcomeFailed  = "failed"
	OutcomeIgnored = "ignored"
)

func (r *Recorder) RecordTask(stage, task, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.toolkitTasks.WithLabelValues(stage, task, outcome).Inc()
	r.toolkitDuration.WithLabelValues(stage, task).Observe(duration.Seconds())
}

func (r *Recorder) RecordReconcile(stage, list string, changed bool) {
	if r == nil {
		return
	}
	r.reconciles.WithLabelValues(stage, list, strconv.FormatBool(changed)).Inc()
}

func (r *Recorder) RecordTransition(stage, state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(stage, state).Inc()
}

// Registry exposes the collectors, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) TaskCounter(stage, task, outcome string) prometheus.Counter {
	return r.toolkitTasks.WithLabelValues(stage, task, outcome)
}

func (r *Recorder) ReconcileCounter(stage, list string, changed bool) prometheus.Counter {
	return r.reconciles.WithLabelValues(stage, list, strconv.FormatBool(changed))
}

func (r *Recorder) TransitionCounter(stage, state string) prometheus.Counter {
	return r.transitions.WithLabelValues(stage, state)
}

// WriteTextfile writes every collected series to path in the text
// exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics write failed (%s): %w", path, err)
	}
	return nil
}
