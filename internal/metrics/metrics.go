// Package metrics provides Prometheus metrics for aqueduct.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted counts accepted execution requests.
var TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aqueduct",
	Name:      "tasks_submitted_total",
	Help:      "Total accepted execution requests.",
}, []string{"extension", "action"})

// TasksFinished counts tasks reaching a terminal status.
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aqueduct",
	Name:      "tasks_finished_total",
	Help:      "Total tasks by terminal status.",
}, []string{"extension", "action", "status"})

// TasksActive tracks tasks that have not finished yet.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "aqueduct",
	Name:      "tasks_active",
	Help:      "Number of tasks pending or running.",
})

// TaskDuration tracks how long action processes run.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "aqueduct",
	Name:      "task_duration_seconds",
	Help:      "Action process run time in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"extension"})

// ─── Environments ───────────────────────────────────────────────────────────

// Provision results.
const (
	ProvisionCreated = "created"
	ProvisionReused  = "reused"
	ProvisionFailed  = "failed"
)

// EnvironmentProvisions counts environment ensure calls by result.
var EnvironmentProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aqueduct",
	Name:      "environment_provisions_total",
	Help:      "Environment ensure calls by result.",
}, []string{"result"})
