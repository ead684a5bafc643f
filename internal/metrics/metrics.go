// Package metrics exposes execution and store activity as Prometheus
// collectors on a dedicated registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

const namespace = "actseq"

// Metrics records executions, blocks, store commits and journal events.
// It satisfies engine.Recorder, engine.EventAppender and state.Observer.
type Metrics struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	blocks            *prometheus.CounterVec
	blockDuration     *prometheus.HistogramVec
	commits           *prometheus.CounterVec
	events            *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go runtime
// collector, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished sequence executions by sequence and final status.",
		}, []string{"sequence", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sequence executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sequence"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Executed action blocks by operator and error code (empty on success).",
		}, []string{"operator", "code"}),
		blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_duration_seconds",
			Help:      "Wall time of operator invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operator"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_commits_total",
			Help:      "Committed store writes by collection and write method.",
		}, []string{"collection", "method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Emitted lifecycle events by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.executions, m.executionDuration,
		m.blocks, m.blockDuration,
		m.commits, m.events,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ExecutionFinished(sequenceID string, status schema.ExecutionStatus, d time.Duration) {
	m.executions.WithLabelValues(sequenceID, string(status)).Inc()
	m.executionDuration.WithLabelValues(sequenceID).Observe(d.Seconds())
}

func (m *Metrics) BlockFinished(operator string, err error, d time.Duration) {
	code := ""
	if err != nil {
		if code = schema.CodeOf(err); code == "" {
			code = schema.ErrCodeExecution
		}
	}
	m.blocks.WithLabelValues(operator, code).Inc()
	m.blockDuration.WithLabelValues(operator).Observe(d.Seconds())
}

func (m *Metrics) OnCommit(_ context.Context, c state.Commit) {
	m.commits.WithLabelValues(c.Name, c.Method).Inc()
}

func (m *Metrics) AppendEvent(_ context.Context, e *schema.Event) error {
	m.events.WithLabelValues(e.Type).Inc()
	return nil
}
