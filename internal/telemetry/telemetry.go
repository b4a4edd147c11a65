// Package telemetry collects run counters on a private Prometheus registry.
// A run-to-completion tool has no scrape endpoint, so the engine gathers the
// registry at exit and reports the totals through the logger.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Metrics bundles the counters tracked over one invocation.
type Metrics struct {
	registry *prometheus.Registry

	fetches *prometheus.CounterVec
	pings   *prometheus.CounterVec
	tasks   *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushl_fetches_total",
			Help: "HTTP fetches, labeled by outcome (network, cached, error).",
		}, []string{"outcome"}),
		pings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushl_pings_total",
			Help: "Outbound notifications, labeled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushl_tasks_total",
			Help: "Completed tasks, labeled by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// ObserveFetch records one fetch with the given outcome.
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

// ObservePing records one outbound notification attempt.
func (m *Metrics) ObservePing(kind, outcome string) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(kind, outcome).Inc()
}

// ObserveTask records one task reaching a terminal state.
func (m *Metrics) ObserveTask(kind, outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, outcome).Inc()
}

// LogSummary gathers the registry and logs every non-zero counter.
func (m *Metrics) LogSummary(log *zap.Logger) {
	if m == nil {
		return
	}
	families, err := m.registry.Gather()
	if err != nil {
		log.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			value := metric.GetCounter().GetValue()
			if value == 0 {
				continue
			}
			fields := []zap.Field{zap.Float64("count", value)}
			for _, label := range metric.GetLabel() {
				fields = append(fields, zap.String(label.GetName(), label.GetValue()))
			}
			log.Info(mf.GetName(), fields...)
		}
	}
}
