// Package metrics exposes Prometheus metrics for runs, stages and webhooks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keelci/internal/core"
)

type Metrics struct {
	registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	StagesTotal   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Webhooks      *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keelci",
				Name:      "runs_total",
				Help:      "Finished pipeline runs by terminal status.",
			},
			[]string{"pipeline", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keelci",
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished runs.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"pipeline"},
		),
		StagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keelci",
				Name:      "stages_total",
				Help:      "Terminal stage results by status and reason.",
			},
			[]string{"pipeline", "stage", "status", "reason"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keelci",
				Name:      "stage_duration_seconds",
				Help:      "Duration of executed stages.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"pipeline", "stage"},
		),
		Webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keelci",
				Name:      "webhooks_total",
				Help:      "Webhook deliveries by outcome.",
			},
			[]string{"result"},
		),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keelci",
			Name:      "active_runs",
			Help:      "Runs queued or running.",
		}),
	}
	m.registry.MustRegister(
		m.RunsTotal, m.RunDuration, m.StagesTotal, m.StageDuration, m.Webhooks, m.ActiveRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RunQueued() { m.ActiveRuns.Inc() }

func (m *Metrics) StageFinished(run *core.Run, res core.StageResult) {
	m.StagesTotal.WithLabelValues(run.Pipeline, res.Name, string(res.Status), string(res.Reason)).Inc()
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		m.StageDuration.WithLabelValues(run.Pipeline, res.Name).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
}

func (m *Metrics) RunFinished(run *core.Run) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(run.Pipeline, string(run.Status)).Inc()
	if !run.StartedAt.IsZero() && !run.FinishedAt.IsZero() {
		m.RunDuration.WithLabelValues(run.Pipeline).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
}

// WebhookReceived counts a delivery outcome: queued, unauthorized,
// unmatched, invalid or limited.
func (m *Metrics) WebhookReceived(result string) {
	m.Webhooks.WithLabelValues(result).Inc()
}
