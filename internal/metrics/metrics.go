// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"

	"lv-futures/internal/liquidation"
	"lv-futures/internal/settlement"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lvfutures"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	SweepRuns        *prometheus.CounterVec
	SweepPositions   *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	LastSweepSuccess prometheus.Gauge
}

// New registers the sweep collectors, the Go runtime collectors and, when
// pool is not nil, the database pool gauges.
func New(pool *pgxpool.Pool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Liquidation sweeps by outcome (ok, price_unavailable, error).",
		}, []string{"outcome"}),
		SweepPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "positions_total",
			Help:      "Positions handled by liquidation sweeps by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Liquidation sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		LastSweepSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that evaluated against a price.",
		}),
	}
	for _, result := range []string{"checked", "liquidated", "raced", "quarantined", "failed"} {
		m.SweepPositions.WithLabelValues(result)
	}
	for _, outcome := range []string{"ok", "price_unavailable", "error"} {
		m.SweepRuns.WithLabelValues(outcome)
	}
	m.registry.MustRegister(
		m.SweepRuns,
		m.SweepPositions,
		m.SweepDuration,
		m.LastSweepSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pool != nil {
		m.registerPool(pool)
	}
	return m
}

func (m *Metrics) registerPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(pool.Stat()) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Connections currently open.", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_conns", "Idle connections.", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("acquired_conns", "Connections checked out.", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("max_conns", "Pool size limit.", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
	)
}

// RecordSweep implements liquidation.Recorder.
func (m *Metrics) RecordSweep(rep liquidation.Report, err error) {
	m.SweepDuration.Observe(rep.Duration.Seconds())
	switch {
	case err == nil:
		m.SweepRuns.WithLabelValues("ok").Inc()
		if !rep.Price.IsZero() {
			m.LastSweepSuccess.Set(float64(rep.StartedAt.Add(rep.Duration).Unix()))
		}
	case errors.Is(err, settlement.ErrPriceUnavailable):
		m.SweepRuns.WithLabelValues("price_unavailable").Inc()
	default:
		m.SweepRuns.WithLabelValues("error").Inc()
	}
	m.SweepPositions.WithLabelValues("checked").Add(float64(rep.Checked))
	m.SweepPositions.WithLabelValues("liquidated").Add(float64(len(rep.Liquidated)))
	m.SweepPositions.WithLabelValues("raced").Add(float64(rep.Raced))
	m.SweepPositions.WithLabelValues("quarantined").Add(float64(rep.Quarantined))
	m.SweepPositions.WithLabelValues("failed").Add(float64(len(rep.Failures)))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
