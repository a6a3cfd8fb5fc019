// Package metrics holds the Prometheus collectors for the cycle engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	SweepRuns       *prometheus.CounterVec
	SweepItems      *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec
	LedgerPostings  *prometheus.CounterVec
	CyclesProcessed *prometheus.CounterVec
	ExitsSettled    *prometheus.CounterVec
	TPIAsByStatus   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_sweep_runs_total",
				Help: "Sweep executions by sweep name and outcome",
			},
			[]string{"sweep", "outcome"},
		),
		SweepItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_sweep_items_total",
				Help: "Sweep candidates by result (processed, skipped, failed)",
			},
			[]string{"sweep", "result"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tpia_sweep_duration_seconds",
				Help:    "Wall time of one sweep batch",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"sweep"},
		),
		LedgerPostings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_ledger_postings_total",
				Help: "Ledger rows appended by entry type",
			},
			[]string{"type"},
		),
		CyclesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_cycles_processed_total",
				Help: "Cycle advances by user mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ExitsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_exits_settled_total",
				Help: "Settled exits by boundary cycle",
			},
			[]string{"boundary"},
		),
		TPIAsByStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_transitions_total",
				Help: "TPIA status transitions by target status",
			},
			[]string{"status"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpia_events_published_total",
				Help: "Domain events handed to the publisher by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SweepRuns,
			m.SweepItems,
			m.SweepDuration,
			m.LedgerPostings,
			m.CyclesProcessed,
			m.ExitsSettled,
			m.TPIAsByStatus,
			m.EventsPublished,
		)
	}
	return m
}

func (m *Metrics) ObserveSweep(sweep string, processed, skipped, failed int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if failed > 0 {
		outcome = "partial"
	}
	m.SweepRuns.WithLabelValues(sweep, outcome).Inc()
	m.SweepItems.WithLabelValues(sweep, "processed").Add(float64(processed))
	m.SweepItems.WithLabelValues(sweep, "skipped").Add(float64(skipped))
	m.SweepItems.WithLabelValues(sweep, "failed").Add(float64(failed))
	m.SweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
}

func (m *Metrics) LedgerPosted(entryType string) {
	if m == nil {
		return
	}
	m.LedgerPostings.WithLabelValues(entryType).Inc()
}

func (m *Metrics) CycleProcessed(mode, outcome string) {
	if m == nil {
		return
	}
	m.CyclesProcessed.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ExitSettled(boundary string) {
	if m == nil {
		return
	}
	m.ExitsSettled.WithLabelValues(boundary).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.TPIAsByStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}
