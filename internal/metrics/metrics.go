// Package metrics exposes the kernel's Prometheus collectors. The
// dashboard serves them on /metrics; nothing in the kernel depends on
// them for correctness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the kernel records into.
type Metrics struct {
	// Executor
	ActionsTotal   *prometheus.CounterVec
	ActionLatency  *prometheus.HistogramVec
	ActionFailures *prometheus.CounterVec

	// Event log
	EventsCommitted prometheus.Counter
	EventsDropped   prometheus.Gauge

	// Economy
	ScripSupply prometheus.Gauge
	MintedTotal prometheus.Gauge
	BurnedTotal prometheus.Gauge
	APISpendUSD prometheus.Gauge

	// Scheduler
	LoopsLive    prometheus.Gauge
	LoopsDead    prometheus.Gauge
	LoopRestarts prometheus.Counter

	// Mint
	AuctionCycles *prometheus.CounterVec

	// Dashboard
	WSClients prometheus.Gauge
}

// New registers all collectors on a fresh registry and returns both.
// A private registry keeps tests from tripping over duplicate
// registration in the default one.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terrarium_actions_total",
				Help: "Actions submitted to the executor, by verb and outcome",
			},
			[]string{"verb", "status"},
		),
		ActionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terrarium_action_duration_seconds",
				Help:    "Wall time from submission to terminal event",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"verb"},
		),
		ActionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terrarium_action_failures_total",
				Help: "Failed actions by error kind",
			},
			[]string{"error_kind"},
		),
		EventsCommitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "terrarium_events_committed_total",
				Help: "Events appended to the log",
			},
		),
		EventsDropped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_bus_events_dropped_total",
				Help: "Events lost to full subscriber buffers",
			},
		),
		ScripSupply: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_scrip_supply",
				Help: "Sum of all scrip balances",
			},
		),
		MintedTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_scrip_minted_total",
				Help: "Cumulative scrip created, genesis grants included",
			},
		),
		BurnedTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_scrip_burned_total",
				Help: "Cumulative scrip destroyed",
			},
		),
		APISpendUSD: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_api_spend_usd",
				Help: "Cumulative LLM spend in USD",
			},
		),
		LoopsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_loops_live",
				Help: "Agent loops currently running",
			},
		),
		LoopsDead: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_loops_dead",
				Help: "Agent loops stopped after repeated crashes",
			},
		),
		LoopRestarts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "terrarium_loop_restarts_total",
				Help: "Supervisor restarts of crashed loops",
			},
		),
		AuctionCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terrarium_auction_cycles_total",
				Help: "Completed auction cycles by outcome",
			},
			[]string{"outcome"}, // settled, empty, refunded
		),
		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "terrarium_ws_clients",
				Help: "Connected event-stream WebSocket clients",
			},
		),
	}
	return m, reg
}

// RecordAction feeds the executor's observer hook.
func (m *Metrics) RecordAction(verb string, success bool, errorKind string, seconds float64) {
	status := "ok"
	if !success {
		status = "failed"
		if errorKind != "" {
			m.ActionFailures.WithLabelValues(errorKind).Inc()
		}
	}
	m.ActionsTotal.WithLabelValues(verb, status).Inc()
	m.ActionLatency.WithLabelValues(verb).Observe(seconds)
}

// RecordAuction counts one finished cycle.
func (m *Metrics) RecordAuction(outcome string) {
	m.AuctionCycles.WithLabelValues(outcome).Inc()
}
