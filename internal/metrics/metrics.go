// Package metrics registers the engine's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries every collector the engine emits. One instance per
// engine, sharing a dedicated registry so tests stay isolated.
type Metrics struct {
	registry *prometheus.Registry

	PricePoints    *prometheus.CounterVec // source
	Aggregations   prometheus.Counter
	Outliers       prometheus.Counter
	Opportunities  *prometheus.CounterVec // type
	StageResults   *prometheus.CounterVec // stage, result
	InFlight       prometheus.Gauge
	Executions     *prometheus.CounterVec // result
	PnL            prometheus.Gauge

	TransportCalls  *prometheus.CounterVec // endpoint, result
	EndpointScore   *prometheus.GaugeVec   // endpoint
	Reconnects      *prometheus.CounterVec // endpoint
	CacheOps        *prometheus.CounterVec // tier, op
	CacheEvictions  prometheus.Counter
	RouterEvents    *prometheus.CounterVec // priority
	RouterDropped   *prometheus.CounterVec // priority
	BreakerTrips    *prometheus.CounterVec // breaker
	TradingAllowed  prometheus.Gauge
	ActiveIncidents prometheus.Gauge
	Incidents       *prometheus.CounterVec // type, severity

	StageLatency prometheus.Histogram
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PricePoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_price_points_total",
			Help: "Price points received, by source.",
		}, []string{"source"}),
		Aggregations: f.NewCounter(prometheus.CounterOpts{
			Name: "arbflow_aggregations_total",
			Help: "Aggregated prices produced.",
		}),
		Outliers: f.NewCounter(prometheus.CounterOpts{
			Name: "arbflow_outliers_total",
			Help: "Price points rejected as outliers.",
		}),
		Opportunities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_opportunities_total",
			Help: "Opportunities detected, by type.",
		}, []string{"type"}),
		StageResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_pipeline_stage_total",
			Help: "Pipeline stage outcomes.",
		}, []string{"stage", "result"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "arbflow_pipeline_in_flight",
			Help: "Pipeline contexts in a non-terminal stage.",
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_executions_total",
			Help: "Executor calls, by result.",
		}, []string{"result"}),
		PnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "arbflow_daily_pnl",
			Help: "Accumulated daily PnL.",
		}),
		TransportCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_transport_calls_total",
			Help: "Unary transport calls, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		EndpointScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbflow_endpoint_score",
			Help: "Current endpoint health score.",
		}, []string{"endpoint"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_ws_reconnects_total",
			Help: "WebSocket reconnect attempts, by endpoint.",
		}, []string{"endpoint"}),
		CacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_cache_ops_total",
			Help: "Cache operations, by tier and op (hit/miss/set/delete).",
		}, []string{"tier", "op"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "arbflow_cache_evictions_total",
			Help: "Local tier evictions.",
		}),
		RouterEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_router_events_total",
			Help: "Events dispatched, by priority.",
		}, []string{"priority"}),
		RouterDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_router_dropped_total",
			Help: "Events dropped on queue overflow, by priority.",
		}, []string{"priority"}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_breaker_trips_total",
			Help: "Breaker triggers, by breaker; re-triggers of a tripped breaker count.",
		}, []string{"breaker"}),
		TradingAllowed: f.NewGauge(prometheus.GaugeOpts{
			Name: "arbflow_trading_allowed",
			Help: "1 when every safety gate is open.",
		}),
		ActiveIncidents: f.NewGauge(prometheus.GaugeOpts{
			Name: "arbflow_active_incidents",
			Help: "Incidents not yet resolved.",
		}),
		Incidents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arbflow_incidents_total",
			Help: "Incidents opened, by type and severity.",
		}, []string{"type", "severity"}),
		StageLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbflow_pipeline_stage_seconds",
			Help:    "Per-stage processing latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Registry exposes the underlying registry for promhttp and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
