// Package engine wires every component together and owns the lifecycle:
// transport, cache, price feeds, aggregation, event routing, mempool
// listening, the opportunity pipeline, and the safety plane.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/aggregate"
	"github.com/arbflow/arbflow/internal/archive"
	"github.com/arbflow/arbflow/internal/cache"
	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/mempool"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
	"github.com/arbflow/arbflow/internal/pipeline"
	"github.com/arbflow/arbflow/internal/pricefeed"
	"github.com/arbflow/arbflow/internal/router"
	"github.com/arbflow/arbflow/internal/safety"
	"github.com/arbflow/arbflow/internal/transport"
)

// State is the engine lifecycle state.
type State string

const (
	StateNew         State = "new"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateStopped     State = "stopped"
)

const poolEventsHandler = "pool-events"

// Status is the engine snapshot served by the HTTP surface.
type Status struct {
	State          State                    `json:"state"`
	TradingAllowed bool                     `json:"trading_allowed"`
	GateReasons    []string                 `json:"gate_reasons,omitempty"`
	Breakers       []safety.BreakerStatus   `json:"breakers"`
	Endpoints      []transport.Status       `json:"endpoints"`
	Sources        []pricefeed.SourceStatus `json:"sources"`
	Pipeline       pipeline.Stats           `json:"pipeline"`
	QueueDepths    map[string]int           `json:"queue_depths"`
	Cache          cache.Stats              `json:"cache"`
	Incidents      int                      `json:"active_incidents"`
}

// Engine owns every component.
type Engine struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	transport *transport.Manager
	cache     *cache.Manager
	feeds     *pricefeed.Manager
	agg       *aggregate.Aggregator
	router    *router.Router
	listener  *mempool.Listener
	pipe      *pipeline.Pipeline
	breakers  *safety.Breakers
	estop     *safety.EmergencyStop
	incidents *safety.IncidentManager
	arch      *archive.Archive

	txStream mempool.TxStream
	executor pipeline.Executor
	assessor pipeline.RiskAssessor
	sink     safety.AlertSink

	mu     sync.RWMutex
	state  State
	paused bool
	cancel context.CancelFunc
}

// New builds an unconfigured engine; Initialize does the wiring.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  log.With().Str("component", "engine").Logger(),
		state:   StateNew,
	}
}

// SetTxStream wires the pending-transaction source, before Initialize.
func (e *Engine) SetTxStream(s mempool.TxStream) { e.txStream = s }

// SetExecutor wires the external executor, before Initialize.
func (e *Engine) SetExecutor(x pipeline.Executor) { e.executor = x }

// SetRiskAssessor wires the external risk assessor, before Initialize.
func (e *Engine) SetRiskAssessor(a pipeline.RiskAssessor) { e.assessor = a }

// SetAlertSink wires the safety notification sink, before Initialize.
func (e *Engine) SetAlertSink(s safety.AlertSink) { e.sink = s }

// Metrics exposes the engine's registry for the HTTP surface.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Initialize constructs and wires every component. Order matters:
// transport, cache, feeds, aggregator, router, mempool, pipeline,
// safety, then the cross-component handlers.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateNew {
		return fmt.Errorf("engine: initialize from state %s", e.state)
	}

	e.transport = transport.NewManager(e.cfg.Transport, e.metrics, nil)
	e.cache = cache.New(e.cfg.Cache, e.metrics)

	// The feed callbacks close over the aggregator built just below;
	// nothing flows until Start.
	e.feeds = pricefeed.NewManager(e.cfg.PriceFeed, e.cfg.Aggregator.MaxPriceAge(),
		e.metrics, func(p models.PricePoint) { e.agg.Ingest(p) }, e.submit)

	e.agg = aggregate.New(e.cfg.Aggregator, e.metrics, e.feeds.Reliability,
		e.onAggregated, e.submit)

	if err := e.registerSources(); err != nil {
		return err
	}

	e.router = router.New(e.cfg.Router, e.metrics)
	e.router.RegisterHandler(poolEventsHandler, e.onPoolEvents)
	if err := e.router.AddRoute(router.Route{
		Name:             "pool-events",
		Pattern:          regexp.MustCompile(`^(swap|mint|burn)$`),
		Handler:          poolEventsHandler,
		Priority:         router.PriorityHigh,
		CacheEnabled:     true,
		TransformEnabled: true,
	}); err != nil {
		return err
	}

	if e.cfg.Mempool.Enabled {
		e.listener = mempool.New(e.cfg.Mempool, e.metrics, e.submit, e.router.Dispatch)
	}

	pipe, err := pipeline.New(e.cfg.Pipeline, e.metrics)
	if err != nil {
		return err
	}
	e.pipe = pipe

	e.breakers = safety.NewBreakers(e.cfg.Safety, e.metrics)
	e.estop = safety.NewEmergencyStop(e.cfg.Safety.EmergencyStop, e.stopHooks())
	e.incidents = safety.NewIncidentManager(e.cfg.Safety.Incident, e.metrics, e.telemetry)
	e.incidents.OnCriticalEscalation(func(inc *safety.Incident) {
		e.breakers.Trip(safety.BreakerEmergency, "critical incident "+inc.ID)
		if e.arch != nil {
			e.arch.RecordIncident(context.Background(), inc)
		}
	})
	if e.sink != nil {
		e.incidents.SetAlertSink(e.sink)
	}

	arch, err := archive.Open(e.cfg.Archive)
	if err != nil {
		return fmt.Errorf("engine: archive: %w", err)
	}
	e.arch = arch

	e.pipe.SetGate(e.breakers.Gate)
	e.pipe.SetConditions(e.conditions)
	if e.assessor != nil {
		e.pipe.SetRiskAssessor(e.assessor)
	}
	if e.executor != nil {
		e.pipe.SetExecutor(e.executor)
	}
	e.pipe.OnResult(e.onExecution)

	e.state = StateInitialized
	e.logger.Info().Msg("engine initialized")
	return nil
}

// registerSources builds price sources from configuration.
func (e *Engine) registerSources() error {
	for _, sc := range e.cfg.PriceFeed.Sources {
		var src pricefeed.Source
		switch sc.Kind {
		case "oracle":
			src = pricefeed.NewOracleSource(sc.ID, sc.Venue, sc.Contract, sc.Weight, e.transport)
		case "httpapi":
			src = pricefeed.NewHTTPSource(sc.ID, sc.Venue, sc.URL, sc.Weight, sc.RPS)
		case "exchange":
			src = pricefeed.NewExchangeSource(sc.ID, sc.Venue, sc.URL, sc.Weight, nil)
		default:
			return fmt.Errorf("engine: unknown source kind %q for %s", sc.Kind, sc.ID)
		}
		e.feeds.Register(src, sc)
	}
	return nil
}

// Start launches every worker. The feed callbacks are attached here so
// nothing flows before the safety plane is live.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateInitialized {
		e.mu.Unlock()
		return fmt.Errorf("engine: start from state %s", e.state)
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.transport.Start(ctx)
	e.cache.Start(ctx)
	e.agg.Start(ctx)
	e.router.Start(ctx)
	e.breakers.Start(ctx)
	e.incidents.Start(ctx)

	if err := e.feeds.Start(ctx); err != nil {
		return err
	}
	if e.listener != nil && e.txStream != nil {
		if err := e.listener.Start(ctx, e.txStream); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	e.logger.Info().Msg("engine running")
	return nil
}

// Pause suspends opportunity intake; data planes keep running.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StatePaused
		e.paused = true
	}
	e.mu.Unlock()
	e.logger.Warn().Msg("engine paused")
}

// Resume re-enables opportunity intake.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state == StatePaused {
		e.state = StateRunning
		e.paused = false
	}
	e.mu.Unlock()
	e.logger.Info().Msg("engine resumed")
}

// Stop performs the graceful emergency-stop procedure bounded by the
// trade completion and shutdown timeouts, then tears everything down.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	bound := time.Duration(e.cfg.Safety.EmergencyStop.TradeCompletionTimeoutMS+
		e.cfg.Safety.EmergencyStop.SystemShutdownTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()
	if err := e.estop.Trigger(ctx, "engine stop", safety.LevelWarning, "operator"); err != nil {
		e.logger.Warn().Err(err).Msg("emergency stop already active during shutdown")
	}

	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	e.feeds.Close()
	e.agg.Close()
	e.router.Close()
	e.pipe.Close()
	e.incidents.Close()
	e.breakers.Close()
	e.cache.Close()
	e.transport.Close()
	e.arch.Close()

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info().Msg("engine stopped")
	return nil
}

// submit is the single admission point: every opportunity passes the
// safety gate and the pause switch before entering the pipeline.
func (e *Engine) submit(opp models.Opportunity) {
	e.mu.RLock()
	paused := e.paused
	e.mu.RUnlock()
	if paused {
		return
	}
	if allowed, reasons := e.breakers.Gate(); !allowed {
		e.logger.Debug().Strs("gates", reasons).Str("type", string(opp.Type)).
			Msg("opportunity dropped, trading gated")
		return
	}
	e.pipe.Submit(opp)
}

// onAggregated caches consensus prices and feeds market telemetry to
// the breakers.
func (e *Engine) onAggregated(agg models.AggregatedPrice) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.cache.Set(ctx, "prices", agg.Symbol, agg); err != nil {
		e.logger.Debug().Err(err).Str("symbol", agg.Symbol).Msg("price cache write failed")
	}
	e.breakers.UpdateMarket(safety.MarketSnapshot{
		Volatility: e.agg.Volatility(agg.Symbol),
		SpreadPct:  agg.SpreadPct,
	})
}

// onPoolEvents converts routed contract events into blockchain_event
// opportunities.
func (e *Engine) onPoolEvents(batch []models.RawEvent) {
	for _, ev := range batch {
		e.submit(models.Opportunity{
			ID:         models.NewOpportunityID(),
			Type:       models.TypeBlockchainEvent,
			Symbol:     ev.Contract,
			Source:     "router",
			DetectedAt: ev.ReceivedAt,
			Urgency:    models.UrgencyMedium,
			Event: &models.EventDetails{
				Contract: ev.Contract,
				Event:    ev.Type,
				Block:    ev.Block,
				TxHash:   ev.TxHash,
				Fields:   ev.Payload,
			},
		})
	}
}

// onExecution folds results into loss accounting and the audit archive.
func (e *Engine) onExecution(res models.ExecutionResult) {
	e.breakers.RecordTrade(res.PnL)
	if e.arch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.arch.RecordExecution(ctx, models.Opportunity{}, res)
	}
}

// conditions supplies per-symbol market telemetry to the pipeline's
// market sub-score.
func (e *Engine) conditions(symbol string) pipeline.MarketConditions {
	return pipeline.MarketConditions{
		Volatility: e.agg.Volatility(symbol),
	}
}

// telemetry is the incident manager's metric source.
func (e *Engine) telemetry() map[string]float64 {
	stats := e.pipe.Stats()
	depths := e.router.QueueDepths()
	queued := 0
	for _, d := range depths {
		queued += d
	}
	return map[string]float64{
		"pipeline_in_flight": float64(stats.InFlight),
		"pipeline_queued":    float64(stats.Queued),
		"router_backlog":     float64(queued),
		"cache_entries":      float64(e.cache.Stats().LocalKeys),
	}
}

// stopHooks binds the staged shutdown to the engine's components.
func (e *Engine) stopHooks() safety.Hooks {
	return safety.Hooks{
		StopNewTrades: e.Pause,
		DrainTrades: func(ctx context.Context) error {
			for {
				if e.pipe.Stats().InFlight == 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
		},
		CloseConnections: func() { e.transport.Close() },
		SnapshotState: func() {
			stats := e.pipe.Stats()
			e.logger.Info().Int("in_flight", stats.InFlight).
				Int("queued", stats.Queued).Int64("processed", stats.Processed).
				Msg("state snapshot at shutdown")
		},
		Reconnect:        func() error { return nil },
		ResumeMonitoring: func() error { return nil },
		EnableLimitedTrading: func() error {
			e.Resume()
			return nil
		},
		FullOperations: func() error { return nil },
	}
}

// ApplyConfig applies a reloaded configuration. Only thresholds take
// effect live; structural changes need a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.breakers.UpdateThresholds(cfg.Safety.Thresholds)
	e.mu.Lock()
	e.cfg.Safety.Thresholds = cfg.Safety.Thresholds
	e.mu.Unlock()
	e.logger.Info().Msg("configuration reloaded, thresholds applied")
}

// Status snapshots the engine for the HTTP surface.
func (e *Engine) Status() Status {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	allowed, reasons := e.breakers.Gate()
	return Status{
		State:          state,
		TradingAllowed: allowed,
		GateReasons:    reasons,
		Breakers:       e.breakers.Statuses(),
		Endpoints:      e.transport.Endpoints(),
		Sources:        e.feeds.Statuses(),
		Pipeline:       e.pipe.Stats(),
		QueueDepths:    e.router.QueueDepths(),
		Cache:          e.cache.Stats(),
		Incidents:      len(e.incidents.Active()),
	}
}

// Healthy reports liveness for the health endpoint.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateRunning || e.state == StatePaused
}
