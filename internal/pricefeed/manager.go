package pricefeed

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

// AnomalyFunc receives a critical-urgency price_anomaly opportunity.
type AnomalyFunc func(models.Opportunity)

type managedSource struct {
	src     Source
	cfg     config.SourceConfig
	rel     *reliability
}

// Manager owns the source set: one poll worker per non-streaming source,
// reliability accounting, scheduled retries for failed sources, and
// single-source anomaly detection against the other sources' consensus.
type Manager struct {
	cfg         config.PriceFeedConfig
	maxPriceAge time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	sources   []*managedSource
	onPoint   PointFunc
	onAnomaly AnomalyFunc
	now       func() time.Time

	mu     sync.RWMutex
	latest map[string]map[string]models.PricePoint // symbol -> source -> point

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the fan-in. maxPriceAge bounds the trailing window
// used for anomaly comparison; onPoint feeds the aggregator.
func NewManager(cfg config.PriceFeedConfig, maxPriceAge time.Duration, m *metrics.Metrics, onPoint PointFunc, onAnomaly AnomalyFunc) *Manager {
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		cfg:         cfg,
		maxPriceAge: maxPriceAge,
		metrics:     m,
		logger:      log.With().Str("component", "pricefeed").Logger(),
		onPoint:     onPoint,
		onAnomaly:   onAnomaly,
		now:         time.Now,
		latest:      make(map[string]map[string]models.PricePoint),
	}
}

// Register adds a source before Start.
func (f *Manager) Register(src Source, cfg config.SourceConfig) {
	ms := &managedSource{src: src, cfg: cfg, rel: newReliability()}
	if ex, ok := src.(*ExchangeSource); ok {
		ex.ReportFailure = func(err error) {
			f.recordFailure(ms)
		}
	}
	f.sources = append(f.sources, ms)
}

// Start launches streaming subscriptions and poll workers.
func (f *Manager) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	for _, ms := range f.sources {
		ms := ms
		err := ms.src.Subscribe(f.ctx, ms.cfg.Symbols, func(p models.PricePoint) {
			f.handlePoint(ms, p, 0)
		})
		switch {
		case err == nil:
			f.logger.Info().Str("source", ms.src.ID()).Msg("streaming source subscribed")
		case errors.Is(err, ErrNotStreaming):
			f.wg.Add(1)
			go f.pollLoop(ms)
		default:
			return err
		}
	}
	return nil
}

// Close stops workers and closes every source.
func (f *Manager) Close() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	for _, ms := range f.sources {
		if err := ms.src.Close(); err != nil {
			f.logger.Warn().Str("source", ms.src.ID()).Err(err).Msg("source close failed")
		}
	}
}

func (f *Manager) pollLoop(ms *managedSource) {
	defer f.wg.Done()
	interval := time.Duration(ms.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			if !ms.rel.allowQuery(f.now()) {
				continue
			}
			for _, symbol := range ms.cfg.Symbols {
				start := f.now()
				point, err := ms.src.Fetch(f.ctx, symbol)
				if err != nil {
					f.recordFailure(ms)
					f.logger.Debug().Str("source", ms.src.ID()).Str("symbol", symbol).
						Err(err).Msg("fetch failed")
					continue
				}
				f.handlePoint(ms, point, f.now().Sub(start))
			}
		}
	}
}

func (f *Manager) recordFailure(ms *managedSource) {
	before := ms.rel.snapshot(ms.src.ID(), ms.src.Kind(), ms.src.Venue()).Failed
	ms.rel.recordFailure(
		f.cfg.FailoverThreshold,
		time.Duration(f.cfg.RetryBaseMS)*time.Millisecond,
		time.Duration(f.cfg.RetryMaxMS)*time.Millisecond,
		f.now(),
	)
	if !before && ms.rel.snapshot(ms.src.ID(), ms.src.Kind(), ms.src.Venue()).Failed {
		f.logger.Warn().Str("source", ms.src.ID()).Msg("source marked failed, backing off")
	}
}

// handlePoint records reliability, runs anomaly detection, and forwards
// the point to the aggregator.
func (f *Manager) handlePoint(ms *managedSource, p models.PricePoint, latency time.Duration) {
	if !p.Valid() {
		f.recordFailure(ms)
		return
	}
	ms.rel.recordSuccess(latency, f.now())
	f.metrics.PricePoints.WithLabelValues(p.Source).Inc()

	f.mu.Lock()
	bySource, ok := f.latest[p.Symbol]
	if !ok {
		bySource = make(map[string]models.PricePoint)
		f.latest[p.Symbol] = bySource
	}
	bySource[p.Source] = p
	f.mu.Unlock()

	if f.onAnomaly != nil {
		if mean, dev, ok := f.deviation(p); ok && dev > f.cfg.AnomalyThreshold {
			f.metrics.Opportunities.WithLabelValues(string(models.TypePriceAnomaly)).Inc()
			f.logger.Warn().Str("source", p.Source).Str("symbol", p.Symbol).
				Float64("price", p.Price).Float64("mean", mean).
				Float64("deviation", dev).Msg("price anomaly detected")
			f.onAnomaly(models.Opportunity{
				ID:         models.NewOpportunityID(),
				Type:       models.TypePriceAnomaly,
				Symbol:     p.Symbol,
				Source:     p.Source,
				DetectedAt: f.now(),
				Urgency:    models.UrgencyCritical,
				Anomaly: &models.AnomalyDetails{
					Price:        p.Price,
					ExpectedMean: mean,
					DeviationPct: dev * 100,
					Source:       p.Source,
				},
			})
		}
	}

	if f.onPoint != nil {
		f.onPoint(p)
	}
}

// deviation compares the point against the mean of the other sources'
// fresh quotes for the same symbol.
func (f *Manager) deviation(p models.PricePoint) (mean, dev float64, ok bool) {
	now := f.now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	var sum float64
	var n int
	for src, other := range f.latest[p.Symbol] {
		if src == p.Source || other.Age(now) > f.maxPriceAge {
			continue
		}
		sum += other.Price
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	mean = sum / float64(n)
	if mean == 0 {
		return 0, 0, false
	}
	return mean, math.Abs(p.Price-mean) / mean, true
}

// Reliability returns the EMA success rate for a source id, 1.0 when
// unknown. The aggregator folds this into point confidence.
func (f *Manager) Reliability(sourceID string) float64 {
	for _, ms := range f.sources {
		if ms.src.ID() == sourceID {
			return ms.rel.Rate()
		}
	}
	return 1.0
}

// Statuses snapshots every source's health for the status API.
func (f *Manager) Statuses() []SourceStatus {
	out := make([]SourceStatus, 0, len(f.sources))
	for _, ms := range f.sources {
		out = append(out, ms.rel.snapshot(ms.src.ID(), ms.src.Kind(), ms.src.Venue()))
	}
	return out
}
