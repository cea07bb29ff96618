// Package aggregate builds per-symbol consensus prices from source
// points (outlier rejection, confidence weighting) and detects
// cross-venue spread opportunities.
package aggregate

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

// modifiedZCutoff is the outlier bound on the MAD-normalized score.
const modifiedZCutoff = 3.5

// PriceFunc receives each aggregated price.
type PriceFunc func(models.AggregatedPrice)

// OpportunityFunc receives each detected cross-venue opportunity.
type OpportunityFunc func(models.Opportunity)

// ReliabilityFunc resolves a source id to its current EMA success rate.
type ReliabilityFunc func(sourceID string) float64

// Aggregator consumes price points on a single worker and emits
// aggregated prices and price_arbitrage opportunities.
type Aggregator struct {
	cfg         config.AggregatorConfig
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	reliability ReliabilityFunc
	onPrice     PriceFunc
	onOpp       OpportunityFunc
	now         func() time.Time

	mu      sync.RWMutex
	points  map[string]map[string]models.PricePoint // symbol -> source -> freshest point
	history map[string][]models.AggregatedPrice
	emitted map[string]time.Time // cross-venue cooldown per symbol/venue pair

	in     chan models.PricePoint
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the aggregator. reliability may be nil (treated as 1.0).
func New(cfg config.AggregatorConfig, m *metrics.Metrics, reliability ReliabilityFunc, onPrice PriceFunc, onOpp OpportunityFunc) *Aggregator {
	if m == nil {
		m = metrics.New()
	}
	if reliability == nil {
		reliability = func(string) float64 { return 1.0 }
	}
	return &Aggregator{
		cfg:         cfg,
		metrics:     m,
		logger:      log.With().Str("component", "aggregator").Logger(),
		reliability: reliability,
		onPrice:     onPrice,
		onOpp:       onOpp,
		now:         time.Now,
		points:      make(map[string]map[string]models.PricePoint),
		history:     make(map[string][]models.AggregatedPrice),
		emitted:     make(map[string]time.Time),
		in:          make(chan models.PricePoint, 1024),
	}
}

// Start launches the single aggregation worker.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-a.in:
				a.process(p)
			}
		}
	}()
}

// Close stops the worker.
func (a *Aggregator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Ingest enqueues one point; full queue drops the point rather than
// blocking the source.
func (a *Aggregator) Ingest(p models.PricePoint) {
	select {
	case a.in <- p:
	default:
		a.logger.Warn().Str("symbol", p.Symbol).Msg("aggregation queue full, point dropped")
	}
}

// process stores the point and re-aggregates its symbol.
func (a *Aggregator) process(p models.PricePoint) {
	if !p.Valid() {
		return
	}
	a.mu.Lock()
	bySource, ok := a.points[p.Symbol]
	if !ok {
		bySource = make(map[string]models.PricePoint)
		a.points[p.Symbol] = bySource
	}
	bySource[p.Source] = p
	a.mu.Unlock()

	agg, ok := a.Aggregate(p.Symbol)
	if !ok {
		return
	}
	a.metrics.Aggregations.Inc()
	a.pushHistory(agg)
	if a.onPrice != nil {
		a.onPrice(agg)
	}
	a.detectCrossVenue(p.Symbol)
}

// Aggregate computes the consensus price for symbol from the currently
// held fresh points. Pure given fixed observation times and now; returns
// false when fewer than MinSources fresh points exist or every point is
// an outlier.
func (a *Aggregator) Aggregate(symbol string) (models.AggregatedPrice, bool) {
	start := a.now()
	fresh := a.freshPoints(symbol, start)
	if len(fresh) < a.cfg.MinSources {
		return models.AggregatedPrice{}, false
	}

	kept, outliers := a.filterOutliers(fresh)
	if len(kept) == 0 {
		a.metrics.Outliers.Add(float64(len(outliers)))
		return models.AggregatedPrice{}, false
	}
	if len(outliers) > 0 {
		a.metrics.Outliers.Add(float64(len(outliers)))
		for _, o := range outliers {
			a.logger.Debug().Str("symbol", symbol).Str("source", o.Source).
				Float64("price", o.Price).Msg("outlier discarded")
		}
	}

	var weightedSum, weightTotal float64
	var volumeSum, volumePriceSum float64
	var reliabilitySum, ageSum float64
	minP, maxP := math.MaxFloat64, 0.0
	for _, p := range kept {
		w := p.Weight * p.Confidence
		if w <= 0 {
			w = p.Confidence
		}
		weightedSum += p.Price * w
		weightTotal += w
		if p.Volume > 0 {
			volumeSum += p.Volume
			volumePriceSum += p.Price * p.Volume
		}
		reliabilitySum += a.reliability(p.Source)
		ageSum += p.Age(start).Seconds()
		minP = math.Min(minP, p.Price)
		maxP = math.Max(maxP, p.Price)
	}
	if weightTotal == 0 {
		return models.AggregatedPrice{}, false
	}

	price := weightedSum / weightTotal
	spread := (maxP - minP) / minP
	vwap := 0.0
	if volumeSum > 0 {
		vwap = volumePriceSum / volumeSum
	}

	confidence := a.confidence(len(kept), spread, reliabilitySum/float64(len(kept)), ageSum/float64(len(kept)))

	return models.AggregatedPrice{
		Symbol:       symbol,
		Price:        price,
		VWAP:         vwap,
		Confidence:   confidence,
		SpreadPct:    spread * 100,
		SourceCount:  len(kept),
		OutlierCount: len(outliers),
		Points:       kept,
		ProcessedIn:  a.now().Sub(start),
		Timestamp:    start,
	}, true
}

// freshPoints snapshots the symbol's points within MaxPriceAge.
func (a *Aggregator) freshPoints(symbol string, now time.Time) []models.PricePoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.PricePoint, 0, len(a.points[symbol]))
	for _, p := range a.points[symbol] {
		if p.Age(now) <= a.cfg.MaxPriceAge() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// filterOutliers applies the modified Z-score and the relative deviation
// bound against the median.
func (a *Aggregator) filterOutliers(points []models.PricePoint) (kept, outliers []models.PricePoint) {
	if len(points) < 3 {
		// Too few points to call any of them the liar.
		return points, nil
	}
	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	devs := make([]float64, len(prices))
	for i, p := range prices {
		devs[i] = math.Abs(p - median)
	}
	sortedDevs := append([]float64(nil), devs...)
	sort.Float64s(sortedDevs)
	mad := stat.Quantile(0.5, stat.Empirical, sortedDevs, nil)

	for i, p := range points {
		relative := devs[i] / median
		isOutlier := relative > a.cfg.OutlierThreshold
		if !isOutlier && mad > 0 {
			isOutlier = 0.6745*devs[i]/mad > modifiedZCutoff
		}
		if isOutlier {
			outliers = append(outliers, p)
		} else {
			kept = append(kept, p)
		}
	}
	return kept, outliers
}

// confidence follows the agreement model: more sources raise the base,
// spread and staleness discount it, source reliability scales it.
func (a *Aggregator) confidence(sources int, spread, meanReliability, avgAgeSecs float64) float64 {
	c := math.Min(0.4+0.15*float64(sources-1), 0.9)
	c *= math.Max(0.3, 1-10*spread)
	c *= meanReliability
	maxAge := a.cfg.MaxPriceAge().Seconds()
	if maxAge > 0 {
		c *= math.Max(0.5, 1-avgAgeSecs/maxAge)
	}
	return clamp(c, 0.1, 1.0)
}

func (a *Aggregator) pushHistory(agg models.AggregatedPrice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[agg.Symbol], agg)
	if max := a.cfg.HistorySize; max > 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	a.history[agg.Symbol] = h
}

// Volatility estimates recent per-tick return volatility for symbol from
// the aggregation history.
func (a *Aggregator) Volatility(symbol string) float64 {
	a.mu.RLock()
	h := a.history[symbol]
	a.mu.RUnlock()
	if len(h) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(h)-1)
	for i := 1; i < len(h); i++ {
		if h[i-1].Price > 0 {
			returns = append(returns, h[i].Price/h[i-1].Price-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// History returns the retained aggregations for symbol, newest last.
func (a *Aggregator) History(symbol string) []models.AggregatedPrice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.AggregatedPrice(nil), a.history[symbol]...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
