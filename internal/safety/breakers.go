// Package safety is the engine's protective plane: a circuit breaker
// registry, a staged emergency stop, and an incident manager. It is the
// single source of truth for the pipeline's trading gate.
package safety

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

// Duration classes for tripped breakers.
const (
	durationShort     = 5 * time.Minute
	durationMedium    = 30 * time.Minute
	durationLong      = time.Hour
	durationEmergency = 4 * time.Hour
)

// Group buckets breakers by what they watch.
type Group string

const (
	GroupMarket    Group = "market"
	GroupSystem    Group = "system"
	GroupLoss      Group = "loss"
	GroupEmergency Group = "emergency"
)

// BreakerEmergency is the cascade target tripped by critical breakers.
const BreakerEmergency = "emergency"

type breakerDef struct {
	group    Group
	duration time.Duration
	critical bool
}

// The registry is fixed; thresholds are configuration.
var breakerDefs = map[string]breakerDef{
	"extremeVolatility": {GroupMarket, durationShort, false},
	"lowLiquidity":      {GroupMarket, durationShort, false},
	"highGasPrice":      {GroupMarket, durationShort, false},
	"marketCrash":       {GroupMarket, durationLong, true},
	"unusualSpread":     {GroupMarket, durationMedium, false},

	"highErrorRate":     {GroupSystem, durationMedium, false},
	"rpcFailure":        {GroupSystem, durationShort, false},
	"executionDelay":    {GroupSystem, durationShort, false},
	"memoryPressure":    {GroupSystem, durationMedium, false},
	"networkCongestion": {GroupSystem, durationShort, false},

	"dailyLoss":       {GroupLoss, durationLong, true},
	"consecutiveLoss": {GroupLoss, durationMedium, false},
	"drawdown":        {GroupLoss, durationLong, true},
	"hourlyLoss":      {GroupLoss, durationMedium, false},

	BreakerEmergency: {GroupEmergency, durationEmergency, true},
}

type breakerState struct {
	tripped   bool
	trippedAt time.Time
	reason    string
	tripCount int
}

// BreakerStatus is one breaker's externally visible state. TripCount is
// cumulative across recoveries and resets.
type BreakerStatus struct {
	Name      string    `json:"name"`
	Group     Group     `json:"group"`
	Tripped   bool      `json:"tripped"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TripCount int       `json:"trip_count"`
}

// MarketSnapshot is market telemetry pushed by the engine.
type MarketSnapshot struct {
	Volatility   float64 // fraction, from aggregated history
	Liquidity    float64 // combined venue depth, quote units
	GasPriceGwei float64
	PriceDropPct float64 // largest recent drop, percent
	SpreadPct    float64
}

// SystemSnapshot is system telemetry pushed by the engine.
type SystemSnapshot struct {
	ErrorRate        float64 // fraction of failed calls
	RPCFailures      int
	ExecutionDelayMS int
	MemoryPct        float64
	NetworkLatencyMS int
}

// Breakers is the circuit breaker registry with loss accounting.
type Breakers struct {
	cfg     config.SafetyConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	states map[string]*breakerState
	market MarketSnapshot
	system SystemSnapshot

	dailyPnL          float64
	hourlyPnL         float64
	consecutiveLosses int
	currentValue      float64
	peakValue         float64
	lastHourReset     time.Time
	lastDayReset      time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBreakers builds the registry with every breaker armed.
func NewBreakers(cfg config.SafetyConfig, m *metrics.Metrics) *Breakers {
	if m == nil {
		m = metrics.New()
	}
	states := make(map[string]*breakerState, len(breakerDefs))
	for name := range breakerDefs {
		states[name] = &breakerState{}
	}
	now := time.Now()
	b := &Breakers{
		cfg:           cfg,
		metrics:       m,
		logger:        log.With().Str("component", "breakers").Logger(),
		now:           time.Now,
		states:        states,
		lastHourReset: now,
		lastDayReset:  now,
	}
	m.TradingAllowed.Set(1)
	return b
}

// Start runs the periodic checker.
func (b *Breakers) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		interval := time.Duration(b.cfg.MonitoringIntervalMS) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Evaluate()
			}
		}
	}()
}

// Close stops the checker.
func (b *Breakers) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// UpdateThresholds swaps the breaker threshold set, for config reload.
func (b *Breakers) UpdateThresholds(t config.BreakerThresholds) {
	b.mu.Lock()
	b.cfg.Thresholds = t
	b.mu.Unlock()
}

// UpdateMarket replaces the market telemetry used by the next check.
func (b *Breakers) UpdateMarket(snap MarketSnapshot) {
	b.mu.Lock()
	b.market = snap
	b.mu.Unlock()
}

// UpdateSystem replaces the system telemetry used by the next check.
func (b *Breakers) UpdateSystem(snap SystemSnapshot) {
	b.mu.Lock()
	b.system = snap
	b.mu.Unlock()
}

// RecordTrade folds one execution result into the loss accounting and
// re-evaluates the loss breakers. Windows roll on wall time.
func (b *Breakers) RecordTrade(pnl float64) {
	b.mu.Lock()
	b.rollWindowsLocked()
	b.dailyPnL += pnl
	b.hourlyPnL += pnl
	b.currentValue += pnl
	if pnl > 0 {
		b.consecutiveLosses = 0
	} else if pnl < 0 {
		b.consecutiveLosses++
	}
	if b.currentValue > b.peakValue {
		b.peakValue = b.currentValue
	}
	b.mu.Unlock()

	b.metrics.PnL.Set(b.DailyPnL())
	b.Evaluate()
}

func (b *Breakers) rollWindowsLocked() {
	now := b.now()
	if now.Sub(b.lastHourReset) >= time.Hour {
		b.hourlyPnL = 0
		b.lastHourReset = now
	}
	if now.Sub(b.lastDayReset) >= 24*time.Hour {
		b.dailyPnL = 0
		b.lastDayReset = now
	}
}

// Evaluate checks every threshold against current telemetry, trips
// crossed breakers, and recovers expired non-emergency trips.
func (b *Breakers) Evaluate() {
	b.mu.Lock()
	b.rollWindowsLocked()
	t := b.cfg.Thresholds
	now := b.now()

	type crossing struct{ name, reason string }
	var crossed []crossing
	check := func(cond bool, name, reason string) {
		if cond {
			crossed = append(crossed, crossing{name, reason})
		}
	}

	check(t.MaxVolatility > 0 && b.market.Volatility > t.MaxVolatility, "extremeVolatility", "volatility above limit")
	check(t.MinLiquidity > 0 && b.market.Liquidity > 0 && b.market.Liquidity < t.MinLiquidity, "lowLiquidity", "liquidity below floor")
	check(t.MaxGasPriceGwei > 0 && b.market.GasPriceGwei > t.MaxGasPriceGwei, "highGasPrice", "gas price above limit")
	check(t.MarketCrashDropPct > 0 && b.market.PriceDropPct > t.MarketCrashDropPct, "marketCrash", "price drop beyond crash threshold")
	check(t.MaxSpreadPct > 0 && b.market.SpreadPct > t.MaxSpreadPct, "unusualSpread", "spread above limit")

	check(t.MaxErrorRate > 0 && b.system.ErrorRate > t.MaxErrorRate, "highErrorRate", "error rate above limit")
	check(t.MaxRPCFailures > 0 && b.system.RPCFailures > t.MaxRPCFailures, "rpcFailure", "rpc failures above limit")
	check(t.MaxExecutionDelayMS > 0 && b.system.ExecutionDelayMS > t.MaxExecutionDelayMS, "executionDelay", "execution delay above limit")
	check(t.MaxMemoryPct > 0 && b.system.MemoryPct > t.MaxMemoryPct, "memoryPressure", "memory above limit")
	check(t.MaxNetworkLatencyMS > 0 && b.system.NetworkLatencyMS > t.MaxNetworkLatencyMS, "networkCongestion", "network latency above limit")

	check(t.MaxDailyLoss > 0 && b.dailyPnL <= -t.MaxDailyLoss, "dailyLoss", "daily loss limit reached")
	check(t.MaxHourlyLoss > 0 && b.hourlyPnL <= -t.MaxHourlyLoss, "hourlyLoss", "hourly loss limit reached")
	check(t.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= t.MaxConsecutiveLosses, "consecutiveLoss", "consecutive loss limit reached")
	check(t.MaxDrawdownPct > 0 && b.drawdownLocked() > t.MaxDrawdownPct, "drawdown", "drawdown limit reached")

	for _, c := range crossed {
		b.tripLocked(c.name, c.reason, now)
	}
	for name, st := range b.states {
		def := breakerDefs[name]
		if st.tripped && name != BreakerEmergency && now.Sub(st.trippedAt) >= def.duration {
			st.tripped = false
			st.reason = ""
			b.logger.Info().Str("breaker", name).Msg("breaker recovered")
		}
	}
	allowed := b.allowedLocked()
	b.mu.Unlock()

	if allowed {
		b.metrics.TradingAllowed.Set(1)
	} else {
		b.metrics.TradingAllowed.Set(0)
	}
}

func (b *Breakers) drawdownLocked() float64 {
	if b.peakValue <= 0 {
		return 0
	}
	return (b.peakValue - b.currentValue) / b.peakValue
}

// Trip forces one breaker open. Critical breakers cascade to emergency.
func (b *Breakers) Trip(name, reason string) {
	b.mu.Lock()
	b.tripLocked(name, reason, b.now())
	allowed := b.allowedLocked()
	b.mu.Unlock()
	if !allowed {
		b.metrics.TradingAllowed.Set(0)
	}
}

// tripLocked triggers one breaker. Triggering an already-tripped
// breaker only increments its counter; the original trip time and
// reason stand.
func (b *Breakers) tripLocked(name, reason string, now time.Time) {
	st, ok := b.states[name]
	if !ok {
		return
	}
	st.tripCount++
	b.metrics.BreakerTrips.WithLabelValues(name).Inc()
	if !st.tripped {
		st.tripped = true
		st.trippedAt = now
		st.reason = reason
		b.logger.Warn().Str("breaker", name).Str("reason", reason).Msg("breaker tripped")
	}
	if breakerDefs[name].critical && name != BreakerEmergency {
		if !b.states[BreakerEmergency].tripped {
			b.logger.Error().Str("breaker", name).Msg("critical breaker cascaded to emergency")
		}
		b.tripLocked(BreakerEmergency, "cascade from "+name, now)
	}
}

// Reset re-arms one breaker explicitly. The only way back for emergency.
func (b *Breakers) Reset(name string) {
	b.mu.Lock()
	if st, ok := b.states[name]; ok {
		st.tripped = false
		st.reason = ""
	}
	allowed := b.allowedLocked()
	b.mu.Unlock()
	if allowed {
		b.metrics.TradingAllowed.Set(1)
	}
}

func (b *Breakers) allowedLocked() bool {
	for _, st := range b.states {
		if st.tripped {
			return false
		}
	}
	return true
}

// Gate reports whether trading is allowed and, when not, the names of
// every tripped breaker.
func (b *Breakers) Gate() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var reasons []string
	for name, st := range b.states {
		if st.tripped {
			reasons = append(reasons, name)
		}
	}
	sort.Strings(reasons)
	return len(reasons) == 0, reasons
}

// Tripped reports one breaker's state.
func (b *Breakers) Tripped(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.states[name]
	return ok && st.tripped
}

// DailyPnL returns the accumulated loss-window PnL.
func (b *Breakers) DailyPnL() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dailyPnL
}

// Statuses lists every breaker, sorted by name, for the status API.
func (b *Breakers) Statuses() []BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BreakerStatus, 0, len(b.states))
	for name, st := range b.states {
		out = append(out, BreakerStatus{
			Name: name, Group: breakerDefs[name].group,
			Tripped: st.tripped, TrippedAt: st.trippedAt, Reason: st.reason,
			TripCount: st.tripCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
