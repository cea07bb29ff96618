package pipeline

import (
	"math"
	"time"

	"github.com/arbflow/arbflow/internal/models"
)

// MarketConditions is the current market snapshot used by the market
// sub-score, supplied per symbol by the engine's telemetry.
type MarketConditions struct {
	Volatility    float64 // fraction, per aggregated history
	LiquidityTier models.LiquidityTier
	GasGwei       float64
}

// ConditionsFunc resolves current market conditions for one symbol.
type ConditionsFunc func(symbol string) MarketConditions

// score computes the weighted scoring breakdown for one opportunity.
func (p *Pipeline) score(opp models.Opportunity, age, timeout time.Duration) Scores {
	s := Scores{
		Profit:     profitScore(opp),
		Confidence: confidenceScore(opp),
		Liquidity:  liquidityScore(opp),
		Speed:      speedScore(age, timeout),
		Risk:       heuristicRisk(opp),
		Market:     p.marketScore(opp.Symbol),
	}
	s.Total = s.Profit*0.4 + s.Confidence*0.2 + s.Liquidity*0.15 +
		s.Speed*0.1 + (100-s.Risk)*0.1 + s.Market*0.05
	return s
}

// profitScore maps net profit to [0,100]. Mempool-family opportunities
// carry no profit estimate; their priority score stands in, and price
// anomalies use the deviation magnitude.
func profitScore(opp models.Opportunity) float64 {
	if pct := opp.NetProfitPct(); pct > 0 {
		return math.Min(pct*50, 100)
	}
	if m := opp.Mempool; m != nil {
		return clamp(m.PriorityScore, 0, 100)
	}
	if a := opp.Anomaly; a != nil {
		return math.Min(a.DeviationPct*10, 100)
	}
	return 0
}

// confidenceScore maps the opportunity's own confidence to [0,100], or
// falls back to a structural heuristic when the type carries none.
func confidenceScore(opp models.Opportunity) float64 {
	if a := opp.Arbitrage; a != nil {
		if a.Confidence > 0 {
			return math.Min(a.Confidence*100, 100)
		}
		score := 50.0
		if a.SourceCount > 3 {
			score += 20
		}
		if a.LiquidityTier == models.LiquidityHigh {
			score += 15
		}
		if a.PriceImpact.Total < 0.5 {
			score += 15
		}
		return math.Min(score, 100)
	}
	if m := opp.Mempool; m != nil {
		return math.Min(m.Confidence*100, 100)
	}
	return 50
}

func liquidityScore(opp models.Opportunity) float64 {
	tier := models.LiquidityMedium
	if opp.Arbitrage != nil {
		tier = opp.Arbitrage.LiquidityTier
	}
	switch tier {
	case models.LiquidityHigh:
		return 100
	case models.LiquidityLow:
		return 20
	default:
		return 60
	}
}

func speedScore(age, timeout time.Duration) float64 {
	if timeout <= 0 {
		return 0
	}
	return math.Max(0, 100-age.Seconds()/timeout.Seconds()*100)
}

// heuristicRisk estimates risk [0,100] from type, slippage, liquidity
// and urgency. Arbitrage opportunities carry a precomputed risk score
// from detection; it wins when present.
func heuristicRisk(opp models.Opportunity) float64 {
	if a := opp.Arbitrage; a != nil && a.RiskScore > 0 {
		return math.Min(a.RiskScore, 100)
	}
	var risk float64
	switch {
	case opp.Type.IsMEV():
		risk = 60
	case opp.Type == models.TypeMempool:
		risk = 50
	case opp.Type == models.TypePriceAnomaly:
		risk = 55
	case opp.Type == models.TypeBlockchainEvent:
		risk = 40
	default:
		risk = 30
	}
	if a := opp.Arbitrage; a != nil {
		switch {
		case a.PriceImpact.Total > 1.0:
			risk += 15
		case a.PriceImpact.Total > 0.5:
			risk += 8
		}
		switch a.LiquidityTier {
		case models.LiquidityLow:
			risk += 20
		case models.LiquidityMedium:
			risk += 10
		}
	}
	if opp.Urgency == models.UrgencyCritical {
		risk += 10
	}
	return math.Min(risk, 100)
}

// marketScore rates current conditions for the symbol. Neutral 50 when
// no telemetry is wired.
func (p *Pipeline) marketScore(symbol string) float64 {
	if p.conditions == nil {
		return 50
	}
	cond := p.conditions(symbol)
	score := 50.0
	switch {
	case cond.Volatility > 0 && cond.Volatility < 0.02:
		score += 20
	case cond.Volatility > 0.05:
		score -= 20
	}
	switch cond.LiquidityTier {
	case models.LiquidityHigh:
		score += 15
	case models.LiquidityLow:
		score -= 15
	}
	switch {
	case cond.GasGwei > 100:
		score -= 15
	case cond.GasGwei > 0 && cond.GasGwei < 50:
		score += 15
	}
	return clamp(score, 0, 100)
}

// executionPriority ranks queued opportunities for the executor.
func executionPriority(total float64, opp models.Opportunity, age, timeout time.Duration) float64 {
	priority := total
	if opp.Urgency == models.UrgencyCritical {
		priority += 20
	}
	if opp.Type.IsMEV() {
		priority += 15
	}
	if timeout > 0 {
		priority += math.Max(0, 20*(1-age.Seconds()/timeout.Seconds()))
	}
	return math.Min(priority, 150)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
