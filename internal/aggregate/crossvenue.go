package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/arbflow/arbflow/internal/models"
)

// crossVenueCooldown suppresses duplicate emissions for the same
// symbol/venue pair while quotes barely move.
const crossVenueCooldown = 5 * time.Second

// detectCrossVenue scans the symbol's fresh quotes, one per venue, and
// emits a price_arbitrage opportunity for every pair whose spread clears
// the fee budget.
func (a *Aggregator) detectCrossVenue(symbol string) {
	if a.onOpp == nil {
		return
	}
	now := a.now()
	fresh := a.freshPoints(symbol, now)

	// Freshest quote per venue; venueless points cannot be arbitraged.
	byVenue := make(map[string]models.PricePoint)
	for _, p := range fresh {
		if p.Venue == "" {
			continue
		}
		if cur, ok := byVenue[p.Venue]; !ok || p.Timestamp.After(cur.Timestamp) {
			byVenue[p.Venue] = p
		}
	}
	if len(byVenue) < 2 {
		return
	}

	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			pa, pb := byVenue[venues[i]], byVenue[venues[j]]
			mean := (pa.Price + pb.Price) / 2
			if mean <= 0 {
				continue
			}
			spreadPct := math.Abs(pa.Price-pb.Price) / mean * 100
			if spreadPct <= a.cfg.FeeBudgetPct {
				continue
			}
			buy, sell := pa, pb
			if buy.Price > sell.Price {
				buy, sell = sell, buy
			}
			key := fmt.Sprintf("%s|%s|%s", symbol, buy.Venue, sell.Venue)
			a.mu.Lock()
			if last, ok := a.emitted[key]; ok && now.Sub(last) < crossVenueCooldown {
				a.mu.Unlock()
				continue
			}
			a.emitted[key] = now
			a.mu.Unlock()

			opp := a.buildArbitrage(symbol, buy, sell, spreadPct, len(fresh), now)
			a.metrics.Opportunities.WithLabelValues(string(models.TypePriceArbitrage)).Inc()
			a.logger.Info().Str("symbol", symbol).
				Str("buy", buy.Venue).Str("sell", sell.Venue).
				Float64("spread_pct", spreadPct).
				Float64("net_pct", opp.Arbitrage.NetProfitPct).
				Msg("cross-venue opportunity")
			a.onOpp(opp)
		}
	}
}

func (a *Aggregator) buildArbitrage(symbol string, buy, sell models.PricePoint, spreadPct float64, sourceCount int, now time.Time) models.Opportunity {
	netPct := spreadPct - a.cfg.FeeBudgetPct
	impact := models.PriceImpact{
		Buy:  legImpactPct(a.cfg.TradeSize, buy.Liquidity),
		Sell: legImpactPct(a.cfg.TradeSize, sell.Liquidity),
	}
	impact.Total = impact.Buy + impact.Sell

	combined := buy.Liquidity + sell.Liquidity
	tier := models.LiquidityLow
	switch {
	case combined >= 2_000_000:
		tier = models.LiquidityHigh
	case combined >= 200_000:
		tier = models.LiquidityMedium
	}

	oldest := buy.Timestamp
	if sell.Timestamp.Before(oldest) {
		oldest = sell.Timestamp
	}

	return models.Opportunity{
		ID:         models.NewOpportunityID(),
		Type:       models.TypePriceArbitrage,
		Symbol:     symbol,
		Source:     buy.Source + "+" + sell.Source,
		DetectedAt: now,
		Urgency:    arbitrageUrgency(netPct),
		Arbitrage: &models.ArbitrageDetails{
			BuyVenue:      buy.Venue,
			SellVenue:     sell.Venue,
			BuyPrice:      buy.Price,
			SellPrice:     sell.Price,
			SpreadPct:     spreadPct,
			FeeBudgetPct:  a.cfg.FeeBudgetPct,
			NetProfitPct:  netPct,
			PriceImpact:   impact,
			Liquidity:     combined,
			LiquidityTier: tier,
			RiskScore:     a.arbitrageRisk(symbol, netPct, spreadPct),
			Confidence:    math.Min(buy.Confidence, sell.Confidence),
			SourceCount:   sourceCount,
			PriceAge:      now.Sub(oldest),
		},
	}
}

// legImpactPct is the square-root impact model, in percent of price.
func legImpactPct(tradeSize, liquidity float64) float64 {
	if liquidity <= 0 || tradeSize <= 0 {
		return 0
	}
	return math.Sqrt(tradeSize/liquidity) * 0.01 * 100
}

// arbitrageRisk combines low-profit, high-spread and volatility
// penalties on a 0..100 scale.
func (a *Aggregator) arbitrageRisk(symbol string, netPct, spreadPct float64) float64 {
	risk := 10.0
	switch {
	case netPct < 0.2:
		risk += 40
	case netPct < 0.5:
		risk += 20
	}
	switch {
	case spreadPct > 5:
		risk += 25
	case spreadPct > 2:
		risk += 10
	}
	risk += math.Min(a.Volatility(symbol)*500, 30)
	return math.Min(risk, 100)
}

func arbitrageUrgency(netPct float64) models.Urgency {
	switch {
	case netPct >= 2:
		return models.UrgencyCritical
	case netPct >= 1:
		return models.UrgencyHigh
	case netPct >= 0.5:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}
