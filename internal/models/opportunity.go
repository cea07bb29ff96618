package models

import (
	"time"

	"github.com/google/uuid"
)

// OpportunityType tags the origin and shape of a candidate trade.
type OpportunityType string

const (
	TypePriceArbitrage  OpportunityType = "price_arbitrage"
	TypeMempool         OpportunityType = "mempool"
	TypeMEVSandwich     OpportunityType = "mev_sandwich"
	TypeMEVFrontrun     OpportunityType = "mev_frontrun"
	TypePriceAnomaly    OpportunityType = "price_anomaly"
	TypeBlockchainEvent OpportunityType = "blockchain_event"
)

// IsMEV reports whether the type is a mempool-derived MEV pattern.
func (t OpportunityType) IsMEV() bool {
	return t == TypeMEVSandwich || t == TypeMEVFrontrun
}

// Urgency orders opportunities by how quickly they decay.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Rank maps urgency to a comparable integer, higher is more urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// LiquidityTier buckets combined venue depth.
type LiquidityTier string

const (
	LiquidityLow    LiquidityTier = "low"
	LiquidityMedium LiquidityTier = "medium"
	LiquidityHigh   LiquidityTier = "high"
)

// PriceImpact is the square-root-model impact estimate per leg.
type PriceImpact struct {
	Buy   float64 `json:"buy"`
	Sell  float64 `json:"sell"`
	Total float64 `json:"total"`
}

// ArbitrageDetails is the payload of a price_arbitrage opportunity.
type ArbitrageDetails struct {
	BuyVenue      string        `json:"buy_venue"`
	SellVenue     string        `json:"sell_venue"`
	BuyPrice      float64       `json:"buy_price"`
	SellPrice     float64       `json:"sell_price"`
	SpreadPct     float64       `json:"spread_pct"`
	FeeBudgetPct  float64       `json:"fee_budget_pct"`
	NetProfitPct  float64       `json:"net_profit_pct"`
	PriceImpact   PriceImpact   `json:"price_impact"`
	Liquidity     float64       `json:"liquidity"`
	LiquidityTier LiquidityTier `json:"liquidity_tier"`
	RiskScore     float64       `json:"risk_score"`
	Confidence    float64       `json:"confidence"`
	SourceCount   int           `json:"source_count"`
	PriceAge      time.Duration `json:"price_age"`
}

// MempoolDetails is the payload of mempool and MEV-pattern opportunities.
type MempoolDetails struct {
	TxHash         string   `json:"tx_hash"`
	To             string   `json:"to,omitempty"`
	GasPriceGwei   float64  `json:"gas_price_gwei"`
	ValueEth       float64  `json:"value_eth"`
	TokenPair      string   `json:"token_pair,omitempty"`
	Bundle         []string `json:"bundle,omitempty"` // tx hashes, sandwich only
	Confidence     float64  `json:"confidence"`
	PriorityScore  float64  `json:"priority_score"`
	HasOpportunity bool     `json:"has_opportunity"`
	MEVRisk        string   `json:"mev_risk,omitempty"` // low|medium|high
}

// AnomalyDetails is the payload of a price_anomaly opportunity.
type AnomalyDetails struct {
	Price        float64 `json:"price"`
	ExpectedMean float64 `json:"expected_mean"`
	DeviationPct float64 `json:"deviation_pct"`
	Source       string  `json:"source"`
}

// EventDetails is the payload of a blockchain_event opportunity.
type EventDetails struct {
	Contract string         `json:"contract"`
	Event    string         `json:"event"` // swap|mint|burn
	Block    uint64         `json:"block"`
	TxHash   string         `json:"tx_hash"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Opportunity is a structured candidate trade presented to the pipeline.
// Created by the aggregator or the mempool listener; mutated only by the
// pipeline after admission.
type Opportunity struct {
	ID         string          `json:"id"`
	Type       OpportunityType `json:"type"`
	Symbol     string          `json:"symbol"`
	Source     string          `json:"source"`
	DetectedAt time.Time       `json:"detected_at"`
	Urgency    Urgency         `json:"urgency"`

	Arbitrage *ArbitrageDetails `json:"arbitrage,omitempty"`
	Mempool   *MempoolDetails   `json:"mempool,omitempty"`
	Anomaly   *AnomalyDetails   `json:"anomaly,omitempty"`
	Event     *EventDetails     `json:"event,omitempty"`
}

// NewOpportunityID returns a fresh stable opportunity id.
func NewOpportunityID() string {
	return uuid.NewString()
}

// Age returns elapsed time since detection.
func (o *Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DetectedAt)
}

// NetProfitPct returns the type-specific net profit estimate in percent,
// zero when the type carries none.
func (o *Opportunity) NetProfitPct() float64 {
	if o.Arbitrage != nil {
		return o.Arbitrage.NetProfitPct
	}
	return 0
}

// Recommendation is a risk assessor verdict.
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendCaution Recommendation = "caution"
	RecommendDecline Recommendation = "decline"
)

// RiskAssessment is the external assessor's verdict for one opportunity.
type RiskAssessment struct {
	RiskScore      float64        `json:"risk_score"` // [0,100], higher is worse
	Factors        []string       `json:"factors,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// ExecutionResult reports the outcome of one executor call.
type ExecutionResult struct {
	OpportunityID string  `json:"opportunity_id"`
	Success       bool    `json:"success"`
	PnL           float64 `json:"pnl"`
	GasUsed       uint64  `json:"gas_used"`
	TxRef         string  `json:"tx_ref,omitempty"`
}
