package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

func pipeConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MinProfitThreshold:         0.005,
		MaxRiskScore:               70,
		MaxConcurrentOpportunities: 4,
		OpportunityTimeoutMS:       30_000,
		PriceValidityWindowMS:      10_000,
		RiskAssessmentTimeoutMS:    100,
		HistorySize:                100,
	}
}

func arbOpp(now time.Time) models.Opportunity {
	return models.Opportunity{
		ID:         models.NewOpportunityID(),
		Type:       models.TypePriceArbitrage,
		Symbol:     "WETH-USDC",
		Source:     "aggregator",
		DetectedAt: now.Add(-time.Second),
		Urgency:    models.UrgencyHigh,
		Arbitrage: &models.ArbitrageDetails{
			BuyVenue: "venue-v2", SellVenue: "venue-v3",
			SpreadPct: 1.8, FeeBudgetPct: 0.6, NetProfitPct: 1.2,
			PriceImpact:   models.PriceImpact{Buy: 0.15, Sell: 0.15, Total: 0.3},
			LiquidityTier: models.LiquidityHigh,
			RiskScore:     25, Confidence: 0.8, SourceCount: 4,
			PriceAge: time.Second,
		},
	}
}

func mevOpp(now time.Time, age time.Duration) models.Opportunity {
	return models.Opportunity{
		ID:         models.NewOpportunityID(),
		Type:       models.TypeMEVFrontrun,
		Symbol:     "weth/usdc",
		Source:     "mempool",
		DetectedAt: now.Add(-age),
		Urgency:    models.UrgencyCritical,
		Mempool: &models.MempoolDetails{
			TxHash: "0xabc", Confidence: 0.95, PriorityScore: 72.5,
			ValueEth: 12, MEVRisk: "high", HasOpportunity: true,
		},
	}
}

type stubExecutor struct {
	mu      sync.Mutex
	calls   []string
	entered chan struct{}
	block   chan struct{}
}

func (e *stubExecutor) Execute(_ context.Context, opp models.Opportunity) (models.ExecutionResult, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	e.calls = append(e.calls, opp.ID)
	e.mu.Unlock()
	return models.ExecutionResult{Success: true, PnL: 10, GasUsed: 120_000}, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type stubAssessor struct {
	assessment models.RiskAssessment
	err        error
	delay      time.Duration
}

func (s stubAssessor) Assess(context.Context, models.Opportunity) (models.RiskAssessment, error) {
	if s.delay > 0 {
		time.Sleep(s.delay) // deliberately ignores the deadline
	}
	return s.assessment, s.err
}

func proceedAssessor(risk float64) stubAssessor {
	return stubAssessor{assessment: models.RiskAssessment{
		RiskScore: risk, Recommendation: models.RecommendProceed,
	}}
}

func TestArbitrageExecutes(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	exec := &stubExecutor{}
	p.SetExecutor(exec)

	pctx := p.Process(arbOpp(time.Now()))
	require.NotNil(t, pctx)
	assert.Equal(t, StageExecuted, pctx.Stage)
	require.NotNil(t, pctx.Result)
	assert.True(t, pctx.Result.Success)
	assert.Equal(t, pctx.ID, pctx.Result.OpportunityID)
	assert.Equal(t, 1, exec.callCount())

	stats := p.Stats()
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, int64(1), stats.Terminals[StageExecuted])
}

func TestDuplicateIDProcessedOnce(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	exec := &stubExecutor{}
	p.SetExecutor(exec)

	opp := arbOpp(time.Now())
	require.NotNil(t, p.Process(opp))
	assert.Nil(t, p.Process(opp), "second submission of the same id is ignored")
	assert.Equal(t, 1, exec.callCount())
}

func TestValidationRejections(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(*models.Opportunity)
		reason string
	}{
		{"stale price", func(o *models.Opportunity) { o.Arbitrage.PriceAge = 20 * time.Second }, "stale_price"},
		{"below profit floor", func(o *models.Opportunity) { o.Arbitrage.NetProfitPct = 0.3 }, "below_min_profit"},
		{"missing venue", func(o *models.Opportunity) { o.Arbitrage.SellVenue = "" }, "missing_venue"},
		{"low liquidity", func(o *models.Opportunity) { o.Arbitrage.LiquidityTier = models.LiquidityLow }, "low_liquidity"},
		{"excessive impact", func(o *models.Opportunity) { o.Arbitrage.PriceImpact.Total = 2.5 }, "excessive_price_impact"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(pipeConfig(), metrics.New())
			require.NoError(t, err)
			defer p.Close()
			opp := arbOpp(now)
			tc.mutate(&opp)
			pctx := p.Process(opp)
			require.NotNil(t, pctx)
			assert.Equal(t, StageRejected, pctx.Stage)
			assert.Equal(t, tc.reason, pctx.Reason)
		})
	}
}

func TestMempoolWithoutEdgeRejected(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()

	pctx := p.Process(models.Opportunity{
		ID: models.NewOpportunityID(), Type: models.TypeMempool,
		DetectedAt: time.Now(),
		Mempool:    &models.MempoolDetails{HasOpportunity: false, MEVRisk: "low"},
	})
	require.NotNil(t, pctx)
	assert.Equal(t, StageRejected, pctx.Stage)
	assert.Equal(t, "no_mempool_edge", pctx.Reason)
}

func TestMEVWindowClosed(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()

	pctx := p.Process(mevOpp(time.Now(), 6*time.Second))
	require.NotNil(t, pctx)
	assert.Equal(t, StageRejected, pctx.Stage)
	assert.Equal(t, "mev_window_closed", pctx.Reason)
}

func TestExpiredOpportunity(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()

	opp := arbOpp(time.Now())
	opp.DetectedAt = time.Now().Add(-31 * time.Second)
	pctx := p.Process(opp)
	require.NotNil(t, pctx)
	assert.Equal(t, StageExpired, pctx.Stage)
}

func TestLowScoreRejected(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()

	opp := arbOpp(time.Now())
	opp.Arbitrage.NetProfitPct = 0.55
	opp.Arbitrage.Confidence = 0.3
	opp.Arbitrage.LiquidityTier = models.LiquidityMedium
	opp.Arbitrage.RiskScore = 90
	pctx := p.Process(opp)
	require.NotNil(t, pctx)
	assert.Equal(t, StageLowScore, pctx.Stage)
	assert.Less(t, pctx.Scores.Total, 50.0)
}

func TestAssessorTimeoutTreatedAsDecline(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	p.SetRiskAssessor(stubAssessor{
		delay:      500 * time.Millisecond,
		assessment: models.RiskAssessment{RiskScore: 10, Recommendation: models.RecommendProceed},
	})

	pctx := p.Process(arbOpp(time.Now()))
	require.NotNil(t, pctx)
	assert.Equal(t, StageHighRisk, pctx.Stage)
	assert.Equal(t, 75.0, pctx.Risk.RiskScore)
	assert.Equal(t, models.RecommendDecline, pctx.Risk.Recommendation)
}

func TestAssessorDeclineBlocksExecution(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	exec := &stubExecutor{}
	p.SetExecutor(exec)
	p.SetRiskAssessor(stubAssessor{assessment: models.RiskAssessment{
		RiskScore: 20, Recommendation: models.RecommendDecline,
	}})

	pctx := p.Process(arbOpp(time.Now()))
	require.NotNil(t, pctx)
	assert.Equal(t, StageHighRisk, pctx.Stage)
	assert.Equal(t, "assessor_declined", pctx.Reason)
	assert.Zero(t, exec.callCount())
}

func TestSafetyGateRejectsAdmission(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	p.SetGate(func() (bool, []string) { return false, []string{"dailyLoss"} })

	pctx := p.Process(arbOpp(time.Now()))
	require.NotNil(t, pctx)
	assert.Equal(t, StageRejected, pctx.Stage)
	assert.Equal(t, "safety_gated:dailyLoss", pctx.Reason)
	assert.Zero(t, p.Stats().InFlight)
}

func TestBackpressure(t *testing.T) {
	cfg := pipeConfig()
	cfg.MaxConcurrentOpportunities = 1
	p, err := New(cfg, metrics.New())
	require.NoError(t, err)
	defer p.Close()
	exec := &stubExecutor{entered: make(chan struct{}), block: make(chan struct{})}
	p.SetExecutor(exec)

	first := p.Submit(arbOpp(time.Now()))
	require.NotNil(t, first)
	<-exec.entered // worker now holds the only slot

	second := p.Process(arbOpp(time.Now()))
	require.NotNil(t, second)
	assert.Equal(t, StageBackpressure, second.Stage)
	assert.Equal(t, "max_concurrent_reached", second.Reason)

	close(exec.block)
	assert.Eventually(t, func() bool { return p.Stats().InFlight == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StageExecuted, first.Stage)
}

func TestMEVSpeedGate(t *testing.T) {
	cfg := pipeConfig()
	cfg.OpportunityTimeoutMS = 10_000
	now := time.Now()

	slow, err := New(cfg, metrics.New())
	require.NoError(t, err)
	defer slow.Close()
	slow.SetRiskAssessor(proceedAssessor(40))
	pctx := slow.Process(mevOpp(now, 3*time.Second)) // speed 70
	require.NotNil(t, pctx)
	assert.Equal(t, StageExecutionDeclined, pctx.Stage)
	assert.Equal(t, "mev_too_slow", pctx.Reason)

	fast, err := New(cfg, metrics.New())
	require.NoError(t, err)
	defer fast.Close()
	fast.SetRiskAssessor(proceedAssessor(40))
	exec := &stubExecutor{}
	fast.SetExecutor(exec)
	pctx = fast.Process(mevOpp(now, time.Second)) // speed 90
	require.NotNil(t, pctx)
	assert.Equal(t, StageExecuted, pctx.Stage)
	assert.Equal(t, 1, exec.callCount())
}

func TestDequeueOrderAndComplete(t *testing.T) {
	p, err := New(pipeConfig(), metrics.New())
	require.NoError(t, err)
	defer p.Close()
	p.SetRiskAssessor(proceedAssessor(40))

	now := time.Now()
	arb := p.Process(arbOpp(now))
	mev := p.Process(mevOpp(now, time.Second))
	require.Equal(t, StageQueued, arb.Stage)
	require.Equal(t, StageQueued, mev.Stage)
	assert.Greater(t, mev.Priority, arb.Priority, "critical MEV outranks the arbitrage")

	first := p.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, mev.ID, first.ID)
	second := p.Dequeue()
	require.NotNil(t, second)
	assert.Equal(t, arb.ID, second.ID)
	assert.Nil(t, p.Dequeue())

	p.Complete(second, models.ExecutionResult{Success: true, PnL: 4})
	assert.Equal(t, StageExecuted, second.Stage)
	assert.Equal(t, int64(1), p.Stats().Terminals[StageExecuted])
}

func TestHistoryBounded(t *testing.T) {
	cfg := pipeConfig()
	cfg.HistorySize = 2
	p, err := New(cfg, metrics.New())
	require.NoError(t, err)
	defer p.Close()
	p.SetGate(func() (bool, []string) { return false, []string{"emergency"} })

	for i := 0; i < 5; i++ {
		p.Process(arbOpp(time.Now()))
	}
	assert.Len(t, p.History(), 2)
}

func TestExecutionPriorityCap(t *testing.T) {
	opp := mevOpp(time.Now(), 0)
	priority := executionPriority(140, opp, 0, 30*time.Second)
	assert.Equal(t, 150.0, priority)
}
