// Package pipeline runs each opportunity through a staged decision
// machine (validation, scoring, risk assessment, execution decision)
// under bounded concurrency, and hands survivors to the executor in
// priority order.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

const (
	defaultHistorySize = 1000
	maxMEVAge          = 5 * time.Second
	maxImpactPct       = 2.0
)

// Executor executes one queued opportunity. Called at most once per
// opportunity id.
type Executor interface {
	Execute(ctx context.Context, opp models.Opportunity) (models.ExecutionResult, error)
}

// RiskAssessor produces a risk verdict within the caller's deadline.
type RiskAssessor interface {
	Assess(ctx context.Context, opp models.Opportunity) (models.RiskAssessment, error)
}

// GateFunc is the safety plane's trading gate.
type GateFunc func() (allowed bool, reasons []string)

// Stats is a point-in-time pipeline summary.
type Stats struct {
	InFlight  int             `json:"in_flight"`
	Queued    int             `json:"queued"`
	Processed int64           `json:"processed"`
	Terminals map[Stage]int64 `json:"terminals"`
}

// Pipeline is the opportunity decision machine.
type Pipeline struct {
	cfg     config.PipelineConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	gate       GateFunc
	assessor   RiskAssessor
	executor   Executor
	conditions ConditionsFunc
	onResult   func(models.ExecutionResult)

	pool *ants.Pool

	mu        sync.Mutex
	inflight  int
	issued    map[string]struct{}
	executed  map[string]struct{}
	queue     *execHeap
	history   []*Context
	processed int64
	terminals map[Stage]int64
}

// New builds the pipeline with a bounded worker pool.
func New(cfg config.PipelineConfig, m *metrics.Metrics) (*Pipeline, error) {
	if m == nil {
		m = metrics.New()
	}
	size := cfg.MaxConcurrentOpportunities
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("pipeline: worker pool: %w", err)
	}
	return &Pipeline{
		cfg:       cfg,
		metrics:   m,
		logger:    log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
		pool:      pool,
		issued:    make(map[string]struct{}),
		executed:  make(map[string]struct{}),
		queue:     newExecHeap(),
		terminals: make(map[Stage]int64),
	}, nil
}

// SetGate wires the safety plane's trading gate.
func (p *Pipeline) SetGate(gate GateFunc) { p.gate = gate }

// SetRiskAssessor wires the external risk assessor.
func (p *Pipeline) SetRiskAssessor(a RiskAssessor) { p.assessor = a }

// SetExecutor wires the external executor.
func (p *Pipeline) SetExecutor(e Executor) { p.executor = e }

// SetConditions wires the market telemetry used by the market sub-score.
func (p *Pipeline) SetConditions(f ConditionsFunc) { p.conditions = f }

// OnResult registers a callback for every execution result.
func (p *Pipeline) OnResult(f func(models.ExecutionResult)) { p.onResult = f }

// Close releases the worker pool.
func (p *Pipeline) Close() { p.pool.Release() }

// Submit admits an opportunity and processes it on the worker pool.
// Returns the context, already terminal when admission failed, or nil
// for a duplicate id.
func (p *Pipeline) Submit(opp models.Opportunity) *Context {
	pctx := p.admit(opp)
	if pctx == nil || pctx.Stage.Terminal() {
		return pctx
	}
	if err := p.pool.Submit(func() { p.run(pctx) }); err != nil {
		p.finish(pctx, StageBackpressure, "worker_pool_full")
	}
	return pctx
}

// Process admits and runs an opportunity inline, returning its terminal
// context.
func (p *Pipeline) Process(opp models.Opportunity) *Context {
	pctx := p.admit(opp)
	if pctx == nil || pctx.Stage.Terminal() {
		return pctx
	}
	p.run(pctx)
	return pctx
}

// admit gates and bounds intake. The safety gate is consulted first,
// then backpressure, then the issued-id set.
func (p *Pipeline) admit(opp models.Opportunity) *Context {
	if opp.ID == "" {
		opp.ID = models.NewOpportunityID()
	}
	now := p.now()
	pctx := &Context{ID: opp.ID, Opportunity: opp, Stage: StageDetected, AdmittedAt: now}

	if p.gate != nil {
		if allowed, reasons := p.gate(); !allowed {
			gate := "unknown"
			if len(reasons) > 0 {
				gate = reasons[0]
			}
			p.record(pctx)
			p.finish(pctx, StageRejected, "safety_gated:"+gate)
			return pctx
		}
	}

	p.mu.Lock()
	if _, dup := p.issued[opp.ID]; dup {
		p.mu.Unlock()
		return nil
	}
	if p.inflight >= p.cfg.MaxConcurrentOpportunities {
		p.issued[opp.ID] = struct{}{}
		p.mu.Unlock()
		p.record(pctx)
		p.finish(pctx, StageBackpressure, "max_concurrent_reached")
		return pctx
	}
	p.issued[opp.ID] = struct{}{}
	p.inflight++
	pctx.admitted = true
	p.mu.Unlock()

	p.metrics.InFlight.Inc()
	p.record(pctx)
	return pctx
}

// record notes a context in the bounded history ring.
func (p *Pipeline) record(pctx *Context) {
	cap := p.cfg.HistorySize
	if cap <= 0 {
		cap = defaultHistorySize
	}
	p.mu.Lock()
	p.history = append(p.history, pctx)
	if len(p.history) > cap {
		p.history = p.history[len(p.history)-cap:]
	}
	p.mu.Unlock()
}

// run advances one context through the stage machine. Stage boundaries
// are the cancellation points: the deadline is re-checked before each
// stage.
func (p *Pipeline) run(pctx *Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Str("id", pctx.ID).Any("panic", rec).Msg("stage panicked")
			p.finish(pctx, StageError, "panic")
		}
	}()

	timeout := p.cfg.OpportunityTimeout()
	deadline := pctx.Opportunity.DetectedAt.Add(timeout)

	for _, stage := range []func(*Context) (Stage, string){
		p.validate, p.scoreStage, p.assessRisk, p.decide,
	} {
		if p.now().After(deadline) {
			p.finish(pctx, StageExpired, "deadline_exceeded")
			return
		}
		started := p.now()
		next, reason := stage(pctx)
		p.metrics.StageLatency.Observe(p.now().Sub(started).Seconds())
		p.metrics.StageResults.WithLabelValues(string(pctx.Stage), string(next)).Inc()
		if next.Terminal() {
			p.finish(pctx, next, reason)
			return
		}
		pctx.Stage = next
	}

	p.enqueue(pctx, timeout)
	if p.executor != nil {
		p.executeNext()
	}
}

func (p *Pipeline) validate(pctx *Context) (Stage, string) {
	pctx.Stage = StageValidation
	opp := &pctx.Opportunity
	now := p.now()
	age := opp.Age(now)
	timeout := p.cfg.OpportunityTimeout()

	if age > timeout {
		return StageExpired, "detection_too_old"
	}
	if a := opp.Arbitrage; a != nil {
		window := time.Duration(p.cfg.PriceValidityWindowMS) * time.Millisecond
		if a.PriceAge > window {
			return StageRejected, "stale_price"
		}
		if a.NetProfitPct < p.cfg.MinProfitThreshold*100 {
			return StageRejected, "below_min_profit"
		}
		if a.BuyVenue == "" || a.SellVenue == "" {
			return StageRejected, "missing_venue"
		}
		if a.LiquidityTier == models.LiquidityLow {
			return StageRejected, "low_liquidity"
		}
		if a.PriceImpact.Total > maxImpactPct {
			return StageRejected, "excessive_price_impact"
		}
	}
	if opp.Type.IsMEV() && age > maxMEVAge {
		return StageRejected, "mev_window_closed"
	}
	if opp.Type == models.TypeMempool {
		m := opp.Mempool
		if m == nil || (!m.HasOpportunity && m.MEVRisk != "high") {
			return StageRejected, "no_mempool_edge"
		}
	}
	return StageScoring, ""
}

func (p *Pipeline) scoreStage(pctx *Context) (Stage, string) {
	age := pctx.Opportunity.Age(p.now())
	pctx.Scores = p.score(pctx.Opportunity, age, p.cfg.OpportunityTimeout())
	if pctx.Scores.Total < 50 {
		return StageLowScore, "total_below_50"
	}
	return StageRiskAssessment, ""
}

// assessRisk delegates to the registered assessor under the assessment
// timeout. Timeout or error is treated as riskScore 75, declined.
func (p *Pipeline) assessRisk(pctx *Context) (Stage, string) {
	if p.assessor == nil {
		pctx.Risk = fallbackAssessment(pctx.Scores.Risk)
		return StageExecutionDecision, ""
	}
	timeout := time.Duration(p.cfg.RiskAssessmentTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type verdict struct {
		assessment models.RiskAssessment
		err        error
	}
	ch := make(chan verdict, 1)
	go func() {
		a, err := p.assessor.Assess(ctx, pctx.Opportunity)
		ch <- verdict{a, err}
	}()
	select {
	case v := <-ch:
		if v.err != nil {
			pctx.Risk = models.RiskAssessment{
				RiskScore:      75,
				Factors:        []string{"assessment_error"},
				Recommendation: models.RecommendDecline,
			}
		} else {
			pctx.Risk = v.assessment
		}
	case <-ctx.Done():
		pctx.Risk = models.RiskAssessment{
			RiskScore:      75,
			Factors:        []string{"assessment_timeout"},
			Recommendation: models.RecommendDecline,
		}
	}
	return StageExecutionDecision, ""
}

// fallbackAssessment converts the heuristic risk sub-score into a
// verdict when no assessor is wired.
func fallbackAssessment(risk float64) models.RiskAssessment {
	rec := models.RecommendProceed
	switch {
	case risk >= 70:
		rec = models.RecommendDecline
	case risk >= 50:
		rec = models.RecommendCaution
	}
	return models.RiskAssessment{RiskScore: risk, Recommendation: rec}
}

func (p *Pipeline) decide(pctx *Context) (Stage, string) {
	if pctx.Risk.RiskScore > p.cfg.MaxRiskScore {
		return StageHighRisk, "risk_above_max"
	}
	if pctx.Risk.Recommendation == models.RecommendDecline {
		return StageHighRisk, "assessor_declined"
	}
	if pctx.Scores.Total < 60 {
		return StageExecutionDeclined, "score_below_60"
	}
	opp := &pctx.Opportunity
	if opp.Type.IsMEV() && pctx.Scores.Speed <= 80 {
		return StageExecutionDeclined, "mev_too_slow"
	}
	if opp.Type == models.TypePriceArbitrage &&
		(pctx.Scores.Profit <= 40 || pctx.Scores.Confidence <= 60) {
		return StageExecutionDeclined, "weak_arbitrage"
	}
	return StageQueued, ""
}

func (p *Pipeline) enqueue(pctx *Context, timeout time.Duration) {
	age := pctx.Opportunity.Age(p.now())
	pctx.Priority = executionPriority(pctx.Scores.Total, pctx.Opportunity, age, timeout)
	pctx.Stage = StageQueued
	p.mu.Lock()
	p.queue.push(pctx)
	p.mu.Unlock()
}

// executeNext pops the highest-priority queued context and executes it.
// The safety gate is consulted again here; a closed gate rejects the
// popped context without calling the executor.
func (p *Pipeline) executeNext() {
	p.mu.Lock()
	pctx := p.queue.pop()
	if pctx != nil {
		if _, done := p.executed[pctx.ID]; done {
			p.mu.Unlock()
			return
		}
		p.executed[pctx.ID] = struct{}{}
	}
	p.mu.Unlock()
	if pctx == nil {
		return
	}

	if p.gate != nil {
		if allowed, reasons := p.gate(); !allowed {
			gate := "unknown"
			if len(reasons) > 0 {
				gate = reasons[0]
			}
			p.finish(pctx, StageRejected, "safety_gated:"+gate)
			return
		}
	}

	deadline := pctx.Opportunity.DetectedAt.Add(p.cfg.OpportunityTimeout())
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	res, err := p.executor.Execute(ctx, pctx.Opportunity)
	if err != nil {
		p.metrics.Executions.WithLabelValues("error").Inc()
		p.finish(pctx, StageError, "executor_error")
		return
	}
	res.OpportunityID = pctx.ID
	pctx.Result = &res
	if res.Success {
		p.metrics.Executions.WithLabelValues("success").Inc()
	} else {
		p.metrics.Executions.WithLabelValues("failure").Inc()
	}
	if p.onResult != nil {
		p.onResult(res)
	}
	p.finish(pctx, StageExecuted, "")
}

// Dequeue hands the highest-priority queued context to an external
// executor, enforcing the at-most-once id contract. Nil when empty.
func (p *Pipeline) Dequeue() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		pctx := p.queue.pop()
		if pctx == nil {
			return nil
		}
		if _, done := p.executed[pctx.ID]; done {
			continue
		}
		p.executed[pctx.ID] = struct{}{}
		return pctx
	}
}

// Complete reports an external executor's result for a dequeued context.
func (p *Pipeline) Complete(pctx *Context, res models.ExecutionResult) {
	res.OpportunityID = pctx.ID
	pctx.Result = &res
	if res.Success {
		p.metrics.Executions.WithLabelValues("success").Inc()
	} else {
		p.metrics.Executions.WithLabelValues("failure").Inc()
	}
	if p.onResult != nil {
		p.onResult(res)
	}
	p.finish(pctx, StageExecuted, "")
}

// finish moves a context to its terminal stage exactly once.
func (p *Pipeline) finish(pctx *Context, terminal Stage, reason string) {
	p.mu.Lock()
	if pctx.Stage.Terminal() {
		p.mu.Unlock()
		return
	}
	released := pctx.admitted
	pctx.admitted = false
	pctx.Stage = terminal
	pctx.Reason = reason
	pctx.FinishedAt = p.now()
	p.processed++
	p.terminals[terminal]++
	if released {
		p.inflight--
	}
	p.mu.Unlock()

	if released {
		p.metrics.InFlight.Dec()
	}
	p.metrics.StageResults.WithLabelValues(string(terminal), "terminal").Inc()
	p.logger.Debug().Str("id", pctx.ID).Str("stage", string(terminal)).
		Str("reason", reason).Msg("opportunity finished")
}

// History returns a copy of the retained contexts, oldest first.
func (p *Pipeline) History() []*Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Context, len(p.history))
	copy(out, p.history)
	return out
}

// Stats summarizes pipeline state for the status API.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	terms := make(map[Stage]int64, len(p.terminals))
	for k, v := range p.terminals {
		terms[k] = v
	}
	return Stats{
		InFlight:  p.inflight,
		Queued:    p.queue.Len(),
		Processed: p.processed,
		Terminals: terms,
	}
}
