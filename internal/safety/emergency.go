package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
)

// Phase tracks the staged shutdown.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseInitiated            Phase = "initiated"
	PhaseTradesCompleting     Phase = "trades_completing"
	PhasePositionsLiquidating Phase = "positions_liquidating"
	PhaseShutdown             Phase = "shutdown"
)

// Level grades the stop.
type Level string

const (
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// Hooks are the actions the stop procedure drives. Nil hooks are
// skipped.
type Hooks struct {
	StopNewTrades      func()
	DrainTrades        func(ctx context.Context) error
	CancelTrades       func()
	ReducePositions    func(fraction float64)
	LiquidatePositions func(ctx context.Context) error
	CloseConnections   func()
	SnapshotState      func()

	// Gradual restart steps, in order.
	Reconnect            func() error
	ResumeMonitoring     func() error
	EnableLimitedTrading func() error
	FullOperations       func() error
}

// Checklist items that must pass before recovery.
var recoveryChecklist = []string{
	"systemHealth", "riskParameters", "marketConditions",
	"capitalAllocation", "testExecutions",
}

// EmergencyStop orchestrates the staged shutdown and its recovery.
type EmergencyStop struct {
	cfg    config.EmergencyStopConfig
	hooks  Hooks
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	phase     Phase
	level     Level
	reason    string
	triggerBy string
	stoppedAt time.Time
	checks    map[string]func() error
}

// NewEmergencyStop builds the stop machine in the idle phase.
func NewEmergencyStop(cfg config.EmergencyStopConfig, hooks Hooks) *EmergencyStop {
	return &EmergencyStop{
		cfg:    cfg,
		hooks:  hooks,
		logger: log.With().Str("component", "emergency_stop").Logger(),
		now:    time.Now,
		phase:  PhaseIdle,
		checks: make(map[string]func() error),
	}
}

// RegisterCheck binds one recovery checklist item. Unregistered items
// fail the checklist.
func (e *EmergencyStop) RegisterCheck(name string, fn func() error) {
	e.mu.Lock()
	e.checks[name] = fn
	e.mu.Unlock()
}

// Trigger runs the level's stop procedure. Safe to call once; repeated
// triggers while active are ignored.
func (e *EmergencyStop) Trigger(ctx context.Context, reason string, level Level, by string) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("emergency stop already active in phase %s", e.phase)
	}
	e.phase = PhaseInitiated
	e.level = level
	e.reason = reason
	e.triggerBy = by
	e.stoppedAt = e.now()
	e.mu.Unlock()

	e.logger.Error().Str("reason", reason).Str("level", string(level)).
		Str("by", by).Msg("emergency stop triggered")

	if e.hooks.StopNewTrades != nil {
		e.hooks.StopNewTrades()
	}

	e.setPhase(PhaseTradesCompleting)
	if e.hooks.DrainTrades != nil {
		dctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TradeCompletionTimeoutMS)*time.Millisecond)
		err := e.hooks.DrainTrades(dctx)
		cancel()
		if err != nil && e.hooks.CancelTrades != nil {
			e.logger.Warn().Err(err).Msg("trade drain timed out, force cancelling")
			e.hooks.CancelTrades()
		}
	}

	if level != LevelWarning {
		e.setPhase(PhasePositionsLiquidating)
		if e.hooks.ReducePositions != nil {
			e.hooks.ReducePositions(0.5)
		}
		if level == LevelEmergency && e.hooks.LiquidatePositions != nil {
			lctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.PositionLiquidationTimeoutMS)*time.Millisecond)
			if err := e.hooks.LiquidatePositions(lctx); err != nil {
				e.logger.Error().Err(err).Msg("position liquidation failed")
			}
			cancel()
		}
	}

	if level == LevelEmergency && e.hooks.CloseConnections != nil {
		e.hooks.CloseConnections()
	}
	if e.hooks.SnapshotState != nil {
		e.hooks.SnapshotState()
	}
	e.setPhase(PhaseShutdown)
	return nil
}

func (e *EmergencyStop) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.logger.Info().Str("phase", string(p)).Msg("emergency stop phase")
}

// Active reports whether a stop is in progress or completed unrecovered.
func (e *EmergencyStop) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase != PhaseIdle
}

// Status reports the current phase and level.
func (e *EmergencyStop) Status() (Phase, Level, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase, e.level, e.reason
}

// ResetEmergencyLevel downgrades an emergency-level stop so Recover may
// proceed. Emergency stops are otherwise non-recoverable.
func (e *EmergencyStop) ResetEmergencyLevel(by string) {
	e.mu.Lock()
	if e.level == LevelEmergency {
		e.level = LevelCritical
		e.logger.Warn().Str("by", by).Msg("emergency level explicitly reset")
	}
	e.mu.Unlock()
}

// Recover validates the checklist and performs the gradual restart:
// reconnect, resume monitoring, limited trading, full operations, each
// step separated by gradualRestartDelay/3.
func (e *EmergencyStop) Recover(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseShutdown {
		e.mu.Unlock()
		return fmt.Errorf("cannot recover from phase %s", e.phase)
	}
	if e.level == LevelEmergency {
		e.mu.Unlock()
		return fmt.Errorf("emergency-level stop requires explicit reset")
	}
	wait := time.Duration(e.cfg.MinRecoveryWaitTimeMS) * time.Millisecond
	if since := e.now().Sub(e.stoppedAt); since < wait {
		e.mu.Unlock()
		return fmt.Errorf("recovery wait not elapsed: %s of %s", since, wait)
	}
	checks := make(map[string]func() error, len(e.checks))
	for k, v := range e.checks {
		checks[k] = v
	}
	e.mu.Unlock()

	for _, item := range recoveryChecklist {
		fn, ok := checks[item]
		if !ok {
			return fmt.Errorf("recovery checklist item %s not registered", item)
		}
		if err := fn(); err != nil {
			return fmt.Errorf("recovery checklist item %s failed: %w", item, err)
		}
	}

	stepDelay := time.Duration(e.cfg.GradualRestartDelayMS) * time.Millisecond / 3
	steps := []struct {
		name string
		fn   func() error
	}{
		{"reconnect", e.hooks.Reconnect},
		{"resume_monitoring", e.hooks.ResumeMonitoring},
		{"limited_trading", e.hooks.EnableLimitedTrading},
		{"full_operations", e.hooks.FullOperations},
	}
	for i, step := range steps {
		if i > 0 && stepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stepDelay):
			}
		}
		if step.fn != nil {
			if err := step.fn(); err != nil {
				return fmt.Errorf("restart step %s: %w", step.name, err)
			}
		}
		e.logger.Info().Str("step", step.name).Msg("gradual restart step complete")
	}

	e.mu.Lock()
	e.phase = PhaseIdle
	e.reason = ""
	e.mu.Unlock()
	return nil
}
