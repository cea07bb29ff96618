package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/models"
	"github.com/arbflow/arbflow/internal/safety"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(config.Default())
	require.NoError(t, e.Initialize())
	return e
}

func TestLifecycle(t *testing.T) {
	e := testEngine(t)
	assert.Error(t, e.Initialize(), "double initialize is refused")
	assert.False(t, e.Healthy())

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()), "double start is refused")
	assert.True(t, e.Healthy())

	e.Pause()
	assert.Equal(t, StatePaused, e.Status().State)
	assert.True(t, e.Healthy(), "paused is still live")

	e.Resume()
	assert.Equal(t, StateRunning, e.Status().State)

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.Status().State)
	assert.False(t, e.Healthy())
	require.NoError(t, e.Stop(), "stop is idempotent")
}

func TestSubmitBlockedWhilePaused(t *testing.T) {
	e := testEngine(t)
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()

	e.submit(models.Opportunity{Type: models.TypePriceAnomaly, DetectedAt: time.Now()})
	assert.Zero(t, e.pipe.Stats().Processed)
}

func TestSubmitBlockedByBreaker(t *testing.T) {
	e := testEngine(t)
	e.breakers.Trip(safety.BreakerEmergency, "test")

	e.submit(models.Opportunity{Type: models.TypePriceAnomaly, DetectedAt: time.Now()})
	assert.Zero(t, e.pipe.Stats().Processed)
}

func TestPoolEventsBecomeOpportunities(t *testing.T) {
	e := testEngine(t)
	e.onPoolEvents([]models.RawEvent{{
		Type: "swap", Contract: "0xpool", Block: 100,
		TxHash: "0xabc", ReceivedAt: time.Now(),
	}})
	assert.Eventually(t, func() bool { return e.pipe.Stats().Processed == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestStatusSnapshot(t *testing.T) {
	e := testEngine(t)
	status := e.Status()
	assert.Equal(t, StateInitialized, status.State)
	assert.True(t, status.TradingAllowed)
	assert.NotEmpty(t, status.Breakers)
	assert.Empty(t, status.Endpoints)
	assert.Zero(t, status.Incidents)
}

func TestApplyConfigUpdatesThresholds(t *testing.T) {
	e := testEngine(t)
	next := config.Default()
	next.Safety.Thresholds.MaxDailyLoss = 1

	e.ApplyConfig(next)
	e.breakers.RecordTrade(-2)
	assert.True(t, e.breakers.Tripped("dailyLoss"))
}