package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

func incidentConfig() config.IncidentConfig {
	return config.IncidentConfig{
		// A coarse interval against a short window keeps the EMA
		// responsive enough for deterministic tests.
		DetectionIntervalMS: 600_000,
		AnomalyThreshold:    3,
		CascadeTimeoutMS:    60_000,
		MaxRecoveryAttempts: 2,
		EscalationTimeoutMS: 1_000,
		BaselineWindowHours: 1,
	}
}

type recordingSink struct {
	mu         sync.Mutex
	categories []string
}

func (s *recordingSink) Send(_ context.Context, category string, _ map[string]any) error {
	s.mu.Lock()
	s.categories = append(s.categories, category)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.categories...)
}

// warm feeds mildly noisy samples until the metric baseline is ready.
func warm(im *IncidentManager, samples map[string]float64, metric string, base float64, ticks int) {
	for i := 0; i < ticks; i++ {
		samples[metric] = base + float64(i%2)
		im.Detect(context.Background())
	}
}

func TestMetricAnomalyLifecycle(t *testing.T) {
	samples := map[string]float64{}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })

	warm(im, samples, "gas_gwei", 50, 20)
	require.Empty(t, im.Active(), "baseline data is not anomalous")

	samples["gas_gwei"] = 80
	im.Detect(context.Background())
	active := im.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "metric_anomaly", active[0].Type)
	assert.Equal(t, "gas_gwei", active[0].Metric)
	assert.Equal(t, IncidentValidating, active[0].Status,
		"empty response procedure and no validators move straight to validation")

	samples["gas_gwei"] = 50
	im.Detect(context.Background())
	assert.Empty(t, im.Active())
	history := im.History()
	require.Len(t, history, 1)
	assert.Equal(t, IncidentResolved, history[0].Status)
	assert.False(t, history[0].ResolvedAt.IsZero())
}

func TestResourceExhaustionLifecycle(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.92}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })
	sink := &recordingSink{}
	im.SetAlertSink(sink)

	mitigated := false
	im.RegisterResponse("resource_exhaustion", []ResponseStep{
		{Name: "shed_load", Timeout: time.Second, Run: func(context.Context) error {
			mitigated = true
			return nil
		}},
	})
	im.RegisterValidator(Validator{Name: "mitigation_applied", Required: true,
		Check: func() bool { return mitigated }})

	im.Detect(context.Background())
	active := im.Active()
	require.Len(t, active, 1)
	inc := active[0]
	assert.Equal(t, "resource_exhaustion", inc.Type)
	assert.Equal(t, SeverityHigh, inc.Severity)
	assert.True(t, mitigated)

	samples["cpu_pct"], samples["memory_pct"] = 0.4, 0.5
	im.Detect(context.Background())
	require.Empty(t, im.Active())

	var statuses []IncidentStatus
	for _, change := range inc.Timeline {
		statuses = append(statuses, change.Status)
	}
	assert.Equal(t, []IncidentStatus{
		IncidentDetected, IncidentResponding, IncidentValidating, IncidentResolved,
	}, statuses)
	assert.Contains(t, sink.sent(), "incident")
}

func TestFailedValidationRetriesThenEscalates(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.92}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })
	escalated := make(chan *Incident, 1)
	im.OnCriticalEscalation(func(inc *Incident) { escalated <- inc })

	attempts := 0
	failedOver := false
	im.RegisterResponse("resource_exhaustion", []ResponseStep{
		{Name: "shed_load", Timeout: time.Second, Retries: 1, Run: func(context.Context) error {
			attempts++
			return errors.New("still overloaded")
		}},
	})
	im.RegisterFailover("resource_exhaustion", func() error {
		failedOver = true
		return nil
	})
	im.RegisterValidator(Validator{Name: "resources", Required: true,
		Check: func() bool { return false }})

	im.Detect(context.Background())
	active := im.Active()
	require.Len(t, active, 1)
	inc := active[0]
	assert.Equal(t, IncidentEscalated, inc.Status)
	assert.Equal(t, SeverityCritical, inc.Severity, "high escalates one level to critical")
	assert.Equal(t, 2, inc.Attempts)
	assert.Equal(t, 4, attempts, "two attempts, each with one retry")
	assert.True(t, failedOver)

	select {
	case got := <-escalated:
		assert.Equal(t, inc.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("critical escalation hook never fired")
	}
}

func TestEscalatedIncidentRequiresValidatorsToResolve(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.90}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })

	healthy := false
	im.RegisterValidator(Validator{Name: "system_health", Required: true,
		Check: func() bool { return healthy }})

	im.Detect(context.Background())
	require.Len(t, im.Active(), 1)
	inc := im.Active()[0]
	require.Equal(t, IncidentEscalated, inc.Status, "required validator never passed")

	samples["cpu_pct"], samples["memory_pct"] = 0.4, 0.5
	im.Detect(context.Background())
	require.Len(t, im.Active(), 1, "normalized metrics alone must not resolve")
	assert.NotEqual(t, IncidentResolved, inc.Status)

	healthy = true
	im.Detect(context.Background())
	assert.Empty(t, im.Active())
	assert.Equal(t, IncidentResolved, inc.Status)

	var statuses []IncidentStatus
	for _, change := range inc.Timeline {
		statuses = append(statuses, change.Status)
	}
	assert.Equal(t, IncidentValidating, statuses[len(statuses)-2],
		"the validator pass is recorded before resolution")
}

func TestFailoverPathRecordedInTimeline(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.92}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })

	im.RegisterResponse("resource_exhaustion", []ResponseStep{
		{Name: "shed_load", Timeout: time.Second, Run: func(context.Context) error {
			return errors.New("no capacity to shed")
		}},
	})
	recovered := false
	im.RegisterFailover("resource_exhaustion", func() error {
		recovered = true
		return nil
	})
	im.RegisterValidator(Validator{Name: "capacity", Required: true,
		Check: func() bool { return recovered }})

	im.Detect(context.Background())
	require.Len(t, im.Active(), 1)
	inc := im.Active()[0]
	assert.Equal(t, IncidentValidating, inc.Status)

	var statuses []IncidentStatus
	for _, change := range inc.Timeline {
		statuses = append(statuses, change.Status)
	}
	assert.Equal(t, []IncidentStatus{
		IncidentDetected, IncidentResponding, IncidentResponseFailed,
		IncidentFailoverInProgress, IncidentValidating,
	}, statuses)
}

func TestFailoverFailureEscalates(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.92}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })

	im.RegisterResponse("resource_exhaustion", []ResponseStep{
		{Name: "shed_load", Timeout: time.Second, Run: func(context.Context) error {
			return errors.New("no capacity to shed")
		}},
	})
	im.RegisterFailover("resource_exhaustion", func() error {
		return errors.New("standby pool down")
	})
	im.RegisterValidator(Validator{Name: "capacity", Required: true,
		Check: func() bool { return false }})

	im.Detect(context.Background())
	require.Len(t, im.Active(), 1)
	inc := im.Active()[0]
	assert.Equal(t, IncidentEscalated, inc.Status)

	var statuses []IncidentStatus
	for _, change := range inc.Timeline {
		statuses = append(statuses, change.Status)
	}
	assert.Contains(t, statuses, IncidentResponseFailed)
	assert.Contains(t, statuses, IncidentFailoverInProgress)
	assert.Contains(t, statuses, IncidentFailoverFailed)
}

func TestEscalationTimer(t *testing.T) {
	samples := map[string]float64{"cpu_pct": 0.95, "memory_pct": 0.92}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })
	now := time.Now()
	im.now = func() time.Time { return now }
	im.RegisterValidator(Validator{Name: "ok", Required: true, Check: func() bool { return true }})

	im.Detect(context.Background())
	require.Len(t, im.Active(), 1)
	inc := im.Active()[0]
	require.Equal(t, SeverityHigh, inc.Severity)

	now = now.Add(2 * time.Second) // past the escalation timeout
	im.Detect(context.Background())
	assert.Equal(t, SeverityCritical, inc.Severity)
	assert.Equal(t, IncidentEscalated, inc.Status)

	now = now.Add(2 * time.Second)
	im.Detect(context.Background())
	assert.Equal(t, SeverityCritical, inc.Severity, "severity cannot advance past critical")
	assert.Equal(t, IncidentMaxEscalation, inc.Status)
}

func TestCascadeFailureDetection(t *testing.T) {
	samples := map[string]float64{}
	im := NewIncidentManager(incidentConfig(), metrics.New(), func() map[string]float64 { return samples })

	warm(im, samples, "gas_gwei", 50, 20)
	samples["gas_gwei"] = 90
	samples["cpu_pct"], samples["memory_pct"] = 0.95, 0.92
	samples["error_rate"], samples["latency_ms"] = 0.3, 2_500
	im.Detect(context.Background())

	types := map[string]bool{}
	for _, inc := range im.Active() {
		types[inc.Type] = true
	}
	assert.True(t, types["metric_anomaly"])
	assert.True(t, types["resource_exhaustion"])
	assert.True(t, types["degraded_service"])
	require.True(t, types["cascade_failure"], "three related incidents within the window cascade")

	for _, inc := range im.Active() {
		if inc.Type == "cascade_failure" {
			assert.Equal(t, SeverityCritical, inc.Severity)
		}
	}
}

func TestBaselineZScore(t *testing.T) {
	b := &baseline{}
	for i := 0; i < 40; i++ {
		b.update(100+float64(i%2), 0.1)
	}
	assert.True(t, b.ready())
	assert.InDelta(t, 100.5, b.mean, 0.6)
	assert.Less(t, b.zScore(101), 3.0)
	assert.Greater(t, b.zScore(130), 3.0)
}
