package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arbflow/arbflow/internal/config"
)

// reArmProbes is how many consecutive probe successes re-arm an
// unhealthy endpoint.
const reArmProbes = 3

// Endpoint is one configured upstream with its runtime health record.
type Endpoint struct {
	cfg     config.EndpointConfig
	httpURL string
	limiter *slidingWindow
	breaker *gobreaker.CircuitBreaker

	mu                  sync.RWMutex
	healthy             bool
	successes           int64
	failures            int64
	consecutiveFailures int
	avgLatencyMS        float64
	connectedSince      time.Time
	probeSuccesses      int
	lastError           string
}

func newEndpoint(cfg config.EndpointConfig, tc config.TransportConfig) *Endpoint {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = tc.RateLimitRequests
	}
	httpURL := cfg.HTTPURL
	if httpURL == "" {
		httpURL = strings.Replace(strings.Replace(cfg.URL, "wss://", "https://", 1), "ws://", "http://", 1)
	}
	st := gobreaker.Settings{Name: cfg.ID}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(c gobreaker.Counts) bool {
		if c.ConsecutiveFailures >= 5 {
			return true
		}
		return c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) > 0.5
	}
	return &Endpoint{
		cfg:            cfg,
		httpURL:        httpURL,
		limiter:        newSlidingWindow(limit, tc.RateLimitWindow()),
		breaker:        gobreaker.NewCircuitBreaker(st),
		healthy:        true,
		connectedSince: time.Now(),
	}
}

// ID returns the configured endpoint id.
func (e *Endpoint) ID() string { return e.cfg.ID }

// URL returns the streaming URL.
func (e *Endpoint) URL() string { return e.cfg.URL }

// Healthy reports whether the endpoint participates in scoring.
func (e *Endpoint) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// Score ranks the endpoint: priority, success rate, latency, failure
// streak and uptime all contribute. Unhealthy endpoints score zero.
func (e *Endpoint) Score(now time.Time) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.healthy {
		return 0
	}
	total := e.successes + e.failures
	successRate := 1.0
	if total > 0 {
		successRate = float64(e.successes) / float64(total)
	}
	uptimeMinutes := now.Sub(e.connectedSince).Minutes()
	uptimeBonus := uptimeMinutes / 10
	if uptimeBonus > 10 {
		uptimeBonus = 10
	}
	return float64(10-e.cfg.Priority)*10 +
		successRate*30 +
		(1000-e.avgLatencyMS)/10 -
		float64(e.consecutiveFailures)*5 +
		uptimeBonus
}

func (e *Endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successes++
	e.consecutiveFailures = 0
	ms := float64(latency.Milliseconds())
	if e.avgLatencyMS == 0 {
		e.avgLatencyMS = ms
	} else {
		e.avgLatencyMS = e.avgLatencyMS*0.8 + ms*0.2
	}
}

func (e *Endpoint) recordFailure(err error, maxAttempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	e.consecutiveFailures++
	if err != nil {
		e.lastError = err.Error()
	}
	if e.consecutiveFailures >= maxAttempts {
		e.healthy = false
		e.probeSuccesses = 0
	}
}

// markUnhealthy excludes the endpoint from scoring until probes re-arm it.
func (e *Endpoint) markUnhealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
	e.probeSuccesses = 0
}

// recordProbe applies one health probe outcome; three consecutive
// successes re-arm the endpoint.
func (e *Endpoint) recordProbe(ok bool) (rearmed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.probeSuccesses = 0
		return false
	}
	e.probeSuccesses++
	if e.probeSuccesses >= reArmProbes && !e.healthy {
		e.healthy = true
		e.consecutiveFailures = 0
		e.connectedSince = time.Now()
		return true
	}
	return false
}

// Status is an immutable snapshot for the status API.
type Status struct {
	ID                  string  `json:"id"`
	URL                 string  `json:"url"`
	Healthy             bool    `json:"healthy"`
	Score               float64 `json:"score"`
	Successes           int64   `json:"successes"`
	Failures            int64   `json:"failures"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	LastError           string  `json:"last_error,omitempty"`
}

// Snapshot returns the endpoint's current status.
func (e *Endpoint) Snapshot(now time.Time) Status {
	score := e.Score(now)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		ID:                  e.cfg.ID,
		URL:                 e.cfg.URL,
		Healthy:             e.healthy,
		Score:               score,
		Successes:           e.successes,
		Failures:            e.failures,
		ConsecutiveFailures: e.consecutiveFailures,
		AvgLatencyMS:        e.avgLatencyMS,
		LastError:           e.lastError,
	}
}
