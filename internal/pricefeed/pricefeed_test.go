package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

func TestReliabilityEMA(t *testing.T) {
	r := newReliability()
	now := time.Now()

	r.recordFailure(5, time.Second, time.Minute, now)
	assert.InDelta(t, 0.95, r.Rate(), 1e-9)
	r.recordFailure(5, time.Second, time.Minute, now)
	assert.InDelta(t, 0.9025, r.Rate(), 1e-9)

	r.recordSuccess(10*time.Millisecond, now)
	assert.InDelta(t, 0.9025*0.99+0.01, r.Rate(), 1e-9)

	// Floor at 0.1.
	for i := 0; i < 200; i++ {
		r.recordFailure(1000, time.Second, time.Minute, now)
	}
	assert.InDelta(t, 0.1, r.Rate(), 1e-9)
}

func TestReliabilityFailoverAndRetryBackoff(t *testing.T) {
	r := newReliability()
	now := time.Now()
	for i := 0; i < 3; i++ {
		r.recordFailure(3, time.Second, 4*time.Second, now)
	}
	assert.False(t, r.allowQuery(now), "failed source must wait for its retry slot")
	assert.True(t, r.allowQuery(now.Add(time.Second)))

	// Next failure doubles the backoff.
	r.recordFailure(3, time.Second, 4*time.Second, now)
	assert.False(t, r.allowQuery(now.Add(time.Second)))
	assert.True(t, r.allowQuery(now.Add(2*time.Second)))

	// Success clears failed state entirely.
	r.recordSuccess(0, now)
	assert.True(t, r.allowQuery(now))
}

func TestDecodeRoundAnswer(t *testing.T) {
	// roundId=1, answer=2000e8, plus trailing words.
	answer := fmt.Sprintf("%064x", uint64(200_000_000_000))
	raw := "0x" + fmt.Sprintf("%064x", 1) + answer + fmt.Sprintf("%064x", 0) + fmt.Sprintf("%064x", 0) + fmt.Sprintf("%064x", 0)
	price, err := decodeRoundAnswer(raw)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, price, 1e-9)

	_, err = decodeRoundAnswer("0xdeadbeef")
	assert.Error(t, err)
}

// stubSource is a scripted poll-only source.
type stubSource struct {
	id    string
	venue string
	mu    sync.Mutex
	price float64
	fail  bool
}

func (s *stubSource) ID() string    { return s.id }
func (s *stubSource) Kind() Kind    { return KindHTTPAPI }
func (s *stubSource) Venue() string { return s.venue }

func (s *stubSource) Fetch(_ context.Context, symbol string) (models.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return models.PricePoint{}, errors.New("stub down")
	}
	return models.PricePoint{
		Symbol: symbol, Source: s.id, Venue: s.venue,
		Price: s.price, Confidence: 0.9, Weight: 1, Timestamp: time.Now(),
	}, nil
}

func (s *stubSource) Subscribe(context.Context, []string, PointFunc) error { return ErrNotStreaming }
func (s *stubSource) Close() error                                         { return nil }

func feedConfig() config.PriceFeedConfig {
	return config.PriceFeedConfig{
		FailoverThreshold: 3,
		AnomalyThreshold:  0.05,
		RetryBaseMS:       10,
		RetryMaxMS:        100,
	}
}

func TestAnomalyDetection(t *testing.T) {
	var anomalies []models.Opportunity
	var points []models.PricePoint
	var mu sync.Mutex

	m := NewManager(feedConfig(), 30*time.Second, metrics.New(),
		func(p models.PricePoint) {
			mu.Lock()
			points = append(points, p)
			mu.Unlock()
		},
		func(o models.Opportunity) {
			mu.Lock()
			anomalies = append(anomalies, o)
			mu.Unlock()
		})

	a := &stubSource{id: "src-a", venue: "venue-a", price: 2000}
	b := &stubSource{id: "src-b", venue: "venue-b", price: 2001}
	c := &stubSource{id: "src-c", venue: "venue-c", price: 2600}
	for _, s := range []*stubSource{a, b, c} {
		m.Register(s, config.SourceConfig{ID: s.id, Kind: "httpapi", Symbols: []string{"WETH-USDC"}})
	}

	seed := func(s *stubSource) {
		p, err := s.Fetch(context.Background(), "WETH-USDC")
		require.NoError(t, err)
		for _, ms := range m.sources {
			if ms.src.ID() == s.id {
				m.handlePoint(ms, p, time.Millisecond)
			}
		}
	}
	seed(a)
	seed(b)
	seed(c) // 2600 vs mean 2000.5: ~30% deviation

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.TypePriceAnomaly, anomalies[0].Type)
	assert.Equal(t, models.UrgencyCritical, anomalies[0].Urgency)
	assert.Equal(t, "src-c", anomalies[0].Source)
	assert.InDelta(t, 29.96, anomalies[0].Anomaly.DeviationPct, 0.1)
	assert.Len(t, points, 3, "anomalous point still reaches the aggregator for outlier handling")
}

func TestFailedSourceNotQueriedUntilRetry(t *testing.T) {
	m := NewManager(feedConfig(), 30*time.Second, metrics.New(), nil, nil)
	s := &stubSource{id: "src-a", venue: "v", fail: true}
	m.Register(s, config.SourceConfig{ID: "src-a", Kind: "httpapi", Symbols: []string{"X"}})
	ms := m.sources[0]

	now := time.Now()
	m.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		m.recordFailure(ms)
	}
	assert.False(t, ms.rel.allowQuery(now))
	assert.True(t, ms.rel.allowQuery(now.Add(11*time.Millisecond)))
}

func TestReliabilityLookup(t *testing.T) {
	m := NewManager(feedConfig(), 30*time.Second, metrics.New(), nil, nil)
	s := &stubSource{id: "src-a", venue: "v", price: 1}
	m.Register(s, config.SourceConfig{ID: "src-a", Kind: "httpapi", Symbols: []string{"X"}})
	assert.Equal(t, 1.0, m.Reliability("src-a"))
	assert.Equal(t, 1.0, m.Reliability("unknown"))

	m.recordFailure(m.sources[0])
	assert.InDelta(t, 0.95, m.Reliability("src-a"), 1e-9)
}
