package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

func testConfig(endpoints ...config.EndpointConfig) config.TransportConfig {
	return config.TransportConfig{
		Endpoints:             endpoints,
		RateLimitRequests:     100,
		RateLimitWindowMS:     1000,
		ReconnectDelayMS:      5,
		MaxReconnectDelayMS:   20,
		MaxReconnectAttempts:  3,
		RequestTimeoutMS:      2000,
		HealthProbeIntervalMS: 10,
	}
}

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(3, time.Second)
	now := time.Now()
	require.True(t, w.Allow(now))
	require.True(t, w.Allow(now))
	require.True(t, w.Allow(now))
	require.False(t, w.Allow(now), "fourth request inside the window must be rejected")

	// Window slides: same request a second later is admitted.
	require.True(t, w.Allow(now.Add(1100*time.Millisecond)))
}

func TestEndpointScore(t *testing.T) {
	cfg := testConfig(
		config.EndpointConfig{ID: "a", URL: "ws://a", Priority: 1, Weight: 1},
		config.EndpointConfig{ID: "b", URL: "ws://b", Priority: 2, Weight: 1},
	)
	m := NewManager(cfg, metrics.New(), nil)

	// Equal histories: lower priority number wins.
	primary, err := m.Primary()
	require.NoError(t, err)
	assert.Equal(t, "a", primary.ID())

	// Pile failures onto a; b should take over.
	for i := 0; i < 2; i++ {
		m.endpoints[0].recordFailure(errors.New("boom"), 10)
	}
	primary, err = m.Primary()
	require.NoError(t, err)
	assert.Equal(t, "b", primary.ID())
	assert.Equal(t, "a", m.Failover().ID())
}

func TestScoreFormula(t *testing.T) {
	cfg := testConfig(config.EndpointConfig{ID: "a", URL: "ws://a", Priority: 1, Weight: 1})
	ep := newEndpoint(cfg.Endpoints[0], cfg)
	now := time.Now()
	ep.connectedSince = now

	// No history: (10-1)*10 + 1.0*30 + 100 - 0 + 0 = 220.
	assert.InDelta(t, 220.0, ep.Score(now), 0.01)

	ep.mu.Lock()
	ep.successes = 3
	ep.failures = 1
	ep.avgLatencyMS = 200
	ep.consecutiveFailures = 1
	ep.mu.Unlock()
	// 90 + 0.75*30 + 80 - 5 = 187.5
	assert.InDelta(t, 187.5, ep.Score(now), 0.01)
}

func TestUnhealthyExcludedFromScoring(t *testing.T) {
	cfg := testConfig(config.EndpointConfig{ID: "a", URL: "ws://a", Priority: 1})
	m := NewManager(cfg, metrics.New(), nil)
	m.endpoints[0].markUnhealthy()

	_, err := m.Primary()
	assert.ErrorIs(t, err, ErrNoEndpointAvailable)
}

func TestProbeRearm(t *testing.T) {
	cfg := testConfig(config.EndpointConfig{ID: "a", URL: "ws://a", Priority: 1})
	ep := newEndpoint(cfg.Endpoints[0], cfg)
	ep.markUnhealthy()

	assert.False(t, ep.recordProbe(true))
	assert.False(t, ep.recordProbe(true))
	assert.False(t, ep.recordProbe(false), "failure resets the streak")
	assert.False(t, ep.recordProbe(true))
	assert.False(t, ep.recordProbe(true))
	assert.True(t, ep.recordProbe(true), "third consecutive success re-arms")
	assert.True(t, ep.Healthy())
}

func TestCallRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "0x10"})
	}))
	defer srv.Close()

	cfg := testConfig(config.EndpointConfig{ID: "a", URL: srv.URL, HTTPURL: srv.URL, Priority: 1, RateLimit: 2})
	m := NewManager(cfg, metrics.New(), nil)

	var out string
	require.NoError(t, m.Call(context.Background(), "eth_blockNumber", nil, &out))
	assert.Equal(t, "0x10", out)
	require.NoError(t, m.Call(context.Background(), "eth_blockNumber", nil, &out))
	err := m.Call(context.Background(), "eth_blockNumber", nil, &out)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCallFailsOverOnce(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "0x2a"})
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	cfg := testConfig(
		config.EndpointConfig{ID: "bad", URL: bad.URL, HTTPURL: bad.URL, Priority: 1},
		config.EndpointConfig{ID: "good", URL: good.URL, HTTPURL: good.URL, Priority: 2},
	)
	m := NewManager(cfg, metrics.New(), nil)

	var out string
	require.NoError(t, m.Call(context.Background(), "eth_blockNumber", nil, &out),
		"caller must observe at most one failed request")
	assert.Equal(t, "0x2a", out)
}

// fakeConn is a scripted stream connection.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return 1, f, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestSubscriptionFailsOverToSecondary(t *testing.T) {
	cfg := testConfig(
		config.EndpointConfig{ID: "primary", URL: "ws://primary", Priority: 1},
		config.EndpointConfig{ID: "secondary", URL: "ws://secondary", Priority: 2},
	)

	var mu sync.Mutex
	conns := map[string][]*fakeConn{}
	dial := func(ctx context.Context, url string) (Conn, error) {
		if url == "ws://primary" {
			return nil, errors.New("primary down")
		}
		c := newFakeConn()
		mu.Lock()
		conns[url] = append(conns[url], c)
		mu.Unlock()
		return c, nil
	}

	m := NewManager(cfg, metrics.New(), dial)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Close()

	got := make(chan json.RawMessage, 1)
	_, err := m.Subscribe(ctx, map[string]string{"op": "subscribe"}, func(msg json.RawMessage) {
		select {
		case got <- msg:
		default:
		}
	})
	require.NoError(t, err)

	// Primary exhausts its reconnect budget, gets marked unhealthy, and
	// the subscription lands on the secondary.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns["ws://secondary"]) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	conns["ws://secondary"][0].frames <- []byte(`{"price":"2000"}`)
	mu.Unlock()

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"price":"2000"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered after failover")
	}
	assert.False(t, m.endpoints[0].Healthy(), "primary should be unhealthy after budget")
}
