// Package transport provides the multi-endpoint streaming and unary
// transport with score-based failover, per-endpoint rate limiting and
// health probing.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

var (
	// ErrRateLimited is returned when the endpoint's sliding window is full.
	ErrRateLimited = errors.New("transport: rate limited")
	// ErrNoEndpointAvailable is returned when every endpoint is unhealthy.
	ErrNoEndpointAvailable = errors.New("transport: no endpoint available")
)

// Manager owns the endpoint set, selects primary/failover by score and
// runs the streaming subscriptions and health probe loop.
type Manager struct {
	cfg     config.TransportConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger

	endpoints []*Endpoint
	httpc     *http.Client
	dial      Dialer
	now       func() time.Time

	mu     sync.Mutex
	subs   map[int64]*subscription
	nextID int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the transport from configuration. dial may be nil,
// in which case gorilla/websocket is used.
func NewManager(cfg config.TransportConfig, m *metrics.Metrics, dial Dialer) *Manager {
	if m == nil {
		m = metrics.New()
	}
	if dial == nil {
		dial = gorillaDialer
	}
	eps := make([]*Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		eps = append(eps, newEndpoint(ec, cfg))
	}
	return &Manager{
		cfg:       cfg,
		metrics:   m,
		logger:    log.With().Str("component", "transport").Logger(),
		endpoints: eps,
		httpc:     &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		dial:      dial,
		now:       time.Now,
		subs:      make(map[int64]*subscription),
	}
}

// Start launches the health probe loop.
func (t *Manager) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.probeLoop()
}

// Close stops probes and tears down every subscription.
func (t *Manager) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	for _, s := range t.subs {
		s.stop()
	}
	t.subs = make(map[int64]*subscription)
	t.mu.Unlock()
	t.wg.Wait()
}

// Primary returns the best-scoring healthy endpoint.
func (t *Manager) Primary() (*Endpoint, error) {
	ranked := t.ranked()
	if len(ranked) == 0 {
		return nil, ErrNoEndpointAvailable
	}
	return ranked[0], nil
}

// Failover returns the second-best healthy endpoint, nil when only one
// endpoint is available.
func (t *Manager) Failover() *Endpoint {
	ranked := t.ranked()
	if len(ranked) < 2 {
		return nil
	}
	return ranked[1]
}

// ranked returns healthy endpoints sorted by score desc, ties by priority.
func (t *Manager) ranked() []*Endpoint {
	now := t.now()
	healthy := make([]*Endpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		t.metrics.EndpointScore.WithLabelValues(ep.ID()).Set(ep.Score(now))
		if ep.Healthy() {
			healthy = append(healthy, ep)
		}
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		si, sj := healthy[i].Score(now), healthy[j].Score(now)
		if si != sj {
			return si > sj
		}
		return healthy[i].cfg.Priority < healthy[j].cfg.Priority
	})
	return healthy
}

// Endpoints returns a status snapshot for every endpoint.
func (t *Manager) Endpoints() []Status {
	now := t.now()
	out := make([]Status, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		out = append(out, ep.Snapshot(now))
	}
	return out
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var rpcID atomic.Int64

// Call performs a unary RPC on the primary endpoint. One transparent
// retry on the failover endpoint covers a primary failure; rate-limit
// rejections are not retried.
func (t *Manager) Call(ctx context.Context, method string, params any, out any) error {
	primary, err := t.Primary()
	if err != nil {
		return err
	}
	err = t.callEndpoint(ctx, primary, method, params, out)
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	next := t.Failover()
	if next == nil || next == primary {
		return err
	}
	t.logger.Warn().Str("endpoint", primary.ID()).Str("failover", next.ID()).
		Err(err).Msg("unary call failed over")
	return t.callEndpoint(ctx, next, method, params, out)
}

func (t *Manager) callEndpoint(ctx context.Context, ep *Endpoint, method string, params any, out any) error {
	if !ep.limiter.Allow(t.now()) {
		t.metrics.TransportCalls.WithLabelValues(ep.ID(), "rate_limited").Inc()
		return fmt.Errorf("%s: %w", ep.ID(), ErrRateLimited)
	}
	start := t.now()
	_, err := ep.breaker.Execute(func() (any, error) {
		return nil, t.post(ctx, ep, method, params, out)
	})
	if err != nil {
		ep.recordFailure(err, t.cfg.MaxReconnectAttempts)
		t.metrics.TransportCalls.WithLabelValues(ep.ID(), "error").Inc()
		return err
	}
	ep.recordSuccess(t.now().Sub(start))
	t.metrics.TransportCalls.WithLabelValues(ep.ID(), "ok").Inc()
	return nil
}

func (t *Manager) post(ctx context.Context, ep *Endpoint, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: rpcID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.httpURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", ep.ID(), resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%s: decode response: %w", ep.ID(), err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", ep.ID(), rr.Error.Code, rr.Error.Message)
	}
	if out != nil && len(rr.Result) > 0 {
		return json.Unmarshal(rr.Result, out)
	}
	return nil
}

// probeLoop health-probes unhealthy endpoints until they re-arm.
func (t *Manager) probeLoop() {
	defer t.wg.Done()
	interval := time.Duration(t.cfg.HealthProbeIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range t.endpoints {
				if ep.Healthy() {
					continue
				}
				ctx, cancel := context.WithTimeout(t.ctx, time.Duration(t.cfg.RequestTimeoutMS)*time.Millisecond)
				var blockHex string
				err := t.post(ctx, ep, "eth_blockNumber", nil, &blockHex)
				cancel()
				if ep.recordProbe(err == nil) {
					t.logger.Info().Str("endpoint", ep.ID()).Msg("endpoint re-armed after probes")
				}
			}
		}
	}
}
