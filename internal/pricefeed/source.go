// Package pricefeed fans in heterogeneous price sources and forwards
// per-symbol price points to the aggregator, tracking per-source
// reliability and detecting single-source anomalies.
package pricefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbflow/arbflow/internal/models"
)

// Kind tags the capability class of a price source.
type Kind string

const (
	KindOracle   Kind = "oracle"   // on-chain oracle contract via unary RPC
	KindHTTPAPI  Kind = "httpapi"  // DEX aggregator REST API
	KindExchange Kind = "exchange" // exchange streaming feed
)

// ErrNotStreaming is returned by Subscribe on poll-only sources.
var ErrNotStreaming = errors.New("pricefeed: source does not stream")

// PointFunc receives one price point from a source.
type PointFunc func(models.PricePoint)

// Source is the capability set every price source implements. Fetch is
// mandatory; Subscribe may return ErrNotStreaming. Implementations must
// only deliver points with a positive price.
type Source interface {
	ID() string
	Kind() Kind
	Venue() string
	Fetch(ctx context.Context, symbol string) (models.PricePoint, error)
	Subscribe(ctx context.Context, symbols []string, onPoint PointFunc) error
	Close() error
}

// reliability is the per-source health record. Success rate moves as an
// EMA: slow to build trust, quick to lose it.
type reliability struct {
	mu                  sync.Mutex
	successRate         float64
	avgLatencyMS        float64
	consecutiveFailures int
	lastSuccess         time.Time
	failed              bool
	nextRetry           time.Time
	backoff             time.Duration
}

func newReliability() *reliability {
	return &reliability{successRate: 1.0}
}

func (r *reliability) recordSuccess(latency time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successRate = r.successRate*0.99 + 0.01
	if r.successRate > 1 {
		r.successRate = 1
	}
	ms := float64(latency.Milliseconds())
	if r.avgLatencyMS == 0 {
		r.avgLatencyMS = ms
	} else {
		r.avgLatencyMS = r.avgLatencyMS*0.9 + ms*0.1
	}
	r.consecutiveFailures = 0
	r.lastSuccess = now
	r.failed = false
	r.backoff = 0
}

// recordFailure applies the failure decay and, once the threshold is
// crossed, schedules the next retry with a doubling backoff.
func (r *reliability) recordFailure(threshold int, base, max time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successRate *= 0.95
	if r.successRate < 0.1 {
		r.successRate = 0.1
	}
	r.consecutiveFailures++
	if r.consecutiveFailures >= threshold {
		r.failed = true
		if r.backoff == 0 {
			r.backoff = base
		} else {
			r.backoff *= 2
			if r.backoff > max {
				r.backoff = max
			}
		}
		r.nextRetry = now.Add(r.backoff)
	}
}

// allowQuery reports whether the source may be queried now. A failed
// source is only queried once its scheduled retry time arrives.
func (r *reliability) allowQuery(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.failed {
		return true
	}
	return !now.Before(r.nextRetry)
}

// Rate returns the current EMA success rate.
func (r *reliability) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successRate
}

// SourceStatus is an immutable health snapshot.
type SourceStatus struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Venue               string    `json:"venue"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	Failed              bool      `json:"failed"`
}

func (r *reliability) snapshot(id string, kind Kind, venue string) SourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SourceStatus{
		ID:                  id,
		Kind:                kind,
		Venue:               venue,
		SuccessRate:         r.successRate,
		AvgLatencyMS:        r.avgLatencyMS,
		ConsecutiveFailures: r.consecutiveFailures,
		LastSuccess:         r.lastSuccess,
		Failed:              r.failed,
	}
}
