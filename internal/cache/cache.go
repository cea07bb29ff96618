// Package cache implements the two-tier key/value store: an in-memory
// LRU tier in front of a shared redis tier, with per-category TTL and
// write policies and distributed invalidation over a pub/sub channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
)

// Policy names how a category's writes reach the shared tier.
type Policy string

const (
	WriteThrough Policy = "write_through"
	WriteBehind  Policy = "write_behind"
	CacheAside   Policy = "cache_aside"
)

// writeBehindFlushInterval batches queued shared-tier writes.
const writeBehindFlushInterval = time.Second

// Category is one configured cache namespace.
type Category struct {
	Name   string
	TTL    time.Duration
	Policy Policy
}

// entryEnvelope is the shared-tier wire form, carrying enough metadata
// to honor TTLs across processes.
type entryEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Category  string          `json:"category"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// invalidation is the message published on the invalidation channel.
type invalidation struct {
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

type queuedWrite struct {
	key     string
	payload []byte
	ttl     time.Duration
}

// Stats is a snapshot of cache performance.
type Stats struct {
	LocalHits    int64 `json:"local_hits"`
	LocalMisses  int64 `json:"local_misses"`
	SharedHits   int64 `json:"shared_hits"`
	SharedMisses int64 `json:"shared_misses"`
	Sets         int64 `json:"sets"`
	Deletes      int64 `json:"deletes"`
	LocalKeys    int   `json:"local_keys"`
	LocalBytes   int64 `json:"local_bytes"`
	Evictions    int64 `json:"evictions"`
	SharedErrors int64 `json:"shared_errors"`
}

// Manager is the cache facade used by every other component.
type Manager struct {
	prefix     string
	categories map[string]Category
	local      *localTier
	shared     redis.Cmdable // nil when running local-only
	pubsubConn *redis.Client
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []queuedWrite
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the cache manager. A redis client is created only when an
// address is configured; without one every category degrades to the
// local tier.
func New(cfg config.CacheConfig, m *metrics.Metrics) *Manager {
	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	}
	mgr := NewWithClient(cfg, m, client)
	mgr.pubsubConn = client
	return mgr
}

// NewWithClient builds the manager around an existing redis client
// (or nil). Used directly by tests with a mock client.
func NewWithClient(cfg config.CacheConfig, m *metrics.Metrics, client redis.Cmdable) *Manager {
	if m == nil {
		m = metrics.New()
	}
	cats := make(map[string]Category, len(cfg.Categories))
	for name, cc := range cfg.Categories {
		cats[name] = Category{
			Name:   name,
			TTL:    time.Duration(cc.TTLSecs) * time.Second,
			Policy: Policy(cc.Policy),
		}
	}
	return &Manager{
		prefix:     cfg.Prefix,
		categories: cats,
		local:      newLocalTier(cfg.MaxMemoryBytes),
		shared:     client,
		metrics:    m,
		logger:     log.With().Str("component", "cache").Logger(),
		now:        time.Now,
	}
}

// Start launches the write-behind flusher, the janitor and the
// invalidation subscriber.
func (c *Manager) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.flushLoop()
	go c.janitorLoop()
	if c.pubsubConn != nil {
		c.wg.Add(1)
		go c.invalidationLoop()
	}
}

// Close flushes pending write-behind entries and stops the workers.
func (c *Manager) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.flushPending()
}

// InvalidationChannel is the well-known pub/sub topic for this prefix.
func (c *Manager) InvalidationChannel() string {
	return c.prefix + "invalidate"
}

func (c *Manager) fullKey(category, key string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, category, key)
}

func (c *Manager) category(name string) (Category, error) {
	cat, ok := c.categories[name]
	if !ok {
		return Category{}, fmt.Errorf("cache: unknown category %q", name)
	}
	return cat, nil
}

// Get checks the local tier, then the shared tier; a shared hit is
// promoted into the local tier. Shared-tier errors degrade to a miss.
func (c *Manager) Get(ctx context.Context, category, key string) (any, bool) {
	_, err := c.category(category)
	if err != nil {
		return nil, false
	}
	full := c.fullKey(category, key)
	now := c.now()

	if v, ok := c.local.get(full, now); ok {
		c.count(&c.stats.LocalHits)
		c.metrics.CacheOps.WithLabelValues("local", "hit").Inc()
		return v, true
	}
	c.count(&c.stats.LocalMisses)
	c.metrics.CacheOps.WithLabelValues("local", "miss").Inc()

	if c.shared == nil {
		return nil, false
	}
	raw, err := c.shared.Get(ctx, full).Result()
	if err != nil {
		if err != redis.Nil {
			c.sharedError("get", err)
		}
		c.count(&c.stats.SharedMisses)
		c.metrics.CacheOps.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	var env entryEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.sharedError("decode", err)
		return nil, false
	}
	if now.After(env.ExpiresAt) {
		c.count(&c.stats.SharedMisses)
		return nil, false
	}
	var value any
	if err := json.Unmarshal(env.Data, &value); err != nil {
		c.sharedError("decode", err)
		return nil, false
	}
	c.count(&c.stats.SharedHits)
	c.metrics.CacheOps.WithLabelValues("shared", "hit").Inc()
	// Promote with the remaining lifetime.
	c.local.set(full, value, env.Data, env.ExpiresAt.Sub(now), now)
	return value, true
}

// Set writes the local tier always, then the shared tier per the
// category's policy.
func (c *Manager) Set(ctx context.Context, category, key string, value any) error {
	cat, err := c.category(category)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	full := c.fullKey(category, key)
	now := c.now()
	c.local.set(full, value, encoded, cat.TTL, now)
	c.count(&c.stats.Sets)
	c.metrics.CacheOps.WithLabelValues("local", "set").Inc()

	if c.shared == nil {
		return nil
	}
	payload, err := json.Marshal(entryEnvelope{
		Data:      encoded,
		Category:  category,
		CachedAt:  now,
		ExpiresAt: now.Add(cat.TTL),
	})
	if err != nil {
		return err
	}

	switch cat.Policy {
	case WriteBehind:
		c.mu.Lock()
		c.pending = append(c.pending, queuedWrite{key: full, payload: payload, ttl: cat.TTL})
		c.mu.Unlock()
		return nil
	case WriteThrough:
		if err := c.shared.Set(ctx, full, string(payload), cat.TTL).Err(); err != nil {
			// One retry, then give up; the local tier still holds the value.
			if err = c.shared.Set(ctx, full, string(payload), cat.TTL).Err(); err != nil {
				c.sharedError("set", err)
				return nil
			}
		}
		c.metrics.CacheOps.WithLabelValues("shared", "set").Inc()
		return nil
	default: // CacheAside
		if err := c.shared.Set(ctx, full, string(payload), cat.TTL).Err(); err != nil {
			c.sharedError("set", err)
			return nil
		}
		c.metrics.CacheOps.WithLabelValues("shared", "set").Inc()
		return nil
	}
}

// Delete removes the key from both tiers and broadcasts an invalidation
// so remote peers evict their local copies.
func (c *Manager) Delete(ctx context.Context, category, key string) error {
	if _, err := c.category(category); err != nil {
		return err
	}
	full := c.fullKey(category, key)
	c.local.delete(full)
	c.count(&c.stats.Deletes)
	c.metrics.CacheOps.WithLabelValues("local", "delete").Inc()
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Del(ctx, full).Err(); err != nil {
		c.sharedError("delete", err)
	}
	c.publish(ctx, invalidation{Key: full})
	return nil
}

// InvalidatePattern evicts all matching keys locally and broadcasts the
// pattern. The pattern is a glob over full keys.
func (c *Manager) InvalidatePattern(ctx context.Context, pattern string) {
	c.local.deletePattern(pattern)
	c.publish(ctx, invalidation{Pattern: pattern})
}

func (c *Manager) publish(ctx context.Context, inv invalidation) {
	if c.shared == nil {
		return
	}
	payload, _ := json.Marshal(inv)
	if err := c.shared.Publish(ctx, c.InvalidationChannel(), string(payload)).Err(); err != nil {
		c.sharedError("publish", err)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Manager) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()
	s.LocalKeys, s.LocalBytes, s.Evictions = c.local.stats()
	return s
}

func (c *Manager) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *Manager) sharedError(op string, err error) {
	c.mu.Lock()
	c.stats.SharedErrors++
	c.mu.Unlock()
	c.logger.Warn().Str("op", op).Err(err).Msg("shared tier error")
}

// flushLoop drains the write-behind queue once a second.
func (c *Manager) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(writeBehindFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushPending()
		}
	}
}

// flushPending writes the queued batch. Failures are dropped: write-behind
// categories tolerate loss on a disconnected shared tier.
func (c *Manager) flushPending() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 || c.shared == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, w := range batch {
		if err := c.shared.Set(ctx, w.key, string(w.payload), w.ttl).Err(); err != nil {
			c.sharedError("flush", err)
			return
		}
		c.metrics.CacheOps.WithLabelValues("shared", "set").Inc()
	}
}

// janitorLoop sweeps expired local entries.
func (c *Manager) janitorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.local.sweep(c.now()); n > 0 {
				c.metrics.CacheEvictions.Add(float64(n))
			}
		}
	}
}

// invalidationLoop applies remote invalidations to the local tier.
func (c *Manager) invalidationLoop() {
	defer c.wg.Done()
	ps := c.pubsubConn.Subscribe(c.ctx, c.InvalidationChannel())
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				c.logger.Warn().Err(err).Msg("bad invalidation payload")
				continue
			}
			switch {
			case inv.Key != "":
				c.local.delete(inv.Key)
			case inv.Pattern != "":
				c.local.deletePattern(inv.Pattern)
			}
		}
	}
}
