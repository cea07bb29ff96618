// Package router categorizes raw events, optionally deduplicates and
// transforms them, and dispatches batches to typed handlers over four
// priority queues drained in strict priority order.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

// Priority orders the four dispatch queues.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// drainOrder is the strict dispatch order.
var drainOrder = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Handler consumes one batch of events routed to its name.
type Handler func(batch []models.RawEvent)

// Transformer rewrites an event before it is queued.
type Transformer func(models.RawEvent) models.RawEvent

// Matcher is a custom route predicate.
type Matcher func(models.RawEvent) bool

// Route is one routing rule. Either Pattern (matched against the event
// type) or Match must be set.
type Route struct {
	Name             string
	Pattern          *regexp.Regexp
	Match            Matcher
	Handler          string
	Priority         Priority
	CacheEnabled     bool
	TransformEnabled bool
}

func (r Route) matches(ev models.RawEvent) bool {
	if r.Match != nil {
		return r.Match(ev)
	}
	if r.Pattern != nil {
		return r.Pattern.MatchString(ev.Type)
	}
	return false
}

// Router is the event router.
type Router struct {
	cfg     config.RouterConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu           sync.RWMutex
	routes       []Route
	handlers     map[string]Handler
	transformers map[string]Transformer // keyed by route name
	errorCounts  map[string]int64

	queues map[Priority]*eventQueue
	dedup  *gocache.Cache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the router.
func New(cfg config.RouterConfig, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.New()
	}
	perQueue := cfg.MaxCacheSize / 4
	if perQueue < 1 {
		perQueue = 1
	}
	queues := make(map[Priority]*eventQueue, 4)
	for _, p := range drainOrder {
		queues[p] = newEventQueue(perQueue)
	}
	dedupTTL := time.Duration(cfg.DedupTTLSecs) * time.Second
	if dedupTTL <= 0 {
		dedupTTL = time.Minute
	}
	return &Router{
		cfg:          cfg,
		metrics:      m,
		logger:       log.With().Str("component", "router").Logger(),
		handlers:     make(map[string]Handler),
		transformers: make(map[string]Transformer),
		errorCounts:  make(map[string]int64),
		queues:       queues,
		dedup:        gocache.New(dedupTTL, 2*dedupTTL),
	}
}

// RegisterHandler binds a handler name to a consumer.
func (r *Router) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterTransformer binds a per-route transformer.
func (r *Router) RegisterTransformer(routeName string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[routeName] = t
}

// AddRoute appends a routing rule.
func (r *Router) AddRoute(route Route) error {
	if route.Name == "" || route.Handler == "" {
		return fmt.Errorf("router: route needs name and handler")
	}
	if route.Pattern == nil && route.Match == nil {
		return fmt.Errorf("router: route %q needs a pattern or matcher", route.Name)
	}
	switch route.Priority {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("router: route %q has invalid priority %q", route.Name, route.Priority)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
	return nil
}

// Start launches the dispatch loop.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(r.cfg.BatchIntervalMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick()
			}
		}
	}()
}

// Close drains nothing further and stops the dispatcher.
func (r *Router) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Dispatch routes one raw event: every matching route gets a copy after
// dedup and transform, queued at the route's priority.
func (r *Router) Dispatch(ev models.RawEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	for _, route := range routes {
		if !route.matches(ev) {
			continue
		}
		if route.CacheEnabled {
			key := dedupKey(route.Name, ev)
			if _, seen := r.dedup.Get(key); seen {
				continue
			}
			r.dedup.SetDefault(key, struct{}{})
		}
		out := ev
		if route.TransformEnabled {
			r.mu.RLock()
			custom := r.transformers[route.Name]
			r.mu.RUnlock()
			if custom != nil {
				out = custom(out)
			} else {
				out = normalize(out)
			}
		}
		out.Route = route.Name
		out.Priority = string(route.Priority)
		if r.queues[route.Priority].push(out) {
			r.metrics.RouterDropped.WithLabelValues(string(route.Priority)).Inc()
		}
	}
}

// Tick drains each priority queue, highest first, up to BatchSize events
// per class. The per-class budget bounds starvation: a lower class waits
// at most one tick behind sustained higher-priority load.
func (r *Router) Tick() {
	for _, p := range drainOrder {
		batch := r.queues[p].popN(r.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}
		r.metrics.RouterEvents.WithLabelValues(string(p)).Add(float64(len(batch)))
		for handler, events := range groupByHandler(r.routesByName(), batch) {
			r.deliver(handler, events)
		}
	}
}

func (r *Router) routesByName() map[string]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := make(map[string]Route, len(r.routes))
	for _, rt := range r.routes {
		byName[rt.Name] = rt
	}
	return byName
}

func groupByHandler(routes map[string]Route, batch []models.RawEvent) map[string][]models.RawEvent {
	grouped := make(map[string][]models.RawEvent)
	for _, ev := range batch {
		rt, ok := routes[ev.Route]
		if !ok {
			continue
		}
		grouped[rt.Handler] = append(grouped[rt.Handler], ev)
	}
	return grouped
}

// deliver invokes one handler with its batch, recovering panics and
// counting failures against the handler's error budget. Routing never
// stops on a bad handler.
func (r *Router) deliver(name string, batch []models.RawEvent) {
	r.mu.RLock()
	h := r.handlers[name]
	r.mu.RUnlock()
	if h == nil {
		r.logger.Warn().Str("handler", name).Msg("no handler registered, batch dropped")
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.noteHandlerError(name)
			r.logger.Error().Str("handler", name).Any("panic", rec).Msg("handler panicked")
		}
	}()
	h(batch)
}

func (r *Router) noteHandlerError(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCounts[name]++
	if budget := int64(r.cfg.MaxHandlerErrors); budget > 0 && r.errorCounts[name] == budget {
		r.logger.Error().Str("handler", name).Int64("errors", budget).
			Msg("handler exhausted its error budget")
	}
}

// HandlerErrors reports the error count for one handler.
func (r *Router) HandlerErrors(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errorCounts[name]
}

// QueueDepths reports current queue lengths for the status API.
func (r *Router) QueueDepths() map[string]int {
	out := make(map[string]int, 4)
	for _, p := range drainOrder {
		out[string(p)] = r.queues[p].len()
	}
	return out
}

func dedupKey(route string, ev models.RawEvent) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", route, ev.Type, ev.Contract, ev.Block, ev.TxHash)
}

// normalize is the default transformer: numeric payload strings become
// float64 so downstream consumers see consistent types.
func normalize(ev models.RawEvent) models.RawEvent {
	if len(ev.Payload) == 0 {
		return ev
	}
	payload := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				payload[k] = f
				continue
			}
		}
		payload[k] = v
	}
	ev.Payload = payload
	return ev
}
