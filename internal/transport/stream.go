package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal streaming connection surface the manager needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a streaming connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDialer(ctx context.Context, url string) (Conn, error) {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 30 * time.Second
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MessageHandler receives one decoded frame from the stream.
type MessageHandler func(msg json.RawMessage)

type subscription struct {
	id      int64
	request any
	handler MessageHandler
	cancel  context.CancelFunc
}

func (s *subscription) stop() { s.cancel() }

// Subscribe establishes a streaming subscription on the current primary
// endpoint and keeps it alive across reconnects and failovers until the
// context is cancelled or Unsubscribe is called. The subscribe request is
// replayed verbatim on every (re)connect.
func (t *Manager) Subscribe(ctx context.Context, request any, handler MessageHandler) (int64, error) {
	if t.ctx == nil {
		return 0, errors.New("transport: not started")
	}
	subCtx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	t.nextID++
	sub := &subscription{id: t.nextID, request: request, handler: handler, cancel: cancel}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.runSubscription(subCtx, sub)
	return sub.id, nil
}

// Unsubscribe tears down one subscription.
func (t *Manager) Unsubscribe(id int64) {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// runSubscription is the per-subscription worker: connect, replay the
// subscribe request, pump frames, and on failure back off with doubling
// delay. An endpoint that exhausts its reconnect budget is marked
// unhealthy so the next attempt lands on the failover endpoint.
func (t *Manager) runSubscription(ctx context.Context, sub *subscription) {
	defer t.wg.Done()

	baseDelay := time.Duration(t.cfg.ReconnectDelayMS) * time.Millisecond
	maxDelay := time.Duration(t.cfg.MaxReconnectDelayMS) * time.Millisecond
	delay := baseDelay
	attempts := 0
	var lastEndpoint string

	for {
		if ctx.Err() != nil {
			return
		}
		ep, err := t.Primary()
		if err != nil {
			t.logger.Error().Int64("sub", sub.id).Msg("no endpoint available for subscription")
			if !sleepCtx(ctx, maxDelay) {
				return
			}
			continue
		}
		if ep.ID() != lastEndpoint {
			// Fresh endpoint, fresh budget.
			attempts = 0
			delay = baseDelay
			lastEndpoint = ep.ID()
		}

		err = t.pump(ctx, ep, sub)
		if ctx.Err() != nil {
			return
		}
		attempts++
		t.metrics.Reconnects.WithLabelValues(ep.ID()).Inc()
		t.logger.Warn().Int64("sub", sub.id).Str("endpoint", ep.ID()).
			Int("attempt", attempts).Dur("backoff", delay).Err(err).
			Msg("stream dropped, reconnecting")

		if attempts >= t.cfg.MaxReconnectAttempts {
			ep.markUnhealthy()
			t.logger.Error().Str("endpoint", ep.ID()).
				Msg("endpoint marked unhealthy after reconnect budget")
			attempts = 0
			delay = baseDelay
			lastEndpoint = ""
			continue
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// pump runs one connection lifetime: dial, subscribe, read until error.
func (t *Manager) pump(ctx context.Context, ep *Endpoint, sub *subscription) error {
	conn, err := t.dial(ctx, ep.URL())
	if err != nil {
		ep.recordFailure(err, t.cfg.MaxReconnectAttempts)
		return err
	}
	defer conn.Close()

	if sub.request != nil {
		if err := conn.WriteJSON(sub.request); err != nil {
			ep.recordFailure(err, t.cfg.MaxReconnectAttempts)
			return err
		}
	}
	ep.recordSuccess(0)
	t.logger.Info().Int64("sub", sub.id).Str("endpoint", ep.ID()).Msg("stream established")

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			sub.handler(json.RawMessage(data))
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
