package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/models"
)

// StreamConn is the exchange connection surface; *websocket.Conn
// satisfies it.
type StreamConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// StreamDialer opens an exchange stream.
type StreamDialer func(ctx context.Context, url string) (StreamConn, error)

func defaultStreamDialer(ctx context.Context, url string) (StreamConn, error) {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 30 * time.Second
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ExchangeSource streams ticker updates from a centralized exchange.
// Reconnects with doubling backoff; Fetch serves the last streamed point.
type ExchangeSource struct {
	id     string
	venue  string
	url    string
	weight float64
	dial   StreamDialer
	logger zerolog.Logger

	mu     sync.RWMutex
	last   map[string]models.PricePoint
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ReportFailure lets the manager account stream drops against the
	// source's reliability record.
	ReportFailure func(error)
}

// NewExchangeSource builds a streaming exchange source. dial may be nil.
func NewExchangeSource(id, venue, url string, weight float64, dial StreamDialer) *ExchangeSource {
	if dial == nil {
		dial = defaultStreamDialer
	}
	return &ExchangeSource{
		id:     id,
		venue:  venue,
		url:    url,
		weight: weight,
		dial:   dial,
		logger: log.With().Str("component", "pricefeed").Str("source", id).Logger(),
		last:   make(map[string]models.PricePoint),
	}
}

func (s *ExchangeSource) ID() string    { return s.id }
func (s *ExchangeSource) Kind() Kind    { return KindExchange }
func (s *ExchangeSource) Venue() string { return s.venue }

// Fetch returns the most recent streamed point for symbol.
func (s *ExchangeSource) Fetch(_ context.Context, symbol string) (models.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.last[symbol]
	if !ok {
		return models.PricePoint{}, fmt.Errorf("exchange %s: no ticker seen for %s", s.id, symbol)
	}
	return p, nil
}

// tickerFrame is the inbound ticker message shape.
type tickerFrame struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Price   string `json:"price"`
	Volume  string `json:"volume"`
	TS      int64  `json:"ts"` // unix millis; zero means "now"
}

// Subscribe starts the stream worker and returns immediately.
func (s *ExchangeSource) Subscribe(ctx context.Context, symbols []string, onPoint PointFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("exchange %s: already subscribed", s.id)
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, symbols, onPoint)
	return nil
}

func (s *ExchangeSource) run(ctx context.Context, symbols []string, onPoint PointFunc) {
	defer s.wg.Done()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		err := s.streamOnce(ctx, symbols, onPoint)
		if ctx.Err() != nil {
			return
		}
		if s.ReportFailure != nil && err != nil {
			s.ReportFailure(err)
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("ticker stream dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *ExchangeSource) streamOnce(ctx context.Context, symbols []string, onPoint PointFunc) error {
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "channel": "ticker", "symbols": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.logger.Info().Strs("symbols", symbols).Msg("ticker stream established")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame tickerFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(frame.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		volume, _ := strconv.ParseFloat(frame.Volume, 64)
		ts := time.Now()
		if frame.TS > 0 {
			ts = time.UnixMilli(frame.TS)
		}
		point := models.PricePoint{
			Symbol:     frame.Symbol,
			Source:     s.id,
			Venue:      s.venue,
			Price:      price,
			Volume:     volume,
			Confidence: 0.9,
			Weight:     s.weight,
			Timestamp:  ts,
		}
		s.mu.Lock()
		s.last[frame.Symbol] = point
		s.mu.Unlock()
		onPoint(point)
	}
}

func (s *ExchangeSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
