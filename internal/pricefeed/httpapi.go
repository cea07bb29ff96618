package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbflow/arbflow/internal/models"
)

// HTTPSource polls a DEX aggregator REST API. Poll-only, paced by a
// token-bucket limiter so a tight poll interval cannot exceed the
// provider's budget.
type HTTPSource struct {
	id      string
	venue   string
	baseURL string
	weight  float64
	httpc   *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource builds an aggregator-API source. rps bounds outbound
// request pacing; zero means one request per second.
func NewHTTPSource(id, venue, baseURL string, weight, rps float64) *HTTPSource {
	if rps <= 0 {
		rps = 1
	}
	return &HTTPSource{
		id:      id,
		venue:   venue,
		baseURL: baseURL,
		weight:  weight,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (s *HTTPSource) ID() string    { return s.id }
func (s *HTTPSource) Kind() Kind    { return KindHTTPAPI }
func (s *HTTPSource) Venue() string { return s.venue }

// quoteResponse is the aggregator quote shape.
type quoteResponse struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume_24h"`
	Liquidity  float64 `json:"liquidity"`
	Confidence float64 `json:"confidence"`
}

// Fetch requests one quote.
func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (models.PricePoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.PricePoint{}, err
	}
	u := fmt.Sprintf("%s/quote?symbol=%s", s.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.PricePoint{}, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("httpapi %s: %w", s.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.PricePoint{}, fmt.Errorf("httpapi %s: status %d", s.id, resp.StatusCode)
	}
	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return models.PricePoint{}, fmt.Errorf("httpapi %s: decode: %w", s.id, err)
	}
	if q.Price <= 0 {
		return models.PricePoint{}, fmt.Errorf("httpapi %s: non-positive price for %s", s.id, symbol)
	}
	conf := q.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return models.PricePoint{
		Symbol:     symbol,
		Source:     s.id,
		Venue:      s.venue,
		Price:      q.Price,
		Volume:     q.Volume,
		Liquidity:  q.Liquidity,
		Confidence: conf,
		Weight:     s.weight,
		Timestamp:  time.Now(),
	}, nil
}

// Subscribe is unsupported; aggregator APIs are polled.
func (s *HTTPSource) Subscribe(context.Context, []string, PointFunc) error {
	return ErrNotStreaming
}

func (s *HTTPSource) Close() error {
	s.httpc.CloseIdleConnections()
	return nil
}
