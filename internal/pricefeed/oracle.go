package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/arbflow/arbflow/internal/models"
)

// Caller is the unary RPC surface the oracle source needs; the transport
// manager satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// latestRoundData() selector on Chainlink-compatible aggregator feeds.
const latestRoundDataSelector = "0xfeaf968c"

// oracleDecimals is the answer scale of USD-quoted feeds.
var oracleDecimals = big.NewFloat(1e8)

// OracleSource reads an on-chain price feed contract through the shared
// transport. One source per feed contract; poll-only.
type OracleSource struct {
	id       string
	venue    string
	contract string
	weight   float64
	caller   Caller
}

// NewOracleSource builds an oracle-backed source.
func NewOracleSource(id, venue, contract string, weight float64, caller Caller) *OracleSource {
	return &OracleSource{id: id, venue: venue, contract: contract, weight: weight, caller: caller}
}

func (s *OracleSource) ID() string    { return s.id }
func (s *OracleSource) Kind() Kind    { return KindOracle }
func (s *OracleSource) Venue() string { return s.venue }

// Fetch reads latestRoundData and decodes the answer word.
func (s *OracleSource) Fetch(ctx context.Context, symbol string) (models.PricePoint, error) {
	params := []any{
		map[string]string{"to": s.contract, "data": latestRoundDataSelector},
		"latest",
	}
	var result string
	if err := s.caller.Call(ctx, "eth_call", params, &result); err != nil {
		return models.PricePoint{}, fmt.Errorf("oracle %s: %w", s.id, err)
	}
	price, err := decodeRoundAnswer(result)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("oracle %s: %w", s.id, err)
	}
	if price <= 0 {
		return models.PricePoint{}, fmt.Errorf("oracle %s: non-positive answer", s.id)
	}
	return models.PricePoint{
		Symbol:     symbol,
		Source:     s.id,
		Venue:      s.venue,
		Price:      price,
		Confidence: 0.95, // on-chain rounds are high confidence by construction
		Weight:     s.weight,
		Timestamp:  time.Now(),
	}, nil
}

// Subscribe is unsupported; oracle feeds are polled.
func (s *OracleSource) Subscribe(context.Context, []string, PointFunc) error {
	return ErrNotStreaming
}

func (s *OracleSource) Close() error { return nil }

// decodeRoundAnswer extracts the int256 answer (second return word) from
// a latestRoundData() eth_call result.
func decodeRoundAnswer(hexData string) (float64, error) {
	data := strings.TrimPrefix(hexData, "0x")
	if len(data) < 128 {
		return 0, fmt.Errorf("short eth_call result (%d hex chars)", len(data))
	}
	answer, ok := new(big.Int).SetString(data[64:128], 16)
	if !ok {
		return 0, fmt.Errorf("malformed answer word")
	}
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), oracleDecimals).Float64()
	return price, nil
}
