package mempool

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

var (
	routerAddr = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc       = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai        = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func mempoolConfig() config.MempoolConfig {
	return config.MempoolConfig{
		Enabled:            true,
		DEXRouters:         []string{routerAddr.Hex()},
		HotTokens:          []string{weth.Hex()},
		FrontrunGasGwei:    100,
		SandwichWindowSecs: 30,
		SandwichMinTxs:     3,
		LargeValueEth:      10,
	}
}

func swapCalldata(tokenIn, tokenOut common.Address) []byte {
	data := []byte{0x38, 0xed, 0x17, 0x39} // swapExactTokensForTokens
	data = append(data, common.LeftPadBytes(tokenIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(tokenOut.Bytes(), 32)...)
	return data
}

func swapTx(nonce uint64, gasGwei int64, valueEth int64, data []byte) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &routerAddr,
		Gas:      200_000,
		GasPrice: new(big.Int).Mul(big.NewInt(gasGwei), big.NewInt(params.GWei)),
		Value:    new(big.Int).Mul(big.NewInt(valueEth), big.NewInt(params.Ether)),
		Data:     data,
	})
}

func collect() (*[]models.Opportunity, OpportunityFunc) {
	var opps []models.Opportunity
	return &opps, func(o models.Opportunity) { opps = append(opps, o) }
}

func TestFrontrunDetection(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)

	l.Process(swapTx(1, 150, 1, swapCalldata(weth, usdc)))

	require.Len(t, *opps, 1)
	opp := (*opps)[0]
	assert.Equal(t, models.TypeMEVFrontrun, opp.Type)
	assert.Equal(t, models.UrgencyCritical, opp.Urgency)
	assert.True(t, opp.Type.IsMEV())
	require.NotNil(t, opp.Mempool)
	assert.Equal(t, "high", opp.Mempool.MEVRisk)
	assert.InDelta(t, 150, opp.Mempool.GasPriceGwei, 0.001)
}

func TestSandwichBundle(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)
	now := time.Now()
	l.now = func() time.Time { return now }

	data := swapCalldata(weth, usdc)
	l.Process(swapTx(1, 40, 1, data))
	l.Process(swapTx(2, 40, 1, data))
	l.Process(swapTx(3, 40, 1, data))

	var sandwiches []models.Opportunity
	for _, o := range *opps {
		if o.Type == models.TypeMEVSandwich {
			sandwiches = append(sandwiches, o)
		}
	}
	require.Len(t, sandwiches, 1)
	s := sandwiches[0]
	assert.Equal(t, models.UrgencyCritical, s.Urgency)
	require.NotNil(t, s.Mempool)
	assert.Len(t, s.Mempool.Bundle, 3)
	assert.Equal(t, "high", s.Mempool.MEVRisk)

	// Bucket resets after an emission; the next tx starts a new burst.
	l.Process(swapTx(4, 40, 1, data))
	for _, o := range (*opps)[len(*opps)-1:] {
		assert.NotEqual(t, models.TypeMEVSandwich, o.Type)
	}
}

func TestSandwichWindowPrunes(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)
	now := time.Now()
	l.now = func() time.Time { return now }

	data := swapCalldata(weth, dai)
	l.Process(swapTx(1, 40, 1, data))
	l.Process(swapTx(2, 40, 1, data))

	now = now.Add(31 * time.Second) // past the window
	l.Process(swapTx(3, 40, 1, data))

	for _, o := range *opps {
		assert.NotEqual(t, models.TypeMEVSandwich, o.Type, "stale txs must not count toward a sandwich")
	}
}

func TestConfidenceBonuses(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)

	// base 0.5 + gas>50 (0.1) + hot token (0.15) + value>10 (0.2) = 0.95
	l.Process(swapTx(1, 60, 12, swapCalldata(weth, usdc)))

	require.Len(t, *opps, 1)
	opp := (*opps)[0]
	assert.Equal(t, models.TypeMempool, opp.Type)
	assert.Equal(t, models.UrgencyHigh, opp.Urgency)
	assert.InDelta(t, 0.95, opp.Mempool.Confidence, 0.001)
	assert.True(t, opp.Mempool.HasOpportunity)

	// Priority: value term min(12*2,40)=24 + 30*0.95 + full 20s decay.
	assert.InDelta(t, 24+28.5+20, opp.Mempool.PriorityScore, 0.001)
}

func TestNonDEXTrafficIgnored(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)

	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	plain := types.NewTx(&types.LegacyTx{
		Nonce: 1, To: &other, Gas: 21_000,
		GasPrice: big.NewInt(params.GWei), Value: big.NewInt(params.Ether),
	})
	l.Process(plain)
	l.Process(nil)
	assert.Empty(t, *opps)
}

func TestSwapSelectorOffRouterStillSeen(t *testing.T) {
	opps, fn := collect()
	l := New(mempoolConfig(), metrics.New(), fn, nil)

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := types.NewTx(&types.LegacyTx{
		Nonce: 1, To: &other, Gas: 200_000,
		GasPrice: new(big.Int).Mul(big.NewInt(40), big.NewInt(params.GWei)),
		Value:    big.NewInt(0),
		Data:     swapCalldata(weth, usdc),
	})
	l.Process(tx)
	require.Len(t, *opps, 1)
	assert.False(t, (*opps)[0].Mempool.HasOpportunity, "unknown venue carries no opportunity")
}

func TestDecodeTokenPair(t *testing.T) {
	a, b, ok := decodeTokenPair(swapCalldata(weth, usdc))
	require.True(t, ok)
	assert.Equal(t, weth, a)
	assert.Equal(t, usdc, b)

	_, _, ok = decodeTokenPair([]byte{0x38, 0xed, 0x17, 0x39})
	assert.False(t, ok)

	// Duplicate words collapse; one distinct address is not a pair.
	dup := []byte{0x38, 0xed, 0x17, 0x39}
	dup = append(dup, common.LeftPadBytes(weth.Bytes(), 32)...)
	dup = append(dup, common.LeftPadBytes(weth.Bytes(), 32)...)
	_, _, ok = decodeTokenPair(dup)
	assert.False(t, ok)
}

func TestHandleLog(t *testing.T) {
	var events []models.RawEvent
	l := New(mempoolConfig(), metrics.New(), nil, func(ev models.RawEvent) {
		events = append(events, ev)
	})

	pool := common.HexToAddress("0x3333333333333333333333333333333333333333")
	l.HandleLog(types.Log{
		Address:     pool,
		Topics:      []common.Hash{topicSwapV2},
		BlockNumber: 123,
		TxHash:      common.HexToHash("0xbeef"),
	})
	l.HandleLog(types.Log{
		Address: pool,
		Topics:  []common.Hash{common.HexToHash("0xdead")}, // unknown topic
	})

	require.Len(t, events, 1)
	assert.Equal(t, "swap", events[0].Type)
	assert.Equal(t, pool.Hex(), events[0].Contract)
	assert.Equal(t, uint64(123), events[0].Block)
}
