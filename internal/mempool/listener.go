// Package mempool watches pending DEX transactions and contract logs,
// scoring MEV patterns (front-running, sandwiches) into opportunities.
package mempool

import (
	"context"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/metrics"
	"github.com/arbflow/arbflow/internal/models"
)

// Known router swap selectors, v2 and v3 families.
var swapSelectors = map[[4]byte]string{
	{0x38, 0xed, 0x17, 0x39}: "swapExactTokensForTokens",
	{0x7f, 0xf3, 0x6a, 0xb5}: "swapExactETHForTokens",
	{0x18, 0xcb, 0xaf, 0xe5}: "swapExactTokensForETH",
	{0x88, 0x03, 0xdb, 0xee}: "swapTokensForExactTokens",
	{0x41, 0x4b, 0xf3, 0x89}: "exactInputSingle",
	{0xc0, 0x4b, 0x8d, 0x59}: "exactInput",
	{0x04, 0xe4, 0x5a, 0xaf}: "exactInputSingle",
	{0x5a, 0xe4, 0x01, 0xdc}: "multicall",
}

// Pool event topics decoded from contract logs.
var (
	topicSwapV2 = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")
	topicMintV2 = common.HexToHash("0x4c209b5fc8ad50758f13e2e1088ba56a560dff690a1c6fef26394f4c03821c4f")
	topicBurnV2 = common.HexToHash("0xdccd412f0b1252819cb1fd330b93224ca42612892bb3f4f789976e6d81936496")
	topicSwapV3 = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")
)

// OpportunityFunc receives each mempool-derived opportunity.
type OpportunityFunc func(models.Opportunity)

// EventFunc receives decoded contract-log events for the router.
type EventFunc func(models.RawEvent)

// TxStream supplies pending transactions; implemented by the engine's
// chain client wiring.
type TxStream interface {
	Pending(ctx context.Context) (<-chan *types.Transaction, error)
}

type pendingTx struct {
	hash string
	seen time.Time
}

// Listener turns pending DEX traffic into mempool/MEV opportunities.
type Listener struct {
	cfg     config.MempoolConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	onOpp   OpportunityFunc
	onEvent EventFunc
	now     func() time.Time

	routers   map[common.Address]struct{}
	hotTokens map[common.Address]struct{}

	mu      sync.Mutex
	buckets map[string][]pendingTx // sorted token pair -> recent txs

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the listener.
func New(cfg config.MempoolConfig, m *metrics.Metrics, onOpp OpportunityFunc, onEvent EventFunc) *Listener {
	if m == nil {
		m = metrics.New()
	}
	routers := make(map[common.Address]struct{}, len(cfg.DEXRouters))
	for _, addr := range cfg.DEXRouters {
		routers[common.HexToAddress(addr)] = struct{}{}
	}
	hot := make(map[common.Address]struct{}, len(cfg.HotTokens))
	for _, addr := range cfg.HotTokens {
		hot[common.HexToAddress(addr)] = struct{}{}
	}
	return &Listener{
		cfg:       cfg,
		metrics:   m,
		logger:    log.With().Str("component", "mempool").Logger(),
		onOpp:     onOpp,
		onEvent:   onEvent,
		now:       time.Now,
		routers:   routers,
		hotTokens: hot,
		buckets:   make(map[string][]pendingTx),
	}
}

// Start consumes the pending stream until the context ends.
func (l *Listener) Start(ctx context.Context, stream TxStream) error {
	ctx, l.cancel = context.WithCancel(ctx)
	ch, err := stream.Pending(ctx)
	if err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tx, ok := <-ch:
				if !ok {
					return
				}
				l.Process(tx)
			}
		}
	}()
	return nil
}

// Close stops the consumer.
func (l *Listener) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Process inspects one pending transaction. Non-DEX traffic with no
// known swap selector is ignored.
func (l *Listener) Process(tx *types.Transaction) {
	if tx == nil || tx.To() == nil {
		return
	}
	_, isDEX := l.routers[*tx.To()]
	_, hasSwap := matchSelector(tx.Data())
	if !isDEX && !hasSwap {
		return
	}
	now := l.now()
	gasGwei := gweiFromWei(tx.GasPrice())
	valueEth := ethFromWei(tx.Value())
	tokenA, tokenB, pairOK := decodeTokenPair(tx.Data())

	confidence := l.confidence(gasGwei, valueEth, tokenA, tokenB)
	details := &models.MempoolDetails{
		TxHash:         tx.Hash().Hex(),
		To:             tx.To().Hex(),
		GasPriceGwei:   gasGwei,
		ValueEth:       valueEth,
		Confidence:     confidence,
		PriorityScore:  priorityScore(valueEth, confidence, 0),
		HasOpportunity: isDEX && (hasSwap || confidence >= 0.6),
		MEVRisk:        mevRisk(gasGwei, l.cfg.FrontrunGasGwei),
	}
	if pairOK {
		details.TokenPair = pairKey(tokenA, tokenB)
	}

	switch {
	case gasGwei > l.cfg.FrontrunGasGwei:
		l.emit(models.TypeMEVFrontrun, details, models.UrgencyCritical, now)
	case pairOK && l.bucketSandwich(details, now):
		// emitted inside bucketSandwich
	default:
		urgency := models.UrgencyMedium
		if confidence >= 0.7 {
			urgency = models.UrgencyHigh
		}
		l.emit(models.TypeMempool, details, urgency, now)
	}
}

// bucketSandwich tracks per-pair traffic; a burst of SandwichMinTxs
// within the window emits one sandwich opportunity carrying the bundle.
func (l *Listener) bucketSandwich(details *models.MempoolDetails, now time.Time) bool {
	window := time.Duration(l.cfg.SandwichWindowSecs) * time.Second
	l.mu.Lock()
	bucket := l.buckets[details.TokenPair]
	kept := bucket[:0]
	for _, ptx := range bucket {
		if now.Sub(ptx.seen) <= window {
			kept = append(kept, ptx)
		}
	}
	kept = append(kept, pendingTx{hash: details.TxHash, seen: now})
	if len(kept) < l.cfg.SandwichMinTxs {
		l.buckets[details.TokenPair] = kept
		l.mu.Unlock()
		return false
	}
	bundle := make([]string, len(kept))
	for i, ptx := range kept {
		bundle[i] = ptx.hash
	}
	delete(l.buckets, details.TokenPair) // one emission per burst
	l.mu.Unlock()

	sandwich := *details
	sandwich.Bundle = bundle
	sandwich.Confidence = math.Min(details.Confidence+0.15, 1.0)
	sandwich.MEVRisk = "high"
	l.emit(models.TypeMEVSandwich, &sandwich, models.UrgencyCritical, now)
	return true
}

func (l *Listener) emit(typ models.OpportunityType, details *models.MempoolDetails, urgency models.Urgency, now time.Time) {
	if l.onOpp == nil {
		return
	}
	l.metrics.Opportunities.WithLabelValues(string(typ)).Inc()
	l.onOpp(models.Opportunity{
		ID:         models.NewOpportunityID(),
		Type:       typ,
		Symbol:     details.TokenPair,
		Source:     "mempool",
		DetectedAt: now,
		Urgency:    urgency,
		Mempool:    details,
	})
}

// confidence starts at 0.5 and earns bonuses for aggressive gas, hot
// tokens and trade size, clamped to 1.0.
func (l *Listener) confidence(gasGwei, valueEth float64, tokenA, tokenB common.Address) float64 {
	c := 0.5
	switch {
	case gasGwei > l.cfg.FrontrunGasGwei:
		c += 0.2
	case gasGwei > l.cfg.FrontrunGasGwei/2:
		c += 0.1
	}
	if _, hot := l.hotTokens[tokenA]; hot {
		c += 0.15
	} else if _, hot := l.hotTokens[tokenB]; hot {
		c += 0.15
	}
	switch {
	case valueEth > l.cfg.LargeValueEth:
		c += 0.2
	case valueEth > l.cfg.LargeValueEth/2:
		c += 0.1
	}
	return math.Min(c, 1.0)
}

// priorityScore combines a value term, the confidence term and a 20s
// time decay.
func priorityScore(valueEth, confidence float64, age time.Duration) float64 {
	valueTerm := math.Min(valueEth*2, 40)
	decay := math.Max(0, 20-age.Seconds())
	return valueTerm + 30*confidence + decay
}

func mevRisk(gasGwei, threshold float64) string {
	switch {
	case gasGwei > threshold:
		return "high"
	case gasGwei > threshold/2:
		return "medium"
	default:
		return "low"
	}
}

// HandleLog decodes a known pool event into a raw event for the router.
func (l *Listener) HandleLog(lg types.Log) {
	if l.onEvent == nil || len(lg.Topics) == 0 {
		return
	}
	var name string
	switch lg.Topics[0] {
	case topicSwapV2, topicSwapV3:
		name = "swap"
	case topicMintV2:
		name = "mint"
	case topicBurnV2:
		name = "burn"
	default:
		return
	}
	l.onEvent(models.RawEvent{
		Type:       name,
		Contract:   lg.Address.Hex(),
		Block:      lg.BlockNumber,
		TxHash:     lg.TxHash.Hex(),
		Payload:    map[string]any{"topics": len(lg.Topics), "data_len": len(lg.Data)},
		ReceivedAt: l.now(),
	})
}

func matchSelector(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	name, ok := swapSelectors[sel]
	return name, ok
}

// decodeTokenPair scans calldata words for the first two distinct
// address-shaped values. Best effort: router calldata layouts differ,
// and a miss only costs sandwich bucketing for that transaction.
func decodeTokenPair(data []byte) (common.Address, common.Address, bool) {
	var found []common.Address
	for off := 4; off+32 <= len(data) && len(found) < 2; off += 32 {
		word := data[off : off+32]
		if !isAddressWord(word) {
			continue
		}
		addr := common.BytesToAddress(word[12:])
		if len(found) == 1 && found[0] == addr {
			continue
		}
		found = append(found, addr)
	}
	if len(found) < 2 {
		return common.Address{}, common.Address{}, false
	}
	return found[0], found[1], true
}

// isAddressWord reports whether a 32-byte word is a left-padded
// non-zero address.
func isAddressWord(word []byte) bool {
	for _, b := range word[:12] {
		if b != 0 {
			return false
		}
	}
	zero := true
	for _, b := range word[12:] {
		if b != 0 {
			zero = false
			break
		}
	}
	return !zero
}

// pairKey is the sorted token-pair bucket key.
func pairKey(a, b common.Address) string {
	pair := []string{strings.ToLower(a.Hex()), strings.ToLower(b.Hex())}
	sort.Strings(pair)
	return pair[0] + "/" + pair[1]
}

func gweiFromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return f
}

func ethFromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether)).Float64()
	return f
}
