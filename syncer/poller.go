// Package syncer polls the chain for swap and helper-trade activity and
// turns raw logs into normalized trade events.
package syncer

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/noma-protocol/frontend-sub002/chain"
	"github.com/noma-protocol/frontend-sub002/config"
	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/observability"
	"github.com/noma-protocol/frontend-sub002/storage"
)

// maxBlockRange caps how many blocks one cycle scans so a long outage does
// not produce an unbounded eth_getLogs call. The watermark advances to the
// end of the scanned range, so catch-up happens across cycles.
const maxBlockRange = 2000

// Poller drives the polling loop: fetch logs for the monitored pools and
// helper contract, normalize them, and persist exactly one trade event per
// transaction hash.
type Poller struct {
	client   chain.Client
	store    storage.DataStore
	registry *PoolRegistry
	cfg      config.ChainConfig

	attributor *Attributor

	// Trade callback, invoked after a trade event is persisted
	onTrade    func(models.TradeEvent)
	onTransfer func(chain.Transfer, types.Log)

	mu        sync.Mutex
	lastBlock uint64

	// Processed tx hashes (to avoid duplicates within the retention window)
	processedTxs   map[string]bool
	processedTxsMu sync.Mutex

	running bool
	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller over the given client, store and pool set.
func NewPoller(client chain.Client, store storage.DataStore, registry *PoolRegistry, cfg config.ChainConfig) *Poller {
	return &Poller{
		client:       client,
		store:        store,
		registry:     registry,
		cfg:          cfg,
		processedTxs: make(map[string]bool),
	}
}

// SetAttributor wires referral attribution into the trade pipeline.
func (p *Poller) SetAttributor(a *Attributor) {
	p.attributor = a
}

// OnTrade registers a callback invoked for every persisted trade event.
func (p *Poller) OnTrade(fn func(models.TradeEvent)) {
	p.onTrade = fn
}

// OnTransfer registers a callback for watched token transfers. Only fires
// when transfer watching is enabled in config.
func (p *Poller) OnTransfer(fn func(chain.Transfer, types.Log)) {
	p.onTransfer = fn
}

// StartMonitoring begins the polling loop. The watermark starts at the
// current head; historical blocks are never backfilled.
func (p *Poller) StartMonitoring(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return fmt.Errorf("poller already running")
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}

	p.mu.Lock()
	p.lastBlock = head
	p.mu.Unlock()

	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx)

	log.Printf("[Poller] Started at block %d, interval %dms, %d pools enabled",
		head, p.cfg.PollIntervalMS, len(p.registry.Enabled()))
	return nil
}

// StopMonitoring shuts the loop down and waits for the in-flight cycle.
func (p *Poller) StopMonitoring() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	p.wg.Wait()
	log.Printf("[Poller] Stopped")
}

// ReloadPools re-reads the pool registry document. The active cycle keeps
// the snapshot it started with; the next cycle sees the new set.
func (p *Poller) ReloadPools() error {
	return p.registry.Reload()
}

// LastBlock returns the current watermark.
func (p *Poller) LastBlock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBlock
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, interval*4)
			err := p.pollCycle(cycleCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}

			failures++
			observability.RecordCycleFailure()
			log.Printf("[Poller] Cycle failed (attempt %d/%d): %v", failures, p.cfg.MaxReconnects, err)

			if failures > p.cfg.MaxReconnects {
				log.Printf("[Poller] Giving up after %d consecutive failures; monitoring halted", failures-1)
				p.runMu.Lock()
				p.running = false
				p.runMu.Unlock()
				return
			}

			// Linear backoff before reconnecting, bounded by the retry budget
			delay := time.Duration(p.cfg.BackoffBaseMS) * time.Millisecond * time.Duration(failures)
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(delay):
			}

			if rc, ok := p.client.(interface{ Reconnect(context.Context) error }); ok {
				if rerr := rc.Reconnect(ctx); rerr != nil {
					log.Printf("[Poller] Reconnect failed: %v", rerr)
				}
			}
		}
	}
}

// pollCycle scans (watermark, head] for relevant logs. The watermark only
// moves when the whole cycle succeeds, so a failed cycle is retried from
// the same position.
func (p *Poller) pollCycle(ctx context.Context) error {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	p.mu.Lock()
	from := p.lastBlock + 1
	p.mu.Unlock()

	if head < from {
		return nil
	}
	to := head
	if to-from > maxBlockRange {
		to = from + maxBlockRange
	}

	blockTimes := make(map[uint64]time.Time)

	// Snapshot of the enabled set; a concurrent pool reload only takes
	// effect on the next cycle.
	pools := p.registry.Enabled()
	poolSet := make(map[string]models.PoolConfig, len(pools))
	for _, pool := range pools {
		poolSet[pool.Address] = pool
	}

	if len(pools) > 0 {
		addresses := make([]common.Address, 0, len(pools))
		for _, pool := range pools {
			addresses = append(addresses, common.HexToAddress(pool.Address))
		}

		logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addresses,
			Topics:    [][]common.Hash{{chain.SwapV2Topic, chain.SwapV3Topic}},
		})
		if err != nil {
			return fmt.Errorf("filter swap logs: %w", err)
		}
		for _, l := range logs {
			if err := p.handleSwapLog(ctx, l, poolSet, blockTimes); err != nil {
				return err
			}
		}
	}

	if p.cfg.ExchangeHelper != "" {
		logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{common.HexToAddress(p.cfg.ExchangeHelper)},
			Topics:    [][]common.Hash{chain.HelperTopics},
		})
		if err != nil {
			return fmt.Errorf("filter helper logs: %w", err)
		}
		for _, l := range logs {
			if err := p.handleHelperLog(ctx, l, blockTimes); err != nil {
				return err
			}
		}
	}

	if p.cfg.WatchTransfers && p.cfg.TokenAddress != "" {
		logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{common.HexToAddress(p.cfg.TokenAddress)},
			Topics:    [][]common.Hash{{chain.TransferTopic}},
		})
		if err != nil {
			return fmt.Errorf("filter transfer logs: %w", err)
		}
		for _, l := range logs {
			transfer, err := chain.ParseTransfer(l)
			if err != nil {
				log.Printf("[Poller] Skipping malformed transfer log %s/%d: %v", l.TxHash.Hex(), l.Index, err)
				continue
			}
			if p.onTransfer != nil {
				p.onTransfer(*transfer, l)
			}
		}
	}

	p.mu.Lock()
	p.lastBlock = to
	p.mu.Unlock()
	return nil
}

// handleSwapLog normalizes a pool Swap log against the cycle's pool
// snapshot. Malformed logs and swaps that do not touch the monitored token
// are skipped; persistence failures abort the cycle so the block range is
// retried.
func (p *Poller) handleSwapLog(ctx context.Context, l types.Log, poolSet map[string]models.PoolConfig, blockTimes map[uint64]time.Time) error {
	pool, ok := poolSet[strings.ToLower(l.Address.Hex())]
	if !ok {
		return nil
	}

	var (
		side     string
		amount   *big.Int
		fallback common.Address
	)

	switch l.Topics[0] {
	case chain.SwapV2Topic:
		swap, err := chain.ParseV2Swap(l)
		if err != nil {
			log.Printf("[Poller] Skipping malformed v2 swap %s/%d: %v", l.TxHash.Hex(), l.Index, err)
			return nil
		}
		in, out, ok := p.tokenLegV2(pool, swap)
		if !ok {
			return nil
		}
		// Token flowing into the pool means the trader sold it
		if in.Sign() > 0 {
			side, amount = models.TradeSell, in
		} else if out.Sign() > 0 {
			side, amount = models.TradeBuy, out
		} else {
			return nil
		}
		fallback = swap.To

	case chain.SwapV3Topic:
		swap, err := chain.ParseV3Swap(l)
		if err != nil {
			log.Printf("[Poller] Skipping malformed v3 swap %s/%d: %v", l.TxHash.Hex(), l.Index, err)
			return nil
		}
		delta, ok := p.tokenLegV3(pool, swap)
		if !ok || delta.Sign() == 0 {
			return nil
		}
		// Positive delta means the pool received the token: a sell
		if delta.Sign() > 0 {
			side, amount = models.TradeSell, delta
		} else {
			side, amount = models.TradeBuy, new(big.Int).Neg(delta)
		}
		fallback = swap.Recipient

	default:
		return nil
	}

	return p.emitTrade(ctx, l, side, amount, pool.Address, fallback, blockTimes)
}

func (p *Poller) handleHelperLog(ctx context.Context, l types.Log, blockTimes map[uint64]time.Time) error {
	trade, err := chain.ParseHelperTrade(l)
	if err != nil {
		log.Printf("[Poller] Skipping malformed helper log %s/%d: %v", l.TxHash.Hex(), l.Index, err)
		return nil
	}
	return p.emitTrade(ctx, l, trade.Side, trade.TokenAmount, p.cfg.ExchangeHelper, trade.Trader, blockTimes)
}

// emitTrade applies dedup and the size threshold, resolves the trader and
// block time, persists the event and fans it out.
func (p *Poller) emitTrade(ctx context.Context, l types.Log, side string, amount *big.Int, source string, fallback common.Address, blockTimes map[uint64]time.Time) error {
	txHash := strings.ToLower(l.TxHash.Hex())

	// Filter before dedup so a dust log does not consume the tx hash
	if p.cfg.MinTradeSize > 0 && unitsFloat(amount, p.cfg.TokenDecimals) < p.cfg.MinTradeSize {
		observability.RecordLogSkipped("below_min_size")
		return nil
	}

	p.processedTxsMu.Lock()
	if p.processedTxs[txHash] {
		p.processedTxsMu.Unlock()
		observability.RecordLogSkipped("duplicate_tx")
		return nil
	}
	p.processedTxs[txHash] = true
	// Cleanup old entries (keep last 1000)
	if len(p.processedTxs) > 1000 {
		for k := range p.processedTxs {
			delete(p.processedTxs, k)
			if len(p.processedTxs) <= 500 {
				break
			}
		}
	}
	p.processedTxsMu.Unlock()

	tokens := formatUnits(amount, p.cfg.TokenDecimals)

	trader, err := p.client.TransactionSender(ctx, l.TxHash)
	if err != nil {
		// Recipient is a weaker identity than the tx sender but better
		// than dropping the trade
		log.Printf("[Poller] Sender lookup failed for %s, using log recipient: %v", txHash, err)
		trader = fallback
	}

	timestamp, ok := blockTimes[l.BlockNumber]
	if !ok {
		header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
		if err != nil {
			return fmt.Errorf("header %d: %w", l.BlockNumber, err)
		}
		timestamp = time.Unix(int64(header.Time), 0).UTC()
		blockTimes[l.BlockNumber] = timestamp
	}

	event := models.TradeEvent{
		Hash:        txHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Type:        side,
		Trader:      strings.ToLower(trader.Hex()),
		Source:      strings.ToLower(source),
		TokenSymbol: p.cfg.TokenSymbol,
		Amount:      tokens,
		Timestamp:   timestamp,
	}

	if err := p.store.SaveTradeEvent(ctx, event); err != nil {
		return fmt.Errorf("save trade %s: %w", txHash, err)
	}

	observability.RecordTradeIngested(event.BlockNumber)
	log.Printf("[Poller] Trade detected: %s %s %s by %s (block %d)",
		event.Type, event.Amount, event.TokenSymbol, event.Trader, event.BlockNumber)

	if p.attributor != nil {
		if err := p.attributor.Record(ctx, event); err != nil {
			log.Printf("[Poller] Warning: referral attribution failed for %s: %v", txHash, err)
		}
	}
	if p.onTrade != nil {
		p.onTrade(event)
	}
	return nil
}

// tokenLegV2 returns the monitored token's in/out amounts for a v2 swap.
func (p *Poller) tokenLegV2(pool models.PoolConfig, swap *chain.V2Swap) (in, out *big.Int, ok bool) {
	switch {
	case strings.EqualFold(pool.Token0, p.cfg.TokenAddress):
		return swap.Amount0In, swap.Amount0Out, true
	case strings.EqualFold(pool.Token1, p.cfg.TokenAddress):
		return swap.Amount1In, swap.Amount1Out, true
	}
	return nil, nil, false
}

// tokenLegV3 returns the monitored token's signed delta for a v3 swap.
func (p *Poller) tokenLegV3(pool models.PoolConfig, swap *chain.V3Swap) (*big.Int, bool) {
	switch {
	case strings.EqualFold(pool.Token0, p.cfg.TokenAddress):
		return swap.Amount0, true
	case strings.EqualFold(pool.Token1, p.cfg.TokenAddress):
		return swap.Amount1, true
	}
	return nil, false
}

// formatUnits renders a raw token amount as a whole-token decimal string
// with trailing zeros trimmed.
func formatUnits(v *big.Int, decimals int) string {
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, div, new(big.Int))

	s := whole.String()
	if frac.Sign() > 0 {
		fs := fmt.Sprintf("%0*s", decimals, frac.String())
		fs = strings.TrimRight(fs, "0")
		s += "." + fs
	}
	if neg {
		s = "-" + s
	}
	return s
}

// unitsFloat converts a raw token amount to a float64 token count for
// threshold comparison. Precision loss is acceptable here.
func unitsFloat(v *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(new(big.Int).Abs(v))
	div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(f, div).Float64()
	return out
}
