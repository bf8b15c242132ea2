package syncer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/noma-protocol/frontend-sub002/chain"
	"github.com/noma-protocol/frontend-sub002/config"
	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

const (
	testToken  = "0x1111111111111111111111111111111111111111"
	testQuote  = "0x2222222222222222222222222222222222222222"
	testPool   = "0x3333333333333333333333333333333333333333"
	testTrader = "0x4444444444444444444444444444444444444444"
)

type fakeClient struct {
	head      uint64
	logs      []types.Log
	senders   map[common.Hash]common.Address
	headErr   error
	filterErr error
	onFilter  func()
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.onFilter != nil {
		f.onFilter()
	}
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		addrOK := false
		for _, a := range q.Addresses {
			if a == l.Address {
				addrOK = true
				break
			}
		}
		if !addrOK {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			topicOK := false
			for _, t := range q.Topics[0] {
				if len(l.Topics) > 0 && l.Topics[0] == t {
					topicOK = true
					break
				}
			}
			if !topicOK {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1700000000}, nil
}

func (f *fakeClient) TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error) {
	if sender, ok := f.senders[txHash]; ok {
		return sender, nil
	}
	return common.Address{}, errors.New("sender not found")
}

func (f *fakeClient) Close() {}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		TokenAddress:   testToken,
		TokenSymbol:    "NOMA",
		TokenDecimals:  18,
		PollIntervalMS: 100,
		MinTradeSize:   10,
		MaxReconnects:  3,
		BackoffBaseMS:  10,
	}
}

func testRegistry(t *testing.T, version models.PoolVersion, token0, token1 string) *PoolRegistry {
	t.Helper()
	r, err := NewPoolRegistry("")
	if err != nil {
		t.Fatalf("NewPoolRegistry: %v", err)
	}
	r.Add(models.PoolConfig{
		Name:    "test",
		Address: testPool,
		Version: version,
		Token0:  token0,
		Token1:  token1,
		Enabled: true,
	})
	return r
}

// tokens converts a whole-token count into raw 18-decimal units.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func packWords(words ...*big.Int) []byte {
	buf := make([]byte, 0, 32*len(words))
	for _, w := range words {
		buf = append(buf, math.U256Bytes(new(big.Int).Set(w))...)
	}
	return buf
}

func v3SwapLog(block uint64, index uint, txHash common.Hash, amount0, amount1 *big.Int) types.Log {
	return types.Log{
		Address: common.HexToAddress(testPool),
		Topics: []common.Hash{
			chain.SwapV3Topic,
			common.HexToHash(testTrader),
			common.HexToHash(testTrader),
		},
		Data:        packWords(amount0, amount1, big.NewInt(0), big.NewInt(0), big.NewInt(0)),
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
	}
}

func v2SwapLog(block uint64, index uint, txHash common.Hash, in0, in1, out0, out1 *big.Int) types.Log {
	return types.Log{
		Address: common.HexToAddress(testPool),
		Topics: []common.Hash{
			chain.SwapV2Topic,
			common.HexToHash(testTrader),
			common.HexToHash(testTrader),
		},
		Data:        packWords(in0, in1, out0, out1),
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
	}
}

func TestPollCycleV3Swaps(t *testing.T) {
	tests := []struct {
		name       string
		amount0    *big.Int
		amount1    *big.Int
		token0     string
		token1     string
		wantEvents int
		wantType   string
		wantAmount string
	}{
		{
			name:       "token0 into pool is a sell",
			amount0:    tokens(1000),
			amount1:    new(big.Int).Neg(tokens(3)),
			token0:     testToken,
			token1:     testQuote,
			wantEvents: 1,
			wantType:   models.TradeSell,
			wantAmount: "1000",
		},
		{
			name:       "token0 out of pool is a buy",
			amount0:    new(big.Int).Neg(tokens(250)),
			amount1:    tokens(1),
			token0:     testToken,
			token1:     testQuote,
			wantEvents: 1,
			wantType:   models.TradeBuy,
			wantAmount: "250",
		},
		{
			name:       "token1 leg when token is token1",
			amount0:    tokens(5),
			amount1:    new(big.Int).Neg(tokens(400)),
			token0:     testQuote,
			token1:     testToken,
			wantEvents: 1,
			wantType:   models.TradeBuy,
			wantAmount: "400",
		},
		{
			name:       "below minimum size is dropped",
			amount0:    tokens(5),
			amount1:    new(big.Int).Neg(tokens(1)),
			token0:     testToken,
			token1:     testQuote,
			wantEvents: 0,
		},
		{
			name:       "pool without the monitored token is ignored",
			amount0:    tokens(1000),
			amount1:    new(big.Int).Neg(tokens(3)),
			token0:     testQuote,
			token1:     "0x5555555555555555555555555555555555555555",
			wantEvents: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txHash := common.HexToHash("0xabc1")
			client := &fakeClient{
				head:    101,
				logs:    []types.Log{v3SwapLog(101, 0, txHash, tt.amount0, tt.amount1)},
				senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
			}
			store := storage.NewMockStore()
			registry := testRegistry(t, models.PoolV3, tt.token0, tt.token1)

			p := NewPoller(client, store, registry, testChainConfig())
			p.lastBlock = 100

			if err := p.pollCycle(context.Background()); err != nil {
				t.Fatalf("pollCycle: %v", err)
			}

			if len(store.TradeEvents) != tt.wantEvents {
				t.Fatalf("got %d events, want %d", len(store.TradeEvents), tt.wantEvents)
			}
			if tt.wantEvents == 0 {
				return
			}

			event := store.TradeEvents[strings.ToLower(txHash.Hex())]
			if event.Type != tt.wantType {
				t.Errorf("type = %q, want %q", event.Type, tt.wantType)
			}
			if event.Amount != tt.wantAmount {
				t.Errorf("amount = %q, want %q", event.Amount, tt.wantAmount)
			}
			if event.TokenSymbol != "NOMA" {
				t.Errorf("symbol = %q, want NOMA", event.TokenSymbol)
			}
			if event.Trader != testTrader {
				t.Errorf("trader = %q, want %q", event.Trader, testTrader)
			}
			if event.BlockNumber != 101 {
				t.Errorf("block = %d, want 101", event.BlockNumber)
			}
		})
	}
}

func TestPollCycleV2Swap(t *testing.T) {
	txHash := common.HexToHash("0xbeef")
	// token is token1; amount1Out > 0 means the trader bought it
	client := &fakeClient{
		head:    201,
		logs:    []types.Log{v2SwapLog(201, 0, txHash, tokens(2), big.NewInt(0), big.NewInt(0), tokens(150))},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV2, testQuote, testToken)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 200

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	event := store.TradeEvents[strings.ToLower(txHash.Hex())]
	if event.Type != models.TradeBuy {
		t.Errorf("type = %q, want buy", event.Type)
	}
	if event.Amount != "150" {
		t.Errorf("amount = %q, want 150", event.Amount)
	}
}

func TestPollCycleDeduplicatesTxHash(t *testing.T) {
	txHash := common.HexToHash("0xdup")
	client := &fakeClient{
		head: 301,
		logs: []types.Log{
			v3SwapLog(301, 0, txHash, tokens(100), new(big.Int).Neg(tokens(1))),
			v3SwapLog(301, 1, txHash, tokens(200), new(big.Int).Neg(tokens(2))),
		},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 300

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := store.Calls["SaveTradeEvent"]; got != 1 {
		t.Errorf("SaveTradeEvent called %d times, want 1", got)
	}
	if event := store.TradeEvents[strings.ToLower(txHash.Hex())]; event.Amount != "100" {
		t.Errorf("kept amount %q, want first log's 100", event.Amount)
	}
}

func TestPollCycleDustDoesNotConsumeTxHash(t *testing.T) {
	// A below-threshold log must not mark the tx hash processed; a larger
	// log in the same transaction still produces the event.
	txHash := common.HexToHash("0xdust")
	client := &fakeClient{
		head: 401,
		logs: []types.Log{
			v3SwapLog(401, 0, txHash, tokens(5), new(big.Int).Neg(tokens(1))),
			v3SwapLog(401, 1, txHash, tokens(500), new(big.Int).Neg(tokens(2))),
		},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 400

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	event := store.TradeEvents[strings.ToLower(txHash.Hex())]
	if event.Amount != "500" {
		t.Errorf("amount = %q, want 500", event.Amount)
	}
}

func TestPollCycleFallsBackToLogRecipient(t *testing.T) {
	txHash := common.HexToHash("0xnosender")
	client := &fakeClient{
		head: 501,
		logs: []types.Log{v3SwapLog(501, 0, txHash, tokens(100), new(big.Int).Neg(tokens(1)))},
		// no senders entry: TransactionSender fails
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 500

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	event := store.TradeEvents[strings.ToLower(txHash.Hex())]
	if event.Trader != testTrader {
		t.Errorf("trader = %q, want recipient fallback %q", event.Trader, testTrader)
	}
}

func TestPollCycleWatermark(t *testing.T) {
	t.Run("advances only on success", func(t *testing.T) {
		client := &fakeClient{head: 110, filterErr: errors.New("rpc down")}
		store := storage.NewMockStore()
		registry := testRegistry(t, models.PoolV3, testToken, testQuote)

		p := NewPoller(client, store, registry, testChainConfig())
		p.lastBlock = 100

		if err := p.pollCycle(context.Background()); err == nil {
			t.Fatal("expected error from failing filter")
		}
		if p.LastBlock() != 100 {
			t.Errorf("watermark moved to %d on failure, want 100", p.LastBlock())
		}

		client.filterErr = nil
		if err := p.pollCycle(context.Background()); err != nil {
			t.Fatalf("pollCycle: %v", err)
		}
		if p.LastBlock() != 110 {
			t.Errorf("watermark = %d, want 110", p.LastBlock())
		}
	})

	t.Run("bounds the scanned range", func(t *testing.T) {
		client := &fakeClient{head: 10000}
		store := storage.NewMockStore()
		registry := testRegistry(t, models.PoolV3, testToken, testQuote)

		p := NewPoller(client, store, registry, testChainConfig())
		p.lastBlock = 100

		if err := p.pollCycle(context.Background()); err != nil {
			t.Fatalf("pollCycle: %v", err)
		}
		if p.LastBlock() != 101+maxBlockRange {
			t.Errorf("watermark = %d, want %d", p.LastBlock(), 101+maxBlockRange)
		}
	})

	t.Run("no new blocks is a no-op", func(t *testing.T) {
		client := &fakeClient{head: 100}
		store := storage.NewMockStore()
		registry := testRegistry(t, models.PoolV3, testToken, testQuote)

		p := NewPoller(client, store, registry, testChainConfig())
		p.lastBlock = 100

		if err := p.pollCycle(context.Background()); err != nil {
			t.Fatalf("pollCycle: %v", err)
		}
		if p.LastBlock() != 100 {
			t.Errorf("watermark = %d, want 100", p.LastBlock())
		}
	})
}

func TestPollCycleHelperTrade(t *testing.T) {
	helperAddr := "0x6666666666666666666666666666666666666666"
	boughtTopic := crypto.Keccak256Hash([]byte("TokensBought(address,uint256,uint256)"))

	txHash := common.HexToHash("0xhelper")
	client := &fakeClient{
		head: 601,
		logs: []types.Log{{
			Address: common.HexToAddress(helperAddr),
			Topics: []common.Hash{
				boughtTopic,
				common.HexToHash(testTrader),
			},
			Data:        packWords(tokens(1), tokens(75)),
			BlockNumber: 601,
			TxHash:      txHash,
			Index:       0,
		}},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	cfg := testChainConfig()
	cfg.ExchangeHelper = helperAddr

	p := NewPoller(client, store, registry, cfg)
	p.lastBlock = 600

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	event := store.TradeEvents[strings.ToLower(txHash.Hex())]
	if event.Type != models.TradeBuy {
		t.Errorf("type = %q, want buy", event.Type)
	}
	if event.Amount != "75" {
		t.Errorf("amount = %q, want 75", event.Amount)
	}
	if event.Source != helperAddr {
		t.Errorf("source = %q, want %q", event.Source, helperAddr)
	}
}

func TestPollCycleAttributesReferredTrades(t *testing.T) {
	txHash := common.HexToHash("0xreferred")
	client := &fakeClient{
		head:    701,
		logs:    []types.Log{v3SwapLog(701, 0, txHash, tokens(100), new(big.Int).Neg(tokens(1)))},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	attributor := NewAttributor(store)
	ctx := context.Background()
	if err := attributor.RegisterCode(ctx, "alpha", "0x7777777777777777777777777777777777777777"); err != nil {
		t.Fatalf("RegisterCode: %v", err)
	}
	if err := attributor.RegisterUser(ctx, "alpha", testTrader); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	p := NewPoller(client, store, registry, testChainConfig())
	p.SetAttributor(attributor)
	p.lastBlock = 700

	if err := p.pollCycle(ctx); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if len(store.ReferralTrades) != 1 {
		t.Fatalf("got %d referral trades, want 1", len(store.ReferralTrades))
	}
	rt := store.ReferralTrades[0]
	if rt.ReferralCode != "alpha" {
		t.Errorf("code = %q, want alpha", rt.ReferralCode)
	}
	if rt.Volume != "100" {
		t.Errorf("volume = %q, want 100", rt.Volume)
	}
	if rt.TxHash != strings.ToLower(txHash.Hex()) {
		t.Errorf("tx hash = %q, want %q", rt.TxHash, strings.ToLower(txHash.Hex()))
	}
}

func TestPollCycleOnTradeCallback(t *testing.T) {
	txHash := common.HexToHash("0xcb")
	client := &fakeClient{
		head:    801,
		logs:    []types.Log{v3SwapLog(801, 0, txHash, tokens(100), new(big.Int).Neg(tokens(1)))},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 800

	var got []models.TradeEvent
	p.OnTrade(func(event models.TradeEvent) { got = append(got, event) })

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(got))
	}
	if got[0].Hash != strings.ToLower(txHash.Hex()) {
		t.Errorf("callback hash = %q, want %q", got[0].Hash, strings.ToLower(txHash.Hex()))
	}
	if got[0].Timestamp != time.Unix(1700000000, 0).UTC() {
		t.Errorf("callback timestamp = %v, want block time", got[0].Timestamp)
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals int
		want     string
	}{
		{"whole tokens", tokens(1000), 18, "1000"},
		{"fraction trimmed", big.NewInt(1500000000000000000), 18, "1.5"},
		{"sub-token amount", big.NewInt(1), 18, "0.000000000000000001"},
		{"zero", big.NewInt(0), 18, "0"},
		{"six decimals", big.NewInt(2500000), 6, "2.5"},
		{"negative", new(big.Int).Neg(tokens(3)), 18, "-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatUnits(tt.value, tt.decimals); got != tt.want {
				t.Errorf("formatUnits(%s, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPollCycleUsesPoolSnapshot(t *testing.T) {
	txHash := common.HexToHash("0xaa01")
	client := &fakeClient{
		head:    105,
		logs:    []types.Log{v3SwapLog(103, 0, txHash, tokens(1000), new(big.Int).Neg(tokens(3)))},
		senders: map[common.Hash]common.Address{txHash: common.HexToAddress(testTrader)},
	}
	store := storage.NewMockStore()
	registry := testRegistry(t, models.PoolV3, testToken, testQuote)

	p := NewPoller(client, store, registry, testChainConfig())
	p.lastBlock = 100

	// A registry swap landing mid-cycle must not drop already-fetched logs
	client.onFilter = func() {
		registry.Add(models.PoolConfig{Name: "test", Address: testPool, Enabled: false})
	}

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}
	if got := len(store.TradeEvents); got != 1 {
		t.Fatalf("got %d events, want 1", got)
	}
	event := store.TradeEvents[strings.ToLower(txHash.Hex())]
	if event.Type != models.TradeSell || event.Amount != "1000" {
		t.Errorf("event = %s/%s, want sell/1000", event.Type, event.Amount)
	}

	// The next cycle picks the reloaded set up and skips the disabled pool
	client.onFilter = nil
	tx2 := common.HexToHash("0xaa02")
	client.head = 110
	client.logs = append(client.logs, v3SwapLog(108, 0, tx2, tokens(500), new(big.Int).Neg(tokens(2))))
	client.senders[tx2] = common.HexToAddress(testTrader)

	if err := p.pollCycle(context.Background()); err != nil {
		t.Fatalf("second pollCycle: %v", err)
	}
	if got := len(store.TradeEvents); got != 1 {
		t.Errorf("disabled pool still ingested: %d events, want 1", got)
	}
}
