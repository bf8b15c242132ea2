// Package chain wraps the JSON-RPC chain client and the statically-declared
// event schemas for every log source the relay monitors.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event schemas are fixed at startup; no ABI documents are loaded at runtime.
// The JSON below covers the three swap/transfer shapes plus the exchange
// helper's four trade events.
const (
	erc20ABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

	uniswapV2ABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Swap","type":"event"}]`

	uniswapV3ABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"recipient","type":"address"},{"indexed":false,"name":"amount0","type":"int256"},{"indexed":false,"name":"amount1","type":"int256"},{"indexed":false,"name":"sqrtPriceX96","type":"uint160"},{"indexed":false,"name":"liquidity","type":"uint128"},{"indexed":false,"name":"tick","type":"int24"}],"name":"Swap","type":"event"}]`

	exchangeHelperABIJSON = `[
	  {"anonymous":false,"inputs":[{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"amountIn","type":"uint256"},{"indexed":false,"name":"amountOut","type":"uint256"}],"name":"TokensBought","type":"event"},
	  {"anonymous":false,"inputs":[{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"amountIn","type":"uint256"},{"indexed":false,"name":"amountOut","type":"uint256"}],"name":"TokensSold","type":"event"},
	  {"anonymous":false,"inputs":[{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"ethIn","type":"uint256"},{"indexed":false,"name":"tokensOut","type":"uint256"}],"name":"TokensBoughtETH","type":"event"},
	  {"anonymous":false,"inputs":[{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"tokensIn","type":"uint256"},{"indexed":false,"name":"ethOut","type":"uint256"}],"name":"TokensSoldETH","type":"event"}
	]`
)

var (
	erc20ABI  abi.ABI
	v2PoolABI abi.ABI
	v3PoolABI abi.ABI
	helperABI abi.ABI

	// Topic0 hashes, resolved once from the parsed schemas.
	TransferTopic common.Hash
	SwapV2Topic   common.Hash
	SwapV3Topic   common.Hash
	HelperTopics  []common.Hash

	helperEventByTopic map[common.Hash]abi.Event
)

func init() {
	erc20ABI = mustParseABI(erc20ABIJSON)
	v2PoolABI = mustParseABI(uniswapV2ABIJSON)
	v3PoolABI = mustParseABI(uniswapV3ABIJSON)
	helperABI = mustParseABI(exchangeHelperABIJSON)

	TransferTopic = erc20ABI.Events["Transfer"].ID
	SwapV2Topic = v2PoolABI.Events["Swap"].ID
	SwapV3Topic = v3PoolABI.Events["Swap"].ID

	helperEventByTopic = make(map[common.Hash]abi.Event, len(helperABI.Events))
	for _, ev := range helperABI.Events {
		helperEventByTopic[ev.ID] = ev
		HelperTopics = append(HelperTopics, ev.ID)
	}
}

func mustParseABI(spec string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(spec))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid embedded abi: %v", err))
	}
	return parsed
}

// V2Swap is a decoded Uniswap V2-style Swap log.
type V2Swap struct {
	Sender     common.Address
	To         common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// V3Swap is a decoded Uniswap V3-style Swap log. Amount0/Amount1 are from
// the pool's perspective: positive means the pool received that token.
type V3Swap struct {
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         *big.Int
}

// HelperTrade is one decoded exchange-helper trade event, already reduced
// to the monitored-token leg.
type HelperTrade struct {
	Trader      common.Address
	Side        string // "buy" or "sell"
	TokenAmount *big.Int
	QuoteAmount *big.Int
}

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseV2Swap decodes a V2 pool Swap log.
func ParseV2Swap(l types.Log) (*V2Swap, error) {
	if len(l.Topics) < 3 || l.Topics[0] != SwapV2Topic {
		return nil, fmt.Errorf("not a v2 swap log")
	}
	vals, err := v2PoolABI.Unpack("Swap", l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack v2 swap: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("unpack v2 swap: want 4 fields, got %d", len(vals))
	}
	return &V2Swap{
		Sender:     common.BytesToAddress(l.Topics[1].Bytes()),
		To:         common.BytesToAddress(l.Topics[2].Bytes()),
		Amount0In:  vals[0].(*big.Int),
		Amount1In:  vals[1].(*big.Int),
		Amount0Out: vals[2].(*big.Int),
		Amount1Out: vals[3].(*big.Int),
	}, nil
}

// ParseV3Swap decodes a V3 pool Swap log.
func ParseV3Swap(l types.Log) (*V3Swap, error) {
	if len(l.Topics) < 3 || l.Topics[0] != SwapV3Topic {
		return nil, fmt.Errorf("not a v3 swap log")
	}
	vals, err := v3PoolABI.Unpack("Swap", l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack v3 swap: %w", err)
	}
	if len(vals) != 5 {
		return nil, fmt.Errorf("unpack v3 swap: want 5 fields, got %d", len(vals))
	}
	return &V3Swap{
		Sender:       common.BytesToAddress(l.Topics[1].Bytes()),
		Recipient:    common.BytesToAddress(l.Topics[2].Bytes()),
		Amount0:      vals[0].(*big.Int),
		Amount1:      vals[1].(*big.Int),
		SqrtPriceX96: vals[2].(*big.Int),
		Liquidity:    vals[3].(*big.Int),
		Tick:         vals[4].(*big.Int),
	}, nil
}

// ParseHelperTrade decodes one of the exchange helper's four trade events.
func ParseHelperTrade(l types.Log) (*HelperTrade, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("helper log missing topics")
	}
	ev, ok := helperEventByTopic[l.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("unknown helper topic %s", l.Topics[0].Hex())
	}
	vals, err := helperABI.Unpack(ev.Name, l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unpack %s: want 2 fields, got %d", ev.Name, len(vals))
	}

	trade := &HelperTrade{Trader: common.BytesToAddress(l.Topics[1].Bytes())}
	in := vals[0].(*big.Int)
	out := vals[1].(*big.Int)

	switch ev.Name {
	case "TokensBought", "TokensBoughtETH":
		trade.Side = "buy"
		trade.TokenAmount = out
		trade.QuoteAmount = in
	case "TokensSold", "TokensSoldETH":
		trade.Side = "sell"
		trade.TokenAmount = in
		trade.QuoteAmount = out
	default:
		return nil, fmt.Errorf("unknown helper event %s", ev.Name)
	}

	return trade, nil
}

// ParseTransfer decodes an ERC-20 Transfer log.
func ParseTransfer(l types.Log) (*Transfer, error) {
	if len(l.Topics) < 3 || l.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("not a transfer log")
	}
	vals, err := erc20ABI.Unpack("Transfer", l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack transfer: %w", err)
	}
	return &Transfer{
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: vals[0].(*big.Int),
	}, nil
}
