package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the read surface the poller needs from a chain node. The
// production implementation wraps go-ethereum's ethclient; tests substitute
// an in-memory fake.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error)
	Close()
}

// RPCClient is the ethclient-backed Client. Reconnect replaces the
// underlying connection wholesale; callers hold the wrapper, never the
// raw ethclient.
type RPCClient struct {
	url string

	mu      sync.RWMutex
	eth     *ethclient.Client
	chainID *big.Int
}

// Dial connects to the RPC endpoint and resolves the chain id once.
func Dial(ctx context.Context, url string) (*RPCClient, error) {
	if url == "" {
		return nil, fmt.Errorf("chain: rpc url is empty")
	}

	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}

	log.Printf("[chain] connected to %s (chain id %s)", url, chainID)
	return &RPCClient{url: url, eth: eth, chainID: chainID}, nil
}

// Reconnect tears down the current connection and dials again. The chain
// id must not change across reconnects.
func (c *RPCClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}

	eth, err := ethclient.DialContext(ctx, c.url)
	if err != nil {
		return fmt.Errorf("chain: redial %s: %w", c.url, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return fmt.Errorf("chain: chain id: %w", err)
	}
	if c.chainID != nil && chainID.Cmp(c.chainID) != 0 {
		eth.Close()
		return fmt.Errorf("chain: chain id changed from %s to %s", c.chainID, chainID)
	}

	c.eth = eth
	c.chainID = chainID
	log.Printf("[chain] reconnected to %s", c.url)
	return nil
}

func (c *RPCClient) client() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eth == nil {
		return nil, fmt.Errorf("chain: not connected")
	}
	return c.eth, nil
}

// BlockNumber returns the current chain height.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.client()
	if err != nil {
		return 0, err
	}
	return eth.BlockNumber(ctx)
}

// FilterLogs runs one eth_getLogs query.
func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	return eth.FilterLogs(ctx, q)
}

// HeaderByNumber fetches one block header (used for block timestamps).
func (c *RPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	eth, err := c.client()
	if err != nil {
		return nil, err
	}
	return eth.HeaderByNumber(ctx, number)
}

// TransactionSender resolves the origin address of a transaction. Swaps are
// routed through intermediary contracts, so the log emitter is almost never
// the trader; the tx sender is.
func (c *RPCClient) TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error) {
	eth, err := c.client()
	if err != nil {
		return common.Address{}, err
	}

	tx, pending, err := eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: tx %s: %w", txHash.Hex(), err)
	}
	if pending {
		return common.Address{}, fmt.Errorf("chain: tx %s still pending", txHash.Hex())
	}

	c.mu.RLock()
	chainID := c.chainID
	c.mu.RUnlock()

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: recover sender of %s: %w", txHash.Hex(), err)
	}
	return sender, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// WaitForConnection retries Dial with a linear backoff until the endpoint
// answers or attempts are exhausted.
func WaitForConnection(ctx context.Context, url string, attempts int, base time.Duration) (*RPCClient, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := Dial(ctx, url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		delay := base * time.Duration(attempt)
		log.Printf("[chain] connect attempt %d/%d failed: %v (retrying in %s)", attempt, attempts, err, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("chain: unreachable after %d attempts: %w", attempts, lastErr)
}
