package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

const (
	profileCacheTTL = 2 * time.Minute
	statsCacheTTL   = time.Minute
)

// Relay is the read-side facade behind the REST handlers. It fronts the
// store with short-lived in-memory caches for the hot endpoints.
type Relay struct {
	store storage.DataStore

	cacheMu      sync.RWMutex
	profileCache map[string]profileCacheEntry
	statsCache   map[string]statsCacheEntry
}

type profileCacheEntry struct {
	data    *models.Profile
	expires time.Time
}

type statsCacheEntry struct {
	data    *models.TradeStats
	expires time.Time
}

// NewRelay creates the REST facade.
func NewRelay(store storage.DataStore) *Relay {
	return &Relay{
		store:        store,
		profileCache: make(map[string]profileCacheEntry),
		statsCache:   make(map[string]statsCacheEntry),
	}
}

// GetProfile returns the public profile for an address.
func (s *Relay) GetProfile(ctx context.Context, address string) (*models.Profile, error) {
	addr := strings.ToLower(address)

	s.cacheMu.RLock()
	entry, ok := s.profileCache[addr]
	s.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.data, nil
	}

	profile, err := s.store.GetProfile(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", addr, err)
	}

	s.cacheMu.Lock()
	s.profileCache[addr] = profileCacheEntry{data: profile, expires: time.Now().Add(profileCacheTTL)}
	s.cacheMu.Unlock()
	return profile, nil
}

// ListTrades returns trade events matching the query, newest first.
func (s *Relay) ListTrades(ctx context.Context, query models.TradeQuery) ([]models.TradeEvent, error) {
	if query.Limit <= 0 || query.Limit > 1000 {
		query.Limit = 100
	}
	events, err := s.store.ListTradeEvents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if events == nil {
		events = []models.TradeEvent{}
	}
	return events, nil
}

// GetTrade returns one trade event by transaction hash, nil if unknown.
func (s *Relay) GetTrade(ctx context.Context, hash string) (*models.TradeEvent, error) {
	event, err := s.store.GetTradeEvent(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("load trade %s: %w", hash, err)
	}
	return event, nil
}

// GetStats aggregates trade activity, optionally scoped to one address.
func (s *Relay) GetStats(ctx context.Context, address string) (*models.TradeStats, error) {
	addr := strings.ToLower(address)

	s.cacheMu.RLock()
	entry, ok := s.statsCache[addr]
	s.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.data, nil
	}

	stats, err := s.store.GetTradeStats(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}

	s.cacheMu.Lock()
	s.statsCache[addr] = statsCacheEntry{data: stats, expires: time.Now().Add(statsCacheTTL)}
	s.cacheMu.Unlock()
	return stats, nil
}

// ListReferralTrades returns attributed trades for a referrer.
func (s *Relay) ListReferralTrades(ctx context.Context, referrer string, limit int) ([]models.ReferralTrade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	trades, err := s.store.ListReferralTrades(ctx, referrer, limit)
	if err != nil {
		return nil, fmt.Errorf("list referral trades: %w", err)
	}
	if trades == nil {
		trades = []models.ReferralTrade{}
	}
	return trades, nil
}

// GetReferralCode resolves a code to its binding, nil if unbound.
func (s *Relay) GetReferralCode(ctx context.Context, code string) (*models.ReferralCodeBinding, error) {
	return s.store.GetReferralCode(ctx, code)
}
