package syncer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/noma-protocol/frontend-sub002/config"
	"github.com/noma-protocol/frontend-sub002/models"
)

// PoolRegistry holds the set of monitored pools. The set can be swapped at
// runtime without restarting the poller; lookups are by lowercase address.
type PoolRegistry struct {
	mu      sync.RWMutex
	path    string
	pools   map[string]models.PoolConfig
	ordered []models.PoolConfig
}

// NewPoolRegistry loads the pool document at path. A missing or empty
// document is not an error; the registry starts empty and the default pool
// from chain config can be added with Add.
func NewPoolRegistry(path string) (*PoolRegistry, error) {
	r := &PoolRegistry{
		path:  path,
		pools: make(map[string]models.PoolConfig),
	}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[PoolRegistry] No pool document at %s, starting empty", path)
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// Reload re-reads the pool document and replaces the active set atomically.
// On read or parse failure the previous set stays in effect.
func (r *PoolRegistry) Reload() error {
	pools, err := config.LoadPools(r.path)
	if err != nil {
		return fmt.Errorf("reload pools: %w", err)
	}

	next := make(map[string]models.PoolConfig, len(pools))
	ordered := make([]models.PoolConfig, 0, len(pools))
	for _, pool := range pools {
		addr := strings.ToLower(pool.Address)
		if addr == "" {
			continue
		}
		pool.Address = addr
		next[addr] = pool
		ordered = append(ordered, pool)
	}

	r.mu.Lock()
	r.pools = next
	r.ordered = ordered
	r.mu.Unlock()

	log.Printf("[PoolRegistry] Loaded %d pools (%d enabled)", len(ordered), len(r.Enabled()))
	return nil
}

// Add inserts or replaces a single pool.
func (r *PoolRegistry) Add(pool models.PoolConfig) {
	addr := strings.ToLower(pool.Address)
	if addr == "" {
		return
	}
	pool.Address = addr

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[addr]; !exists {
		r.ordered = append(r.ordered, pool)
	} else {
		for i := range r.ordered {
			if r.ordered[i].Address == addr {
				r.ordered[i] = pool
				break
			}
		}
	}
	r.pools[addr] = pool
}

// Get returns the pool for an address, matched case-insensitively.
func (r *PoolRegistry) Get(address string) (models.PoolConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[strings.ToLower(address)]
	return pool, ok
}

// Enabled returns the enabled pools in document order. The slice is a copy;
// callers may hold it across a polling cycle.
func (r *PoolRegistry) Enabled() []models.PoolConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled := make([]models.PoolConfig, 0, len(r.ordered))
	for _, pool := range r.ordered {
		if pool.Enabled {
			enabled = append(enabled, pool)
		}
	}
	return enabled
}

// All returns every configured pool in document order.
func (r *PoolRegistry) All() []models.PoolConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PoolConfig, len(r.ordered))
	copy(out, r.ordered)
	return out
}
