package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

// BaseCooldown is the wait imposed after the first username change. Each
// further change doubles it.
const BaseCooldown = 24 * time.Hour

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

var (
	ErrUsernameTaken  = errors.New("username already taken")
	ErrCooldownActive = errors.New("username change cooldown active")
)

// UsernameRegistry binds exactly one username per address. Uniqueness is
// global and case-insensitive. Bindings are held in memory and written
// through to the store; persisted state is reloaded on startup.
type UsernameRegistry struct {
	store storage.DataStore

	mu        sync.RWMutex
	byAddress map[string]models.UsernameBinding
	byName    map[string]string // lowercase username -> address

	now func() time.Time
}

// NewUsernameRegistry creates a registry and loads persisted bindings.
func NewUsernameRegistry(ctx context.Context, store storage.DataStore) (*UsernameRegistry, error) {
	r := &UsernameRegistry{
		store:     store,
		byAddress: make(map[string]models.UsernameBinding),
		byName:    make(map[string]string),
		now:       time.Now,
	}

	bindings, err := store.ListUsernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("load usernames: %w", err)
	}
	for _, binding := range bindings {
		addr := strings.ToLower(binding.Address)
		binding.Address = addr
		r.byAddress[addr] = binding
		r.byName[strings.ToLower(binding.Username)] = addr
	}
	log.Printf("[Usernames] Loaded %d bindings", len(bindings))
	return r, nil
}

// SetUsername validates and applies a username change for address.
func (r *UsernameRegistry) SetUsername(ctx context.Context, address, name string) (*models.UsernameBinding, error) {
	if !usernamePattern.MatchString(name) {
		return nil, fmt.Errorf("username must be 3-20 characters of letters, digits, '_' or '-'")
	}

	addr := strings.ToLower(address)
	lower := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, taken := r.byName[lower]; taken && owner != addr {
		return nil, fmt.Errorf("%w: %q", ErrUsernameTaken, name)
	}

	now := r.now()
	prev, exists := r.byAddress[addr]
	if exists {
		if prev.Username == name {
			binding := prev
			return &binding, nil
		}
		if remaining := prev.LastChange.Add(prev.Cooldown).Sub(now); remaining > 0 {
			hours := remaining.Hours()
			return nil, fmt.Errorf("%w: %.1f hours remaining", ErrCooldownActive, hours)
		}
	}

	binding := models.UsernameBinding{
		Address:     addr,
		Username:    name,
		LastChange:  now.UTC(),
		ChangeCount: prev.ChangeCount + 1,
	}
	// First change arms the base cooldown; every later change doubles it
	if prev.Cooldown == 0 {
		binding.Cooldown = BaseCooldown
	} else {
		binding.Cooldown = prev.Cooldown * 2
	}

	if exists {
		delete(r.byName, strings.ToLower(prev.Username))
	}
	r.byAddress[addr] = binding
	r.byName[lower] = addr

	if err := r.store.SaveUsername(ctx, binding); err != nil {
		// Memory stays authoritative for this process lifetime
		log.Printf("[Usernames] Warning: failed to persist %s -> %s: %v", addr, name, err)
	}
	return &binding, nil
}

// Get returns the binding for an address, or nil.
func (r *UsernameRegistry) Get(address string) *models.UsernameBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if binding, ok := r.byAddress[strings.ToLower(address)]; ok {
		return &binding
	}
	return nil
}

// GetAddressForUsername resolves a username to its address, matched
// case-insensitively. Empty string when unbound.
func (r *UsernameRegistry) GetAddressForUsername(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToLower(name)]
}

// CooldownRemaining reports how long until address may change its username
// again. Zero when a change is allowed now.
func (r *UsernameRegistry) CooldownRemaining(address string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binding, ok := r.byAddress[strings.ToLower(address)]
	if !ok {
		return 0
	}
	remaining := binding.LastChange.Add(binding.Cooldown).Sub(r.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
