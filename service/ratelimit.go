package service

import (
	"strings"
	"sync"
	"time"
)

const (
	// RateWindow is the width of every sliding window.
	RateWindow = 60 * time.Second
	// MaxMessagesPerWindow caps chat messages per connection and per
	// authenticated address independently.
	MaxMessagesPerWindow = 10
	// MaxAuthPerWindow caps auth attempts per connection.
	MaxAuthPerWindow = 5
)

// RateLimiter enforces sliding-window admission for chat messages and auth
// attempts. Windows are pruned lazily on every check and in bulk by Sweep.
type RateLimiter struct {
	mu sync.Mutex

	msgByConn  map[string][]time.Time
	msgByAddr  map[string][]time.Time
	authByConn map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		msgByConn:  make(map[string][]time.Time),
		msgByAddr:  make(map[string][]time.Time),
		authByConn: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// AllowMessage admits one chat message from a connection authenticated as
// address. Both the per-connection and per-address windows must have room;
// the address window follows the user across reconnects.
func (r *RateLimiter) AllowMessage(connID, address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	addr := strings.ToLower(address)

	connWindow := prune(r.msgByConn[connID], now)
	addrWindow := prune(r.msgByAddr[addr], now)

	if len(connWindow) >= MaxMessagesPerWindow || len(addrWindow) >= MaxMessagesPerWindow {
		r.msgByConn[connID] = connWindow
		r.msgByAddr[addr] = addrWindow
		return false
	}

	r.msgByConn[connID] = append(connWindow, now)
	r.msgByAddr[addr] = append(addrWindow, now)
	return true
}

// AllowAuth admits one auth attempt from a connection. Failed attempts
// count the same as successful ones.
func (r *RateLimiter) AllowAuth(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	window := prune(r.authByConn[connID], now)
	if len(window) >= MaxAuthPerWindow {
		r.authByConn[connID] = window
		return false
	}
	r.authByConn[connID] = append(window, now)
	return true
}

// Forget drops all windows for a closed connection.
func (r *RateLimiter) Forget(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgByConn, connID)
	delete(r.authByConn, connID)
}

// Sweep removes subjects idle for longer than twice the window width.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-2 * RateWindow)
	for _, windows := range []map[string][]time.Time{r.msgByConn, r.msgByAddr, r.authByConn} {
		for subject, window := range windows {
			if len(window) == 0 || window[len(window)-1].Before(cutoff) {
				delete(windows, subject)
			}
		}
	}
}

// prune drops timestamps older than the window from the front of the slice.
func prune(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-RateWindow)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}
