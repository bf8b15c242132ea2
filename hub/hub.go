// Package hub accepts websocket connections and dispatches chat, auth and
// admin traffic between clients and the domain services.
package hub

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/noma-protocol/frontend-sub002/config"
	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/observability"
	"github.com/noma-protocol/frontend-sub002/service"
	"github.com/noma-protocol/frontend-sub002/storage"
)

const (
	// sessionSweepInterval is how often expired sessions are reaped.
	sessionSweepInterval = 60 * time.Second
	// sessionMaxAge is the absolute lifetime of an in-hub session. It is
	// deliberately not a sliding window: activity does not extend it, only
	// re-authentication does. Separate from the 24h credential validity.
	sessionMaxAge = 30 * time.Minute
)

// Hub owns all live connections and the address index over them. Every
// registry mutation happens under mu; socket writes go through per-conn
// write pumps and never hold the lock.
type Hub struct {
	store     storage.DataStore
	auth      *service.AuthService
	limiter   *service.RateLimiter
	usernames *service.UsernameRegistry
	cfg       config.ChatConfig

	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*Conn
	byAddress map[string]string // lowercase address -> conn id
	kicks     map[string]models.KickRecord

	messagesSent int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a hub wired to the given services.
func New(store storage.DataStore, auth *service.AuthService, limiter *service.RateLimiter, usernames *service.UsernameRegistry, cfg config.ChatConfig) *Hub {
	return &Hub{
		store:     store,
		auth:      auth,
		limiter:   limiter,
		usernames: usernames,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:     make(map[string]*Conn),
		byAddress: make(map[string]string),
		kicks:     make(map[string]models.KickRecord),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic sweeps.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.sweepLoop()
	log.Printf("[Hub] Started (session max age %s, kick duration %dm)", sessionMaxAge, h.cfg.KickDurationMins)
}

// Stop halts sweeps and closes every connection.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.byAddress = make(map[string]string)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	log.Printf("[Hub] Stopped, closed %d connections", len(conns))
}

// HandleWS upgrades an HTTP request and runs the connection lifecycle.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	conn := newConn(uuid.NewString(), ws)
	go conn.writePump()

	h.mu.Lock()
	h.conns[conn.ID] = conn
	count := len(h.conns)
	h.mu.Unlock()
	observability.SetConnections(count)

	history, err := h.store.ListRecentMessages(r.Context(), h.cfg.HistoryLimit)
	if err != nil {
		log.Printf("[Hub] Warning: history load failed: %v", err)
	}
	if history == nil {
		history = []models.ChatMessage{}
	}
	conn.sendJSON(welcomeMsg{Type: "welcome", ClientID: conn.ID, Messages: history, UserCount: count})
	h.broadcast(userCountMsg{Type: "userCount", Count: count}, conn.ID)

	h.readPump(conn)
}

func (h *Hub) readPump(conn *Conn) {
	defer h.deregister(conn)

	conn.ws.SetReadLimit(maxInboundBytes)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inbound
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] Read error on %s: %v", conn.ID, err)
			}
			return
		}
		h.dispatch(conn, msg)
	}
}

func (h *Hub) dispatch(conn *Conn, msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case "auth":
		h.handleAuth(ctx, conn, msg)
	case "checkAuth":
		h.handleCheckAuth(ctx, conn, msg)
	case "message":
		h.handleMessage(ctx, conn, msg)
	case "changeUsername":
		h.handleChangeUsername(ctx, conn, msg)
	case "ping":
		conn.sendJSON(pongMsg{Type: "pong"})
	default:
		conn.sendJSON(errEnvelope("unknown message type"))
	}
}

func (h *Hub) handleAuth(ctx context.Context, conn *Conn, msg inbound) {
	if !h.limiter.AllowAuth(conn.ID) {
		observability.RecordAuthAttempt("rate_limited")
		conn.sendJSON(errEnvelope("too many auth attempts, slow down"))
		return
	}
	if h.isKicked(msg.Address) {
		conn.sendJSON(errEnvelope("you have been kicked, try again later"))
		conn.close()
		return
	}

	cred, err := h.auth.Authenticate(ctx, msg.Address, msg.Signature, msg.Message)
	if err != nil {
		observability.RecordAuthAttempt("rejected")
		switch {
		case errors.Is(err, service.ErrInvalidAuthMessage):
			conn.sendJSON(errEnvelope("invalid auth message"))
		case errors.Is(err, service.ErrInvalidSignature):
			conn.sendJSON(errEnvelope("signature verification failed"))
		default:
			conn.sendJSON(errEnvelope("authentication failed"))
		}
		return
	}

	if msg.Username != "" && h.usernames.Get(cred.Address) == nil {
		if _, err := h.usernames.SetUsername(ctx, cred.Address, msg.Username); err != nil {
			conn.sendJSON(errEnvelope(err.Error()))
		}
	}

	observability.RecordAuthAttempt("ok")
	h.adoptSession(conn, cred, false)
}

func (h *Hub) handleCheckAuth(ctx context.Context, conn *Conn, msg inbound) {
	if msg.Address == "" {
		conn.sendJSON(requireAuthMsg{Type: "requireAuth"})
		return
	}
	if h.isKicked(msg.Address) {
		conn.sendJSON(errEnvelope("you have been kicked, try again later"))
		conn.close()
		return
	}

	cred, err := h.auth.CheckAuth(ctx, msg.Address)
	if err != nil {
		log.Printf("[Hub] checkAuth lookup failed for %s: %v", msg.Address, err)
		conn.sendJSON(requireAuthMsg{Type: "requireAuth"})
		return
	}
	if cred == nil {
		conn.sendJSON(requireAuthMsg{Type: "requireAuth"})
		return
	}
	h.adoptSession(conn, cred, true)
}

// adoptSession binds a credential to a connection, enforcing the
// single-session invariant: any other connection authenticated as the same
// address is told to leave and force-closed.
func (h *Hub) adoptSession(conn *Conn, cred *models.AuthCredential, fromCache bool) {
	addr := strings.ToLower(cred.Address)

	h.mu.Lock()
	var evicted *Conn
	if prevID, ok := h.byAddress[addr]; ok && prevID != conn.ID {
		evicted = h.conns[prevID]
		delete(h.conns, prevID)
	}
	conn.address = addr
	conn.authenticated = true
	conn.authAt = cred.LastAuth
	h.byAddress[addr] = conn.ID
	h.mu.Unlock()

	if evicted != nil {
		evicted.sendJSON(clearAuthMsg{Type: "clearAuth", Message: "signed in from another connection"})
		evicted.close()
		h.limiter.Forget(evicted.ID)
	}

	binding := h.usernames.Get(addr)
	username := ""
	if binding != nil {
		username = binding.Username
	}
	cooldown := h.usernames.CooldownRemaining(addr)

	conn.sendJSON(authenticatedMsg{
		Type:              "authenticated",
		Address:           addr,
		Username:          username,
		CanChangeUsername: cooldown == 0,
		CooldownRemaining: cooldown.Milliseconds(),
		SessionToken:      cred.SessionToken,
		FromCache:         fromCache,
	})
	log.Printf("[Hub] %s authenticated as %s (fromCache=%v)", conn.ID, addr, fromCache)
}

func (h *Hub) handleMessage(ctx context.Context, conn *Conn, msg inbound) {
	h.mu.Lock()
	authed, addr := conn.authenticated, conn.address
	h.mu.Unlock()

	if !authed {
		conn.sendJSON(requireAuthMsg{Type: "requireAuth"})
		return
	}
	if !h.limiter.AllowMessage(conn.ID, addr) {
		conn.sendJSON(errEnvelope("rate limit exceeded, try again shortly"))
		return
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		conn.sendJSON(errEnvelope("empty message"))
		return
	}
	if utf8.RuneCountInString(content) > h.cfg.MaxMessageLen {
		conn.sendJSON(errEnvelope("message too long"))
		return
	}

	if strings.HasPrefix(content, "/") {
		h.handleCommand(ctx, conn, addr, content)
		return
	}

	binding := h.usernames.Get(addr)
	username := shortAddress(addr)
	if binding != nil {
		username = binding.Username
	}

	chat := models.ChatMessage{
		ID:        uuid.NewString(),
		Content:   content,
		Username:  username,
		Address:   addr,
		Timestamp: time.Now().UTC(),
		Verified:  true,
		ReplyTo:   msg.ReplyTo,
	}
	if err := h.store.SaveChatMessage(ctx, chat); err != nil {
		log.Printf("[Hub] Warning: failed to persist message %s: %v", chat.ID, err)
	}

	h.broadcast(chatMsg{Type: "message", ChatMessage: chat}, "")
}

func (h *Hub) handleChangeUsername(ctx context.Context, conn *Conn, msg inbound) {
	h.mu.Lock()
	authed, addr := conn.authenticated, conn.address
	h.mu.Unlock()

	if !authed {
		conn.sendJSON(requireAuthMsg{Type: "requireAuth"})
		return
	}

	binding, err := h.usernames.SetUsername(ctx, addr, msg.Username)
	if err != nil {
		conn.sendJSON(errEnvelope(err.Error()))
		return
	}

	cooldown := h.usernames.CooldownRemaining(addr)
	conn.sendJSON(usernameChangedMsg{
		Type:              "usernameChanged",
		Username:          binding.Username,
		CanChangeUsername: cooldown == 0,
		CooldownRemaining: cooldown.Milliseconds(),
	})
}

// BroadcastTrade fans a trade event out to clients when alert broadcasting
// is enabled. Off by default; persistence remains the authoritative record
// either way.
func (h *Hub) BroadcastTrade(event models.TradeEvent) {
	if !h.cfg.BroadcastTradeAlerts {
		return
	}
	h.broadcast(tradeAlertMsg{Type: "tradeAlert", Trade: event}, "")
}

// broadcast fans an envelope out to every open connection except skipID.
func (h *Hub) broadcast(v interface{}, skipID string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id == skipID {
			continue
		}
		conns = append(conns, c)
	}
	h.messagesSent += int64(len(conns))
	h.mu.Unlock()
	observability.DefaultMetrics.MessagesBroadcast.Add(float64(len(conns)))

	for _, c := range conns {
		c.sendJSON(v)
	}
}

func (h *Hub) deregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	if conn.address != "" && h.byAddress[conn.address] == conn.ID {
		delete(h.byAddress, conn.address)
	}
	count := len(h.conns)
	h.mu.Unlock()

	conn.close()
	h.limiter.Forget(conn.ID)
	observability.SetConnections(count)
	h.broadcast(userCountMsg{Type: "userCount", Count: count}, "")
}

func (h *Hub) isKicked(address string) bool {
	addr := strings.ToLower(address)
	duration := time.Duration(h.cfg.KickDurationMins) * time.Minute

	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.kicks[addr]
	if !ok {
		return false
	}
	if time.Since(record.KickedAt) >= duration {
		delete(h.kicks, addr)
		return false
	}
	return true
}

// UserCount returns the number of open connections.
func (h *Hub) UserCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stats reports the hub's live counters for the periodic metrics snapshot.
func (h *Hub) Stats() (connections, authenticated int, messagesSent int64, activeKicks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if c.authenticated {
			authenticated++
		}
	}
	return len(h.conns), authenticated, h.messagesSent, len(h.kicks)
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepSessions()
			h.sweepKicks()
			h.limiter.Sweep()
		}
	}
}

// sweepSessions disconnects every connection whose authentication is older
// than the absolute session lifetime. Recent activity does not count.
func (h *Hub) sweepSessions() {
	now := time.Now()

	h.mu.Lock()
	var expired []*Conn
	for id, c := range h.conns {
		if c.authenticated && now.Sub(c.authAt) > sessionMaxAge {
			expired = append(expired, c)
			delete(h.conns, id)
			if h.byAddress[c.address] == id {
				delete(h.byAddress, c.address)
			}
		}
	}
	count := len(h.conns)
	h.mu.Unlock()

	for _, c := range expired {
		c.sendJSON(clearAuthMsg{Type: "clearAuth", Message: "session expired, please re-authenticate"})
		c.close()
		h.limiter.Forget(c.ID)
	}
	if len(expired) > 0 {
		log.Printf("[Hub] Session sweep closed %d expired connections", len(expired))
		h.broadcast(userCountMsg{Type: "userCount", Count: count}, "")
	}
}

func (h *Hub) sweepKicks() {
	duration := time.Duration(h.cfg.KickDurationMins) * time.Minute

	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, record := range h.kicks {
		if time.Since(record.KickedAt) >= duration {
			delete(h.kicks, addr)
		}
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
