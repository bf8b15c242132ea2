package hub

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/observability"
)

const helpText = "Commands: /help, /slap <username>, /kick <username> (admin), /clearauth <username|all> (admin)"

// handleCommand parses a slash command out of message content. Admin
// commands fail closed: any missing or unknown target is an explicit error.
func (h *Hub) handleCommand(ctx context.Context, conn *Conn, sender, content string) {
	fields := strings.Fields(content)
	command := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch command {
	case "/help":
		h.commandMessage(ctx, conn, sender, "help", helpText, false)

	case "/slap":
		h.commandSlap(ctx, conn, sender, arg)

	case "/kick":
		h.commandKick(ctx, conn, sender, arg)

	case "/clearauth":
		h.commandClearAuth(ctx, conn, sender, arg)

	default:
		conn.sendJSON(errEnvelope(fmt.Sprintf("unknown command %s", command)))
	}
}

func (h *Hub) commandSlap(ctx context.Context, conn *Conn, sender, target string) {
	if target == "" {
		conn.sendJSON(errEnvelope("usage: /slap <username>"))
		return
	}
	if h.usernames.GetAddressForUsername(target) == "" {
		conn.sendJSON(errEnvelope(fmt.Sprintf("no such user %q", target)))
		return
	}

	senderName := shortAddress(sender)
	if binding := h.usernames.Get(sender); binding != nil {
		senderName = binding.Username
	}
	text := fmt.Sprintf("%s slaps %s around a bit with a large trout", senderName, target)
	h.commandMessage(ctx, conn, sender, "slap", text, true)
}

func (h *Hub) commandKick(ctx context.Context, conn *Conn, sender, target string) {
	if !h.isAdmin(sender) {
		conn.sendJSON(errEnvelope("permission denied"))
		return
	}
	if target == "" {
		conn.sendJSON(errEnvelope("usage: /kick <username>"))
		return
	}

	addr := h.usernames.GetAddressForUsername(target)
	if addr == "" {
		conn.sendJSON(errEnvelope(fmt.Sprintf("no such user %q", target)))
		return
	}
	if h.isAdmin(addr) {
		conn.sendJSON(errEnvelope("cannot kick an admin"))
		return
	}

	observability.DefaultMetrics.Kicks.Inc()

	h.mu.Lock()
	h.kicks[addr] = models.KickRecord{Address: addr, KickedAt: time.Now().UTC()}
	var victim *Conn
	if id, ok := h.byAddress[addr]; ok {
		victim = h.conns[id]
		delete(h.conns, id)
		delete(h.byAddress, addr)
	}
	h.mu.Unlock()

	if victim != nil {
		victim.sendJSON(clearAuthMsg{Type: "clearAuth", Message: "you have been kicked"})
		victim.close()
		h.limiter.Forget(victim.ID)
	}

	log.Printf("[Hub] %s kicked %s (%s) for %dm", sender, target, addr, h.cfg.KickDurationMins)
	h.commandMessage(ctx, conn, sender, "kick", fmt.Sprintf("%s was kicked", target), true)
}

func (h *Hub) commandClearAuth(ctx context.Context, conn *Conn, sender, target string) {
	if !h.isAdmin(sender) {
		conn.sendJSON(errEnvelope("permission denied"))
		return
	}
	if target == "" {
		conn.sendJSON(errEnvelope("usage: /clearauth <username|all>"))
		return
	}

	if strings.EqualFold(target, "all") {
		count, err := h.auth.RevokeAll(ctx)
		if err != nil {
			conn.sendJSON(errEnvelope("failed to clear credentials"))
			return
		}

		h.mu.Lock()
		var affected []*Conn
		for id, c := range h.conns {
			if c.authenticated && c.ID != conn.ID {
				affected = append(affected, c)
				delete(h.conns, id)
				delete(h.byAddress, c.address)
			}
		}
		h.mu.Unlock()

		for _, c := range affected {
			c.sendJSON(clearAuthMsg{Type: "clearAuth", Message: "credentials revoked by admin"})
			c.close()
			h.limiter.Forget(c.ID)
		}

		log.Printf("[Hub] %s cleared %d credentials, closed %d connections", sender, count, len(affected))
		conn.sendJSON(clearAuthMsg{Type: "clearAuth", Message: fmt.Sprintf("cleared %d credentials", count)})
		return
	}

	addr := h.usernames.GetAddressForUsername(target)
	if addr == "" {
		conn.sendJSON(errEnvelope(fmt.Sprintf("no such user %q", target)))
		return
	}
	if h.isAdmin(addr) {
		conn.sendJSON(errEnvelope("cannot clear an admin's credentials"))
		return
	}
	if err := h.auth.Revoke(ctx, addr); err != nil {
		conn.sendJSON(errEnvelope("failed to clear credentials"))
		return
	}

	h.mu.Lock()
	var victim *Conn
	if id, ok := h.byAddress[addr]; ok {
		victim = h.conns[id]
		delete(h.conns, id)
		delete(h.byAddress, addr)
	}
	h.mu.Unlock()

	if victim != nil {
		victim.sendJSON(clearAuthMsg{Type: "clearAuth", Message: "credentials revoked by admin"})
		victim.close()
		h.limiter.Forget(victim.ID)
	}

	log.Printf("[Hub] %s cleared credentials for %s (%s)", sender, target, addr)
	conn.sendJSON(clearAuthMsg{Type: "clearAuth", Message: fmt.Sprintf("cleared credentials for %s", target)})
}

// commandMessage persists and delivers a command-generated chat line. When
// broadcastAll is false the line goes only to the sender.
func (h *Hub) commandMessage(ctx context.Context, conn *Conn, sender, commandType, text string, broadcastAll bool) {
	username := shortAddress(sender)
	if binding := h.usernames.Get(sender); binding != nil {
		username = binding.Username
	}

	chat := models.ChatMessage{
		ID:          uuid.NewString(),
		Content:     text,
		Username:    username,
		Address:     sender,
		Timestamp:   time.Now().UTC(),
		Verified:    true,
		IsCommand:   true,
		CommandType: commandType,
	}

	if broadcastAll {
		if err := h.store.SaveChatMessage(ctx, chat); err != nil {
			log.Printf("[Hub] Warning: failed to persist command message: %v", err)
		}
		h.broadcast(chatMsg{Type: "message", ChatMessage: chat}, "")
		return
	}
	conn.sendJSON(chatMsg{Type: "message", ChatMessage: chat})
}

func (h *Hub) isAdmin(address string) bool {
	for _, admin := range h.cfg.AdminAddresses {
		if strings.EqualFold(admin, address) {
			return true
		}
	}
	return false
}
