package hub

import "github.com/noma-protocol/frontend-sub002/models"

// inbound is the client-to-server envelope. Type discriminates; unused
// fields stay empty.
type inbound struct {
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

type welcomeMsg struct {
	Type      string               `json:"type"`
	ClientID  string               `json:"clientId"`
	Messages  []models.ChatMessage `json:"messages"`
	UserCount int                  `json:"userCount"`
}

type userCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type authenticatedMsg struct {
	Type              string `json:"type"`
	Address           string `json:"address"`
	Username          string `json:"username,omitempty"`
	CanChangeUsername bool   `json:"canChangeUsername"`
	CooldownRemaining int64  `json:"cooldownRemaining"`
	SessionToken      string `json:"sessionToken"`
	FromCache         bool   `json:"fromCache,omitempty"`
}

type requireAuthMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type usernameChangedMsg struct {
	Type              string `json:"type"`
	Username          string `json:"username"`
	CanChangeUsername bool   `json:"canChangeUsername"`
	CooldownRemaining int64  `json:"cooldownRemaining"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type clearAuthMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type chatMsg struct {
	Type string `json:"type"`
	models.ChatMessage
}

type tradeAlertMsg struct {
	Type  string            `json:"type"`
	Trade models.TradeEvent `json:"trade"`
}

func errEnvelope(message string) errorMsg {
	return errorMsg{Type: "error", Message: message}
}
