package storage

import (
	"context"

	"github.com/noma-protocol/frontend-sub002/models"
)

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error

	// Trade history (append-only; hash is the identity)
	SaveTradeEvent(ctx context.Context, event models.TradeEvent) error
	GetTradeEvent(ctx context.Context, hash string) (*models.TradeEvent, error)
	ListTradeEvents(ctx context.Context, query models.TradeQuery) ([]models.TradeEvent, error)
	GetTradeStats(ctx context.Context, address string) (*models.TradeStats, error)

	// Referral bindings
	SaveReferralCode(ctx context.Context, binding models.ReferralCodeBinding) error
	GetReferralCode(ctx context.Context, code string) (*models.ReferralCodeBinding, error)
	SaveReferredUser(ctx context.Context, user models.ReferredUser) error
	GetReferredUser(ctx context.Context, address string) (*models.ReferredUser, error)
	SaveReferralTrade(ctx context.Context, trade models.ReferralTrade) error
	ListReferralTrades(ctx context.Context, referrer string, limit int) ([]models.ReferralTrade, error)

	// Auth credentials
	SaveCredential(ctx context.Context, cred models.AuthCredential) error
	GetCredential(ctx context.Context, address string) (*models.AuthCredential, error)
	DeleteCredential(ctx context.Context, address string) error
	DeleteAllCredentials(ctx context.Context) (int, error)

	// Username bindings
	SaveUsername(ctx context.Context, binding models.UsernameBinding) error
	GetUsername(ctx context.Context, address string) (*models.UsernameBinding, error)
	GetAddressForUsername(ctx context.Context, name string) (string, error)
	ListUsernames(ctx context.Context) ([]models.UsernameBinding, error)

	// Chat history
	SaveChatMessage(ctx context.Context, msg models.ChatMessage) error
	ListRecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error)

	// Profiles (derived from trades + username binding)
	GetProfile(ctx context.Context, address string) (*models.Profile, error)
}

// ErrCodeTaken is returned when a referral code is already bound to a
// different owner (first writer wins).
type ErrCodeTaken struct {
	Code string
}

func (e ErrCodeTaken) Error() string {
	return "referral code " + e.Code + " already registered"
}

// Ensure all implementations satisfy the interface
var _ DataStore = (*Store)(nil)
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
