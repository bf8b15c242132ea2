package syncer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

var codePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// Attributor links trade events to the referral program. A trade produces a
// ReferralTrade record iff its trader was registered as referred before the
// event arrived.
type Attributor struct {
	store storage.DataStore
}

// NewAttributor creates an attributor over the given store.
func NewAttributor(store storage.DataStore) *Attributor {
	return &Attributor{store: store}
}

// RegisterCode binds a referral code to an owner. First writer wins; a code
// already owned by a different address is rejected with ErrCodeTaken.
func (a *Attributor) RegisterCode(ctx context.Context, code, owner string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("invalid referral code %q: must be 3-32 chars of [a-zA-Z0-9_-]", code)
	}
	return a.store.SaveReferralCode(ctx, models.ReferralCodeBinding{
		Code:         code,
		OwnerAddress: strings.ToLower(owner),
		CreatedAt:    time.Now().UTC(),
	})
}

// RegisterUser records that an address joined under a referral code. The
// code must exist, and an address cannot refer itself.
func (a *Attributor) RegisterUser(ctx context.Context, code, referred string) error {
	binding, err := a.store.GetReferralCode(ctx, code)
	if err != nil {
		return fmt.Errorf("lookup code %s: %w", code, err)
	}
	if binding == nil {
		return fmt.Errorf("unknown referral code %q", code)
	}
	if strings.EqualFold(binding.OwnerAddress, referred) {
		return fmt.Errorf("address cannot refer itself")
	}
	return a.store.SaveReferredUser(ctx, models.ReferredUser{
		ReferralCode:    code,
		ReferrerAddress: binding.OwnerAddress,
		ReferredAddress: strings.ToLower(referred),
		ReferredAt:      time.Now().UTC(),
	})
}

// Record derives a ReferralTrade from a trade event when the trader is a
// referred user. Traders outside the program are a no-op.
func (a *Attributor) Record(ctx context.Context, event models.TradeEvent) error {
	referred, err := a.store.GetReferredUser(ctx, event.Trader)
	if err != nil {
		return fmt.Errorf("lookup referred user %s: %w", event.Trader, err)
	}
	if referred == nil {
		return nil
	}

	trade := models.ReferralTrade{
		UserAddress:     event.Trader,
		ReferralCode:    referred.ReferralCode,
		ReferrerAddress: referred.ReferrerAddress,
		Type:            event.Type,
		Volume:          event.Amount,
		TxHash:          event.Hash,
		Timestamp:       event.Timestamp,
	}
	if err := a.store.SaveReferralTrade(ctx, trade); err != nil {
		return fmt.Errorf("save referral trade %s: %w", event.Hash, err)
	}

	log.Printf("[Referral] Attributed %s %s to code %s (referrer %s)",
		event.Type, event.Amount, referred.ReferralCode, referred.ReferrerAddress)
	return nil
}
