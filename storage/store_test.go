package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveTradeEventFirstWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := models.TradeEvent{
		Hash:        "0xaaa",
		BlockNumber: 100,
		LogIndex:    3,
		Type:        models.TradeSell,
		Trader:      "0xTRADER00000000000000000000000000000000a1",
		Source:      "0xpool",
		TokenSymbol: "NOMA",
		Amount:      "1000",
		Timestamp:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveTradeEvent(ctx, event); err != nil {
		t.Fatalf("SaveTradeEvent: %v", err)
	}

	// A second write under the same hash is silently ignored
	dup := event
	dup.Amount = "9999"
	if err := store.SaveTradeEvent(ctx, dup); err != nil {
		t.Fatalf("SaveTradeEvent duplicate: %v", err)
	}

	got, err := store.GetTradeEvent(ctx, "0xAAA")
	if err != nil {
		t.Fatalf("GetTradeEvent: %v", err)
	}
	if got == nil {
		t.Fatal("event not found")
	}
	if got.Amount != "1000" {
		t.Errorf("amount = %q, want first write's 1000", got.Amount)
	}
	if got.Trader != "0xtrader00000000000000000000000000000000a1" {
		t.Errorf("trader not lowercased: %q", got.Trader)
	}
	if !got.Timestamp.Equal(event.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, event.Timestamp)
	}
}

func TestGetTradeEventMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetTradeEvent(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("GetTradeEvent: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestListTradeEventsFiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	traderA := "0xaaaa000000000000000000000000000000000001"
	traderB := "0xbbbb000000000000000000000000000000000002"

	for i := 0; i < 5; i++ {
		trader := traderA
		if i%2 == 1 {
			trader = traderB
		}
		err := store.SaveTradeEvent(ctx, models.TradeEvent{
			Hash:        fmt.Sprintf("0x%02d", i),
			BlockNumber: uint64(100 + i),
			Type:        models.TradeBuy,
			Trader:      trader,
			Source:      "0xpool",
			Amount:      "10",
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveTradeEvent %d: %v", i, err)
		}
	}

	all, err := store.ListTradeEvents(ctx, models.TradeQuery{})
	if err != nil {
		t.Fatalf("ListTradeEvents: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d events, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].BlockNumber > all[i-1].BlockNumber {
			t.Fatalf("events not in descending block order")
		}
	}

	byTrader, err := store.ListTradeEvents(ctx, models.TradeQuery{Address: traderA})
	if err != nil {
		t.Fatalf("ListTradeEvents by trader: %v", err)
	}
	if len(byTrader) != 3 {
		t.Errorf("trader filter returned %d events, want 3", len(byTrader))
	}

	windowed, err := store.ListTradeEvents(ctx, models.TradeQuery{
		StartTime: base.Add(90 * time.Minute),
		EndTime:   base.Add(210 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ListTradeEvents by window: %v", err)
	}
	if len(windowed) != 2 {
		t.Errorf("time window returned %d events, want 2", len(windowed))
	}

	limited, err := store.ListTradeEvents(ctx, models.TradeQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListTradeEvents paged: %v", err)
	}
	if len(limited) != 2 || limited[0].BlockNumber != 103 {
		t.Errorf("paging returned %+v", limited)
	}
}

func TestGetTradeStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []models.TradeEvent{
		{Hash: "0x01", Type: models.TradeBuy, Trader: "0xa", Amount: "100", Timestamp: time.Now()},
		{Hash: "0x02", Type: models.TradeBuy, Trader: "0xb", Amount: "50", Timestamp: time.Now()},
		{Hash: "0x03", Type: models.TradeSell, Trader: "0xa", Amount: "30", Timestamp: time.Now()},
	}
	for _, event := range events {
		if err := store.SaveTradeEvent(ctx, event); err != nil {
			t.Fatalf("SaveTradeEvent: %v", err)
		}
	}

	stats, err := store.GetTradeStats(ctx, "")
	if err != nil {
		t.Fatalf("GetTradeStats: %v", err)
	}
	if stats.TotalTrades != 3 || stats.BuyCount != 2 || stats.SellCount != 1 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.BuyVolume != 150 || stats.SellVolume != 30 || stats.TotalVolume != 180 {
		t.Errorf("volumes = %+v", stats)
	}
	if stats.UniqueTraders != 2 {
		t.Errorf("unique traders = %d, want 2", stats.UniqueTraders)
	}

	scoped, err := store.GetTradeStats(ctx, "0xA")
	if err != nil {
		t.Fatalf("GetTradeStats scoped: %v", err)
	}
	if scoped.TotalTrades != 2 || scoped.TotalVolume != 130 {
		t.Errorf("scoped stats = %+v", scoped)
	}
}

func TestSaveReferralCodeConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	binding := models.ReferralCodeBinding{Code: "alpha", OwnerAddress: "0xOwner1", CreatedAt: time.Now()}
	if err := store.SaveReferralCode(ctx, binding); err != nil {
		t.Fatalf("SaveReferralCode: %v", err)
	}

	// Same owner is idempotent
	if err := store.SaveReferralCode(ctx, binding); err != nil {
		t.Fatalf("SaveReferralCode idempotent: %v", err)
	}

	err := store.SaveReferralCode(ctx, models.ReferralCodeBinding{Code: "alpha", OwnerAddress: "0xOwner2"})
	var taken ErrCodeTaken
	if !errors.As(err, &taken) {
		t.Fatalf("got %v, want ErrCodeTaken", err)
	}
	if taken.Code != "alpha" {
		t.Errorf("ErrCodeTaken.Code = %q", taken.Code)
	}
}

func TestReferralTradesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveReferredUser(ctx, models.ReferredUser{
		ReferralCode:    "alpha",
		ReferrerAddress: "0xReferrer",
		ReferredAddress: "0xReferred",
		ReferredAt:      time.Now(),
	}); err != nil {
		t.Fatalf("SaveReferredUser: %v", err)
	}

	user, err := store.GetReferredUser(ctx, "0xREFERRED")
	if err != nil {
		t.Fatalf("GetReferredUser: %v", err)
	}
	if user == nil || user.ReferralCode != "alpha" {
		t.Fatalf("referred user = %+v", user)
	}

	trade := models.ReferralTrade{
		UserAddress:     "0xreferred",
		ReferralCode:    "alpha",
		ReferrerAddress: "0xreferrer",
		Type:            models.TradeBuy,
		Volume:          "100",
		TxHash:          "0xdeadbeef",
		Timestamp:       time.Now().UTC(),
	}
	if err := store.SaveReferralTrade(ctx, trade); err != nil {
		t.Fatalf("SaveReferralTrade: %v", err)
	}
	// Same tx hash is recorded once
	if err := store.SaveReferralTrade(ctx, trade); err != nil {
		t.Fatalf("SaveReferralTrade duplicate: %v", err)
	}

	trades, err := store.ListReferralTrades(ctx, "0xReferrer", 0)
	if err != nil {
		t.Fatalf("ListReferralTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].Volume != "100" {
		t.Errorf("volume = %q", trades[0].Volume)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := models.AuthCredential{
		Address:      "0xUser",
		SessionToken: "token-1",
		Signature:    "0xsig",
		LastAuth:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveCredential(ctx, cred); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	// Re-auth replaces the session token
	cred.SessionToken = "token-2"
	if err := store.SaveCredential(ctx, cred); err != nil {
		t.Fatalf("SaveCredential upsert: %v", err)
	}

	got, err := store.GetCredential(ctx, "0xUSER")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil || got.SessionToken != "token-2" {
		t.Fatalf("credential = %+v", got)
	}
	if !got.LastAuth.Equal(cred.LastAuth) {
		t.Errorf("last auth = %v, want %v", got.LastAuth, cred.LastAuth)
	}

	if err := store.DeleteCredential(ctx, "0xuser"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	got, err = store.GetCredential(ctx, "0xuser")
	if err != nil || got != nil {
		t.Errorf("after delete: (%+v, %v), want (nil, nil)", got, err)
	}

	for i := 0; i < 3; i++ {
		if err := store.SaveCredential(ctx, models.AuthCredential{
			Address: fmt.Sprintf("0xuser%d", i), SessionToken: "t",
		}); err != nil {
			t.Fatalf("SaveCredential %d: %v", i, err)
		}
	}
	n, err := store.DeleteAllCredentials(ctx)
	if err != nil {
		t.Fatalf("DeleteAllCredentials: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
}

func TestUsernameCaseInsensitiveLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	binding := models.UsernameBinding{
		Address:     "0xabc0000000000000000000000000000000000001",
		Username:    "Trader_One",
		LastChange:  time.Now().UTC(),
		Cooldown:    24 * time.Hour,
		ChangeCount: 1,
	}
	if err := store.SaveUsername(ctx, binding); err != nil {
		t.Fatalf("SaveUsername: %v", err)
	}

	addr, err := store.GetAddressForUsername(ctx, "trader_one")
	if err != nil {
		t.Fatalf("GetAddressForUsername: %v", err)
	}
	if addr != binding.Address {
		t.Errorf("lookup = %q, want %q", addr, binding.Address)
	}

	got, err := store.GetUsername(ctx, binding.Address)
	if err != nil {
		t.Fatalf("GetUsername: %v", err)
	}
	if got.Cooldown != 24*time.Hour {
		t.Errorf("cooldown = %s, want 24h", got.Cooldown)
	}
	if got.ChangeCount != 1 {
		t.Errorf("change count = %d, want 1", got.ChangeCount)
	}

	bindings, err := store.ListUsernames(ctx)
	if err != nil {
		t.Fatalf("ListUsernames: %v", err)
	}
	if len(bindings) != 1 {
		t.Errorf("got %d bindings, want 1", len(bindings))
	}
}

func TestListRecentMessagesChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := store.SaveChatMessage(ctx, models.ChatMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			Content:   fmt.Sprintf("hello %d", i),
			Username:  "alice",
			Address:   "0xabc",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Verified:  true,
		})
		if err != nil {
			t.Fatalf("SaveChatMessage %d: %v", i, err)
		}
	}

	messages, err := store.ListRecentMessages(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecentMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	// Last three, oldest first
	if messages[0].ID != "msg-2" || messages[2].ID != "msg-4" {
		t.Errorf("order = [%s %s %s], want [msg-2 msg-3 msg-4]",
			messages[0].ID, messages[1].ID, messages[2].ID)
	}
	if !messages[0].Verified {
		t.Errorf("verified flag lost in round trip")
	}
}

func TestGetProfileAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addr := "0xabc0000000000000000000000000000000000001"
	if err := store.SaveUsername(ctx, models.UsernameBinding{Address: addr, Username: "alice"}); err != nil {
		t.Fatalf("SaveUsername: %v", err)
	}

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.SaveTradeEvent(ctx, models.TradeEvent{
			Hash:      fmt.Sprintf("0x%02d", i),
			Type:      models.TradeBuy,
			Trader:    addr,
			Amount:    "10",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveTradeEvent: %v", err)
		}
	}

	profile, err := store.GetProfile(ctx, addr)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.Username != "alice" {
		t.Errorf("username = %q", profile.Username)
	}
	if profile.TradeCount != 3 || profile.TotalVolume != 30 {
		t.Errorf("aggregates = %+v", profile)
	}
	if !profile.FirstSeen.Equal(base) {
		t.Errorf("first seen = %v, want %v", profile.FirstSeen, base)
	}
	if !profile.LastSeen.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("last seen = %v", profile.LastSeen)
	}
}
