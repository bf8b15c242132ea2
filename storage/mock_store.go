package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/noma-protocol/frontend-sub002/models"
)

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// MockStore is an in-memory DataStore implementation for testing
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	TradeEvents    map[string]models.TradeEvent
	ReferralCodes  map[string]models.ReferralCodeBinding
	ReferredUsers  map[string]models.ReferredUser // keyed by referred address
	ReferralTrades []models.ReferralTrade
	Credentials    map[string]models.AuthCredential
	Usernames      map[string]models.UsernameBinding // keyed by address
	ChatMessages   []models.ChatMessage

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		TradeEvents:   make(map[string]models.TradeEvent),
		ReferralCodes: make(map[string]models.ReferralCodeBinding),
		ReferredUsers: make(map[string]models.ReferredUser),
		Credentials:   make(map[string]models.AuthCredential),
		Usernames:     make(map[string]models.UsernameBinding),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

func (m *MockStore) track(method string) error {
	m.Calls[method]++
	if err, ok := m.ErrorOnNext[method]; ok {
		delete(m.ErrorOnNext, method)
		return err
	}
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }

func (m *MockStore) SaveTradeEvent(ctx context.Context, event models.TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveTradeEvent"); err != nil {
		return err
	}
	key := strings.ToLower(event.Hash)
	if _, exists := m.TradeEvents[key]; exists {
		return nil
	}
	event.Trader = strings.ToLower(event.Trader)
	m.TradeEvents[key] = event
	return nil
}

func (m *MockStore) GetTradeEvent(ctx context.Context, hash string) (*models.TradeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetTradeEvent"); err != nil {
		return nil, err
	}
	if event, ok := m.TradeEvents[strings.ToLower(hash)]; ok {
		return &event, nil
	}
	return nil, nil
}

func (m *MockStore) ListTradeEvents(ctx context.Context, query models.TradeQuery) ([]models.TradeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("ListTradeEvents"); err != nil {
		return nil, err
	}

	var events []models.TradeEvent
	for _, event := range m.TradeEvents {
		if query.Address != "" && event.Trader != strings.ToLower(query.Address) {
			continue
		}
		if query.TokenAddress != "" && !strings.EqualFold(event.Source, query.TokenAddress) {
			continue
		}
		if !query.StartTime.IsZero() && event.Timestamp.Before(query.StartTime) {
			continue
		}
		if !query.EndTime.IsZero() && event.Timestamp.After(query.EndTime) {
			continue
		}
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber > events[j].BlockNumber
		}
		return events[i].LogIndex > events[j].LogIndex
	})

	if query.Offset > 0 {
		if query.Offset >= len(events) {
			return nil, nil
		}
		events = events[query.Offset:]
	}
	if query.Limit > 0 && len(events) > query.Limit {
		events = events[:query.Limit]
	}
	return events, nil
}

func (m *MockStore) GetTradeStats(ctx context.Context, address string) (*models.TradeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetTradeStats"); err != nil {
		return nil, err
	}

	stats := &models.TradeStats{}
	traders := make(map[string]bool)
	for _, event := range m.TradeEvents {
		if address != "" && event.Trader != strings.ToLower(address) {
			continue
		}
		stats.TotalTrades++
		traders[event.Trader] = true
		volume := parseFloat(event.Amount)
		if event.Type == models.TradeBuy {
			stats.BuyCount++
			stats.BuyVolume += volume
		} else {
			stats.SellCount++
			stats.SellVolume += volume
		}
	}
	stats.TotalVolume = stats.BuyVolume + stats.SellVolume
	stats.UniqueTraders = len(traders)
	return stats, nil
}

func (m *MockStore) SaveReferralCode(ctx context.Context, binding models.ReferralCodeBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveReferralCode"); err != nil {
		return err
	}
	binding.OwnerAddress = strings.ToLower(binding.OwnerAddress)
	if existing, ok := m.ReferralCodes[binding.Code]; ok {
		if existing.OwnerAddress == binding.OwnerAddress {
			return nil
		}
		return ErrCodeTaken{Code: binding.Code}
	}
	m.ReferralCodes[binding.Code] = binding
	return nil
}

func (m *MockStore) GetReferralCode(ctx context.Context, code string) (*models.ReferralCodeBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetReferralCode"); err != nil {
		return nil, err
	}
	if binding, ok := m.ReferralCodes[code]; ok {
		return &binding, nil
	}
	return nil, nil
}

func (m *MockStore) SaveReferredUser(ctx context.Context, user models.ReferredUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveReferredUser"); err != nil {
		return err
	}
	user.ReferrerAddress = strings.ToLower(user.ReferrerAddress)
	user.ReferredAddress = strings.ToLower(user.ReferredAddress)
	if _, exists := m.ReferredUsers[user.ReferredAddress]; !exists {
		m.ReferredUsers[user.ReferredAddress] = user
	}
	return nil
}

func (m *MockStore) GetReferredUser(ctx context.Context, address string) (*models.ReferredUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetReferredUser"); err != nil {
		return nil, err
	}
	if user, ok := m.ReferredUsers[strings.ToLower(address)]; ok {
		return &user, nil
	}
	return nil, nil
}

func (m *MockStore) SaveReferralTrade(ctx context.Context, trade models.ReferralTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveReferralTrade"); err != nil {
		return err
	}
	for _, existing := range m.ReferralTrades {
		if strings.EqualFold(existing.TxHash, trade.TxHash) {
			return nil
		}
	}
	m.ReferralTrades = append(m.ReferralTrades, trade)
	return nil
}

func (m *MockStore) ListReferralTrades(ctx context.Context, referrer string, limit int) ([]models.ReferralTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("ListReferralTrades"); err != nil {
		return nil, err
	}
	var trades []models.ReferralTrade
	for _, trade := range m.ReferralTrades {
		if strings.EqualFold(trade.ReferrerAddress, referrer) {
			trades = append(trades, trade)
		}
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (m *MockStore) SaveCredential(ctx context.Context, cred models.AuthCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveCredential"); err != nil {
		return err
	}
	cred.Address = strings.ToLower(cred.Address)
	m.Credentials[cred.Address] = cred
	return nil
}

func (m *MockStore) GetCredential(ctx context.Context, address string) (*models.AuthCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetCredential"); err != nil {
		return nil, err
	}
	if cred, ok := m.Credentials[strings.ToLower(address)]; ok {
		return &cred, nil
	}
	return nil, nil
}

func (m *MockStore) DeleteCredential(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteCredential"); err != nil {
		return err
	}
	delete(m.Credentials, strings.ToLower(address))
	return nil
}

func (m *MockStore) DeleteAllCredentials(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteAllCredentials"); err != nil {
		return 0, err
	}
	n := len(m.Credentials)
	m.Credentials = make(map[string]models.AuthCredential)
	return n, nil
}

func (m *MockStore) SaveUsername(ctx context.Context, binding models.UsernameBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveUsername"); err != nil {
		return err
	}
	binding.Address = strings.ToLower(binding.Address)
	m.Usernames[binding.Address] = binding
	return nil
}

func (m *MockStore) GetUsername(ctx context.Context, address string) (*models.UsernameBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetUsername"); err != nil {
		return nil, err
	}
	if binding, ok := m.Usernames[strings.ToLower(address)]; ok {
		return &binding, nil
	}
	return nil, nil
}

func (m *MockStore) GetAddressForUsername(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetAddressForUsername"); err != nil {
		return "", err
	}
	for _, binding := range m.Usernames {
		if strings.EqualFold(binding.Username, name) {
			return binding.Address, nil
		}
	}
	return "", nil
}

func (m *MockStore) ListUsernames(ctx context.Context) ([]models.UsernameBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("ListUsernames"); err != nil {
		return nil, err
	}
	bindings := make([]models.UsernameBinding, 0, len(m.Usernames))
	for _, binding := range m.Usernames {
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

func (m *MockStore) SaveChatMessage(ctx context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveChatMessage"); err != nil {
		return err
	}
	m.ChatMessages = append(m.ChatMessages, msg)
	return nil
}

func (m *MockStore) ListRecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("ListRecentMessages"); err != nil {
		return nil, err
	}
	messages := m.ChatMessages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (m *MockStore) GetProfile(ctx context.Context, address string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.track("GetProfile"); err != nil {
		return nil, err
	}

	addr := strings.ToLower(address)
	profile := &models.Profile{Address: addr}
	if binding, ok := m.Usernames[addr]; ok {
		profile.Username = binding.Username
	}
	for _, event := range m.TradeEvents {
		if event.Trader != addr {
			continue
		}
		profile.TradeCount++
		profile.TotalVolume += parseFloat(event.Amount)
		if profile.FirstSeen.IsZero() || event.Timestamp.Before(profile.FirstSeen) {
			profile.FirstSeen = event.Timestamp
		}
		if event.Timestamp.After(profile.LastSeen) {
			profile.LastSeen = event.Timestamp
		}
	}
	return profile, nil
}
