package models

import "time"

// Protocol identifies the AMM family a pool belongs to.
type Protocol string

const (
	ProtocolUniswap   Protocol = "uniswap"
	ProtocolPancake   Protocol = "pancakeswap"
	ProtocolSushiswap Protocol = "sushiswap"
)

// PoolVersion selects the swap event shape for a pool.
type PoolVersion string

const (
	PoolV2 PoolVersion = "v2"
	PoolV3 PoolVersion = "v3"
)

// PoolConfig describes one monitored liquidity pool. Immutable for the
// duration of a polling cycle; identity is the pool address (lowercase).
type PoolConfig struct {
	Name    string      `yaml:"name" json:"name"`
	Address string      `yaml:"address" json:"address"`
	Proto   Protocol    `yaml:"protocol" json:"protocol"`
	Version PoolVersion `yaml:"version" json:"version"`
	Token0  string      `yaml:"token0" json:"token0"`
	Token1  string      `yaml:"token1" json:"token1"`
	FeeTier int         `yaml:"fee_tier" json:"feeTier"`
	Enabled bool        `yaml:"enabled" json:"enabled"`
}

// TradeEvent is the normalized record of one on-chain swap or helper trade.
// Created exactly once per transaction hash and persisted append-only.
type TradeEvent struct {
	Hash        string    `json:"hash"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`
	Type        string    `json:"type"` // "buy" or "sell"
	Trader      string    `json:"traderAddress"`
	Source      string    `json:"source"` // pool or helper contract address
	TokenSymbol string    `json:"tokenSymbol"`
	Amount      string    `json:"amount"` // whole-token decimal string
	AmountUSD   float64   `json:"amountUSD,omitempty"`
	GasUsed     uint64    `json:"gasUsed,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	TradeBuy  = "buy"
	TradeSell = "sell"
)

// ReferralCodeBinding maps a referral code to the address that owns it.
// First writer wins; re-registration under a different owner is rejected.
type ReferralCodeBinding struct {
	Code         string    `json:"code"`
	OwnerAddress string    `json:"ownerAddress"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReferredUser binds a referred address to a (code, referrer) pair.
type ReferredUser struct {
	ReferralCode    string    `json:"referralCode"`
	ReferrerAddress string    `json:"referrerAddress"`
	ReferredAddress string    `json:"referredAddress"`
	ReferredAt      time.Time `json:"referredAt"`
}

// ReferralTrade is the derived record created when a trade's origin address
// was previously registered as referred.
type ReferralTrade struct {
	UserAddress     string    `json:"userAddress"`
	ReferralCode    string    `json:"referralCode"`
	ReferrerAddress string    `json:"referrerAddress"`
	Type            string    `json:"type"`
	Volume          string    `json:"volume"`
	TxHash          string    `json:"txHash"`
	Timestamp       time.Time `json:"timestamp"`
}

// AuthCredential is the persisted proof that an address completed
// signature authentication. Exactly one live session exists per address.
type AuthCredential struct {
	Address      string    `json:"address"`
	SessionToken string    `json:"sessionToken"`
	Signature    string    `json:"signature"`
	LastAuth     time.Time `json:"lastAuth"`
}

// UsernameBinding holds the single username bound to an address together
// with the escalating change cooldown.
type UsernameBinding struct {
	Address     string        `json:"address"`
	Username    string        `json:"username"`
	LastChange  time.Time     `json:"lastChange"`
	Cooldown    time.Duration `json:"cooldownMs"`
	ChangeCount int           `json:"changeCount"`
}

// ChatMessage is one persisted chat line. Username is always resolved
// server-side from the sender's address.
type ChatMessage struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Username    string    `json:"username"`
	Address     string    `json:"address"`
	Timestamp   time.Time `json:"timestamp"`
	Verified    bool      `json:"verified"`
	IsCommand   bool      `json:"isCommand"`
	CommandType string    `json:"commandType,omitempty"`
	ReplyTo     string    `json:"replyTo,omitempty"`
}

// KickRecord blocks a kicked address from reconnecting until it expires.
type KickRecord struct {
	Address  string    `json:"address"`
	KickedAt time.Time `json:"kickedAt"`
}

// Profile is the public view of a chat/trading user.
type Profile struct {
	Address     string    `json:"address"`
	Username    string    `json:"username,omitempty"`
	TradeCount  int       `json:"tradeCount"`
	TotalVolume float64   `json:"totalVolume"`
	FirstSeen   time.Time `json:"firstSeen,omitempty"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

// TradeStats aggregates persisted trade events, optionally scoped to one
// trader address.
type TradeStats struct {
	TotalTrades   int     `json:"totalTrades"`
	BuyCount      int     `json:"buyCount"`
	SellCount     int     `json:"sellCount"`
	BuyVolume     float64 `json:"buyVolume"`
	SellVolume    float64 `json:"sellVolume"`
	TotalVolume   float64 `json:"totalVolume"`
	UniqueTraders int     `json:"uniqueTraders"`
}

// TradeQuery captures the filters accepted by the transactions endpoint.
type TradeQuery struct {
	Address      string
	TokenAddress string
	Limit        int
	Offset       int
	StartTime    time.Time
	EndTime      time.Time
}
