package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for trades, referrals, chat, and auth state.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveTradeEvent appends one trade event. A conflicting hash is left
// untouched: the first recorded event for a transaction is authoritative.
func (s *Store) SaveTradeEvent(ctx context.Context, event models.TradeEvent) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trade_events (
            hash, block_number, log_index, type, trader, source,
            token_symbol, amount, amount_usd, gas_used, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(hash) DO NOTHING
    `, event.Hash, event.BlockNumber, event.LogIndex, event.Type,
		strings.ToLower(event.Trader), strings.ToLower(event.Source),
		event.TokenSymbol, event.Amount, event.AmountUSD, event.GasUsed,
		timeString(event.Timestamp))
	if err != nil {
		return fmt.Errorf("save trade event: %w", err)
	}
	return nil
}

// GetTradeEvent returns one trade event by transaction hash, or nil.
func (s *Store) GetTradeEvent(ctx context.Context, hash string) (*models.TradeEvent, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT hash, block_number, log_index, type, trader, source,
               token_symbol, amount, amount_usd, gas_used, timestamp
        FROM trade_events WHERE hash = ?`, strings.ToLower(hash))

	event, err := scanTradeEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// ListTradeEvents returns trade events matching the query, newest first.
func (s *Store) ListTradeEvents(ctx context.Context, query models.TradeQuery) ([]models.TradeEvent, error) {
	limit := query.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := []string{"1=1"}
	args := []any{}
	if query.Address != "" {
		where = append(where, "trader = ?")
		args = append(args, strings.ToLower(query.Address))
	}
	if query.TokenAddress != "" {
		where = append(where, "source = ?")
		args = append(args, strings.ToLower(query.TokenAddress))
	}
	if !query.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, query.StartTime.UTC().Format(time.RFC3339))
	}
	if !query.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, query.EndTime.UTC().Format(time.RFC3339))
	}
	args = append(args, limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT hash, block_number, log_index, type, trader, source,
               token_symbol, amount, amount_usd, gas_used, timestamp
        FROM trade_events
        WHERE %s
        ORDER BY block_number DESC, log_index DESC
        LIMIT ? OFFSET ?`, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		event, err := scanTradeEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// GetTradeStats aggregates trade events, optionally scoped to one trader.
func (s *Store) GetTradeStats(ctx context.Context, address string) (*models.TradeStats, error) {
	where := ""
	args := []any{}
	if address != "" {
		where = "WHERE trader = ?"
		args = append(args, strings.ToLower(address))
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN type = 'buy' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN type = 'sell' THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN type = 'buy' THEN CAST(amount AS REAL) ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN type = 'sell' THEN CAST(amount AS REAL) ELSE 0 END), 0),
               COUNT(DISTINCT trader)
        FROM trade_events %s`, where), args...)

	var stats models.TradeStats
	if err := row.Scan(&stats.TotalTrades, &stats.BuyCount, &stats.SellCount,
		&stats.BuyVolume, &stats.SellVolume, &stats.UniqueTraders); err != nil {
		return nil, fmt.Errorf("trade stats: %w", err)
	}
	stats.TotalVolume = stats.BuyVolume + stats.SellVolume
	return &stats, nil
}

// SaveReferralCode registers a code binding. First writer wins: a code
// already owned by a different address is rejected.
func (s *Store) SaveReferralCode(ctx context.Context, binding models.ReferralCodeBinding) error {
	existing, err := s.GetReferralCode(ctx, binding.Code)
	if err != nil {
		return err
	}
	owner := strings.ToLower(binding.OwnerAddress)
	if existing != nil {
		if existing.OwnerAddress == owner {
			return nil
		}
		return ErrCodeTaken{Code: binding.Code}
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO referral_codes (code, owner_address, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT(code) DO NOTHING
    `, binding.Code, owner, timeString(binding.CreatedAt))
	if err != nil {
		return fmt.Errorf("save referral code: %w", err)
	}
	return nil
}

// GetReferralCode returns a code binding, or nil when unregistered.
func (s *Store) GetReferralCode(ctx context.Context, code string) (*models.ReferralCodeBinding, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT code, owner_address, created_at FROM referral_codes WHERE code = ?`, code)

	var binding models.ReferralCodeBinding
	var createdAt sql.NullString
	if err := row.Scan(&binding.Code, &binding.OwnerAddress, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	binding.CreatedAt = parseTime(createdAt)
	return &binding, nil
}

// SaveReferredUser records a referred address under (code, referrer).
func (s *Store) SaveReferredUser(ctx context.Context, user models.ReferredUser) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO referred_users (referral_code, referrer_address, referred_address, referred_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(referral_code, referrer_address, referred_address) DO NOTHING
    `, user.ReferralCode, strings.ToLower(user.ReferrerAddress),
		strings.ToLower(user.ReferredAddress), timeString(user.ReferredAt))
	if err != nil {
		return fmt.Errorf("save referred user: %w", err)
	}
	return nil
}

// GetReferredUser returns the earliest referral binding for an address.
func (s *Store) GetReferredUser(ctx context.Context, address string) (*models.ReferredUser, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT referral_code, referrer_address, referred_address, referred_at
        FROM referred_users
        WHERE referred_address = ?
        ORDER BY datetime(referred_at) ASC
        LIMIT 1`, strings.ToLower(address))

	var user models.ReferredUser
	var referredAt sql.NullString
	if err := row.Scan(&user.ReferralCode, &user.ReferrerAddress, &user.ReferredAddress, &referredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.ReferredAt = parseTime(referredAt)
	return &user, nil
}

// SaveReferralTrade appends one attributed trade.
func (s *Store) SaveReferralTrade(ctx context.Context, trade models.ReferralTrade) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO referral_trades (user_address, referral_code, referrer_address, type, volume, tx_hash, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tx_hash) DO NOTHING
    `, strings.ToLower(trade.UserAddress), trade.ReferralCode,
		strings.ToLower(trade.ReferrerAddress), trade.Type, trade.Volume,
		strings.ToLower(trade.TxHash), timeString(trade.Timestamp))
	if err != nil {
		return fmt.Errorf("save referral trade: %w", err)
	}
	return nil
}

// ListReferralTrades returns attributed trades for a referrer, newest first.
func (s *Store) ListReferralTrades(ctx context.Context, referrer string, limit int) ([]models.ReferralTrade, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT user_address, referral_code, referrer_address, type, volume, tx_hash, timestamp
        FROM referral_trades
        WHERE referrer_address = ?
        ORDER BY datetime(timestamp) DESC
        LIMIT ?`, strings.ToLower(referrer), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.ReferralTrade
	for rows.Next() {
		var trade models.ReferralTrade
		var ts sql.NullString
		if err := rows.Scan(&trade.UserAddress, &trade.ReferralCode, &trade.ReferrerAddress,
			&trade.Type, &trade.Volume, &trade.TxHash, &ts); err != nil {
			return nil, err
		}
		trade.Timestamp = parseTime(ts)
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// SaveCredential upserts the auth credential for an address.
func (s *Store) SaveCredential(ctx context.Context, cred models.AuthCredential) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO auth_credentials (address, session_token, signature, last_auth)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            session_token = excluded.session_token,
            signature = excluded.signature,
            last_auth = excluded.last_auth
    `, strings.ToLower(cred.Address), cred.SessionToken, cred.Signature, timeString(cred.LastAuth))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential returns the stored credential for an address, or nil.
func (s *Store) GetCredential(ctx context.Context, address string) (*models.AuthCredential, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT address, session_token, signature, last_auth
        FROM auth_credentials WHERE address = ?`, strings.ToLower(address))

	var cred models.AuthCredential
	var lastAuth sql.NullString
	if err := row.Scan(&cred.Address, &cred.SessionToken, &cred.Signature, &lastAuth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.LastAuth = parseTime(lastAuth)
	return &cred, nil
}

// DeleteCredential revokes one address's credential.
func (s *Store) DeleteCredential(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_credentials WHERE address = ?`, strings.ToLower(address))
	return err
}

// DeleteAllCredentials revokes every persisted credential.
func (s *Store) DeleteAllCredentials(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auth_credentials`)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// SaveUsername upserts the username binding for an address.
func (s *Store) SaveUsername(ctx context.Context, binding models.UsernameBinding) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO usernames (address, username, last_change, cooldown_ms, change_count)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            username = excluded.username,
            last_change = excluded.last_change,
            cooldown_ms = excluded.cooldown_ms,
            change_count = excluded.change_count
    `, strings.ToLower(binding.Address), binding.Username,
		timeString(binding.LastChange), binding.Cooldown.Milliseconds(), binding.ChangeCount)
	if err != nil {
		return fmt.Errorf("save username: %w", err)
	}
	return nil
}

// GetUsername returns the binding for an address, or nil.
func (s *Store) GetUsername(ctx context.Context, address string) (*models.UsernameBinding, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT address, username, last_change, cooldown_ms, change_count
        FROM usernames WHERE address = ?`, strings.ToLower(address))
	return scanUsername(row.Scan)
}

// GetAddressForUsername does an exact case-insensitive reverse lookup.
func (s *Store) GetAddressForUsername(ctx context.Context, name string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT address FROM usernames WHERE username = ? COLLATE NOCASE`, name)

	var address string
	if err := row.Scan(&address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return address, nil
}

// ListUsernames returns all bindings (used to rebuild in-memory state).
func (s *Store) ListUsernames(ctx context.Context) ([]models.UsernameBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT address, username, last_change, cooldown_ms, change_count FROM usernames`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []models.UsernameBinding
	for rows.Next() {
		binding, err := scanUsername(rows.Scan)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, *binding)
	}
	return bindings, rows.Err()
}

// SaveChatMessage appends one chat line.
func (s *Store) SaveChatMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO chat_messages (id, content, username, address, timestamp, verified, is_command, command_type, reply_to)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, msg.ID, msg.Content, msg.Username, strings.ToLower(msg.Address),
		timeString(msg.Timestamp), boolInt(msg.Verified), boolInt(msg.IsCommand),
		msg.CommandType, msg.ReplyTo)
	if err != nil {
		return fmt.Errorf("save chat message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the last N messages in chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, content, username, address, timestamp, verified, is_command, command_type, reply_to
        FROM chat_messages
        ORDER BY datetime(timestamp) DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var ts sql.NullString
		var verified, isCommand int
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Username, &msg.Address,
			&ts, &verified, &isCommand, &msg.CommandType, &msg.ReplyTo); err != nil {
			return nil, err
		}
		msg.Timestamp = parseTime(ts)
		msg.Verified = verified == 1
		msg.IsCommand = isCommand == 1
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order for replay to new connections.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetProfile derives the public profile for an address from trades and the
// username binding.
func (s *Store) GetProfile(ctx context.Context, address string) (*models.Profile, error) {
	addr := strings.ToLower(address)
	profile := &models.Profile{Address: addr}

	binding, err := s.GetUsername(ctx, addr)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		profile.Username = binding.Username
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(SUM(CAST(amount AS REAL)), 0), MIN(timestamp), MAX(timestamp)
        FROM trade_events WHERE trader = ?`, addr)

	var first, last sql.NullString
	if err := row.Scan(&profile.TradeCount, &profile.TotalVolume, &first, &last); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	profile.FirstSeen = parseTime(first)
	profile.LastSeen = parseTime(last)

	return profile, nil
}

func scanTradeEvent(scan func(dest ...any) error) (*models.TradeEvent, error) {
	var event models.TradeEvent
	var ts sql.NullString
	if err := scan(&event.Hash, &event.BlockNumber, &event.LogIndex, &event.Type,
		&event.Trader, &event.Source, &event.TokenSymbol, &event.Amount,
		&event.AmountUSD, &event.GasUsed, &ts); err != nil {
		return nil, err
	}
	event.Timestamp = parseTime(ts)
	return &event, nil
}

func scanUsername(scan func(dest ...any) error) (*models.UsernameBinding, error) {
	var binding models.UsernameBinding
	var lastChange sql.NullString
	var cooldownMS int64
	if err := scan(&binding.Address, &binding.Username, &lastChange, &cooldownMS, &binding.ChangeCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	binding.LastChange = parseTime(lastChange)
	binding.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	return &binding, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS trade_events (
        hash TEXT PRIMARY KEY,
        block_number INTEGER,
        log_index INTEGER,
        type TEXT NOT NULL,
        trader TEXT NOT NULL,
        source TEXT,
        token_symbol TEXT,
        amount TEXT,
        amount_usd REAL,
        gas_used INTEGER,
        timestamp TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_trades_trader_time ON trade_events(trader, datetime(timestamp) DESC);
    CREATE INDEX IF NOT EXISTS idx_trades_block ON trade_events(block_number DESC);

    CREATE TABLE IF NOT EXISTS referral_codes (
        code TEXT PRIMARY KEY,
        owner_address TEXT NOT NULL,
        created_at TEXT
    );

    CREATE TABLE IF NOT EXISTS referred_users (
        referral_code TEXT NOT NULL,
        referrer_address TEXT NOT NULL,
        referred_address TEXT NOT NULL,
        referred_at TEXT,
        PRIMARY KEY (referral_code, referrer_address, referred_address)
    );
    CREATE INDEX IF NOT EXISTS idx_referred_address ON referred_users(referred_address);

    CREATE TABLE IF NOT EXISTS referral_trades (
        tx_hash TEXT PRIMARY KEY,
        user_address TEXT NOT NULL,
        referral_code TEXT NOT NULL,
        referrer_address TEXT NOT NULL,
        type TEXT,
        volume TEXT,
        timestamp TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_referral_trades_referrer ON referral_trades(referrer_address, datetime(timestamp) DESC);

    CREATE TABLE IF NOT EXISTS auth_credentials (
        address TEXT PRIMARY KEY,
        session_token TEXT,
        signature TEXT,
        last_auth TEXT
    );

    CREATE TABLE IF NOT EXISTS usernames (
        address TEXT PRIMARY KEY,
        username TEXT NOT NULL UNIQUE COLLATE NOCASE,
        last_change TEXT,
        cooldown_ms INTEGER,
        change_count INTEGER
    );

    CREATE TABLE IF NOT EXISTS chat_messages (
        id TEXT PRIMARY KEY,
        content TEXT,
        username TEXT,
        address TEXT,
        timestamp TEXT,
        verified INTEGER,
        is_command INTEGER,
        command_type TEXT,
        reply_to TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_chat_time ON chat_messages(datetime(timestamp) DESC);
    `

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
