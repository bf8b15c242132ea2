package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noma-protocol/frontend-sub002/models"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "noma")
	password := getEnv("POSTGRES_PASSWORD", "noma123")
	dbname := getEnv("POSTGRES_DB", "noma_relay")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=50&pool_min_conns=10",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 10
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries from holding connections hostage
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := &PostgresStore{
		pool:  pool,
		redis: rdb,
	}

	if err := s.runMigrations(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trade_events (
			hash TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			log_index INTEGER NOT NULL,
			type TEXT NOT NULL,
			trader TEXT NOT NULL,
			source TEXT NOT NULL,
			token_symbol TEXT NOT NULL,
			amount TEXT NOT NULL,
			amount_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			gas_used BIGINT NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_trader ON trade_events(trader)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_block ON trade_events(block_number DESC, log_index DESC)`,
		`CREATE TABLE IF NOT EXISTS referral_codes (
			code TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS referred_users (
			referral_code TEXT NOT NULL,
			referrer_address TEXT NOT NULL,
			referred_address TEXT NOT NULL,
			referred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (referral_code, referrer_address, referred_address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referred_users_addr ON referred_users(referred_address)`,
		`CREATE TABLE IF NOT EXISTS referral_trades (
			tx_hash TEXT PRIMARY KEY,
			user_address TEXT NOT NULL,
			referral_code TEXT NOT NULL,
			referrer_address TEXT NOT NULL,
			type TEXT NOT NULL,
			volume TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referral_trades_referrer ON referral_trades(referrer_address)`,
		`CREATE TABLE IF NOT EXISTS auth_credentials (
			address TEXT PRIMARY KEY,
			session_token TEXT NOT NULL,
			signature TEXT NOT NULL,
			last_auth TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usernames (
			address TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			last_change TIMESTAMPTZ NOT NULL,
			cooldown_ms BIGINT NOT NULL DEFAULT 0,
			change_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_usernames_lower ON usernames(LOWER(username))`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			username TEXT NOT NULL,
			address TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			is_command BOOLEAN NOT NULL DEFAULT FALSE,
			command_type TEXT NOT NULL DEFAULT '',
			reply_to TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_ts ON chat_messages(timestamp DESC)`,
	}

	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SaveTradeEvent inserts a trade event. The hash primary key makes the
// insert idempotent; replays of the same transaction are silently dropped.
func (s *PostgresStore) SaveTradeEvent(ctx context.Context, event models.TradeEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_events (hash, block_number, log_index, type, trader, source, token_symbol, amount, amount_usd, gas_used, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING
	`, strings.ToLower(event.Hash), event.BlockNumber, event.LogIndex, event.Type,
		strings.ToLower(event.Trader), strings.ToLower(event.Source), event.TokenSymbol,
		event.Amount, event.AmountUSD, event.GasUsed, event.Timestamp)
	if err != nil {
		return fmt.Errorf("save trade event: %w", err)
	}

	s.redis.Del(ctx, fmt.Sprintf("profile:%s", strings.ToLower(event.Trader)))
	if keys, err := s.redis.Keys(ctx, "stats:*").Result(); err == nil && len(keys) > 0 {
		s.redis.Del(ctx, keys...)
	}
	return nil
}

func (s *PostgresStore) GetTradeEvent(ctx context.Context, hash string) (*models.TradeEvent, error) {
	var event models.TradeEvent
	err := s.pool.QueryRow(ctx, `
		SELECT hash, block_number, log_index, type, trader, source, token_symbol, amount, amount_usd, gas_used, timestamp
		FROM trade_events WHERE hash = $1
	`, strings.ToLower(hash)).Scan(
		&event.Hash, &event.BlockNumber, &event.LogIndex, &event.Type, &event.Trader,
		&event.Source, &event.TokenSymbol, &event.Amount, &event.AmountUSD, &event.GasUsed, &event.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (s *PostgresStore) ListTradeEvents(ctx context.Context, query models.TradeQuery) ([]models.TradeEvent, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if query.Address != "" {
		where = append(where, "trader = "+arg(strings.ToLower(query.Address)))
	}
	if query.TokenAddress != "" {
		where = append(where, "source = "+arg(strings.ToLower(query.TokenAddress)))
	}
	if !query.StartTime.IsZero() {
		where = append(where, "timestamp >= "+arg(query.StartTime))
	}
	if !query.EndTime.IsZero() {
		where = append(where, "timestamp <= "+arg(query.EndTime))
	}

	sql := fmt.Sprintf(`
		SELECT hash, block_number, log_index, type, trader, source, token_symbol, amount, amount_usd, gas_used, timestamp
		FROM trade_events
		WHERE %s
		ORDER BY block_number DESC, log_index DESC
		LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), arg(limit), arg(query.Offset))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		var event models.TradeEvent
		if err := rows.Scan(
			&event.Hash, &event.BlockNumber, &event.LogIndex, &event.Type, &event.Trader,
			&event.Source, &event.TokenSymbol, &event.Amount, &event.AmountUSD, &event.GasUsed, &event.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetTradeStats aggregates trades with Redis caching. An empty address
// aggregates the whole table.
func (s *PostgresStore) GetTradeStats(ctx context.Context, address string) (*models.TradeStats, error) {
	cacheKey := fmt.Sprintf("stats:%s", strings.ToLower(address))
	if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var stats models.TradeStats
		if json.Unmarshal(cached, &stats) == nil {
			return &stats, nil
		}
	}

	where := ""
	args := []interface{}{}
	if address != "" {
		where = "WHERE trader = $1"
		args = append(args, strings.ToLower(address))
	}

	var stats models.TradeStats
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE type = 'buy'),
			COUNT(*) FILTER (WHERE type = 'sell'),
			COALESCE(SUM(CAST(amount AS DOUBLE PRECISION)) FILTER (WHERE type = 'buy'), 0),
			COALESCE(SUM(CAST(amount AS DOUBLE PRECISION)) FILTER (WHERE type = 'sell'), 0),
			COUNT(DISTINCT trader)
		FROM trade_events %s`, where), args...).Scan(
		&stats.TotalTrades, &stats.BuyCount, &stats.SellCount,
		&stats.BuyVolume, &stats.SellVolume, &stats.UniqueTraders)
	if err != nil {
		return nil, err
	}
	stats.TotalVolume = stats.BuyVolume + stats.SellVolume

	if data, err := json.Marshal(stats); err == nil {
		s.redis.Set(ctx, cacheKey, data, time.Minute)
	}
	return &stats, nil
}

func (s *PostgresStore) SaveReferralCode(ctx context.Context, binding models.ReferralCodeBinding) error {
	owner := strings.ToLower(binding.OwnerAddress)

	var existing string
	err := s.pool.QueryRow(ctx, `SELECT owner_address FROM referral_codes WHERE code = $1`, binding.Code).Scan(&existing)
	if err == nil {
		if existing == owner {
			return nil
		}
		return ErrCodeTaken{Code: binding.Code}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO referral_codes (code, owner_address, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, binding.Code, owner, binding.CreatedAt)
	return err
}

func (s *PostgresStore) GetReferralCode(ctx context.Context, code string) (*models.ReferralCodeBinding, error) {
	var binding models.ReferralCodeBinding
	err := s.pool.QueryRow(ctx, `
		SELECT code, owner_address, created_at FROM referral_codes WHERE code = $1
	`, code).Scan(&binding.Code, &binding.OwnerAddress, &binding.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &binding, nil
}

func (s *PostgresStore) SaveReferredUser(ctx context.Context, user models.ReferredUser) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referred_users (referral_code, referrer_address, referred_address, referred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (referral_code, referrer_address, referred_address) DO NOTHING
	`, user.ReferralCode, strings.ToLower(user.ReferrerAddress), strings.ToLower(user.ReferredAddress), user.ReferredAt)
	return err
}

func (s *PostgresStore) GetReferredUser(ctx context.Context, address string) (*models.ReferredUser, error) {
	var user models.ReferredUser
	err := s.pool.QueryRow(ctx, `
		SELECT referral_code, referrer_address, referred_address, referred_at
		FROM referred_users
		WHERE referred_address = $1
		ORDER BY referred_at ASC
		LIMIT 1
	`, strings.ToLower(address)).Scan(&user.ReferralCode, &user.ReferrerAddress, &user.ReferredAddress, &user.ReferredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) SaveReferralTrade(ctx context.Context, trade models.ReferralTrade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_trades (tx_hash, user_address, referral_code, referrer_address, type, volume, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO NOTHING
	`, strings.ToLower(trade.TxHash), strings.ToLower(trade.UserAddress), trade.ReferralCode,
		strings.ToLower(trade.ReferrerAddress), trade.Type, trade.Volume, trade.Timestamp)
	return err
}

func (s *PostgresStore) ListReferralTrades(ctx context.Context, referrer string, limit int) ([]models.ReferralTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, user_address, referral_code, referrer_address, type, volume, timestamp
		FROM referral_trades
		WHERE referrer_address = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, strings.ToLower(referrer), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.ReferralTrade
	for rows.Next() {
		var trade models.ReferralTrade
		if err := rows.Scan(&trade.TxHash, &trade.UserAddress, &trade.ReferralCode,
			&trade.ReferrerAddress, &trade.Type, &trade.Volume, &trade.Timestamp); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SaveCredential(ctx context.Context, cred models.AuthCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_credentials (address, session_token, signature, last_auth)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			session_token = EXCLUDED.session_token,
			signature = EXCLUDED.signature,
			last_auth = EXCLUDED.last_auth
	`, strings.ToLower(cred.Address), cred.SessionToken, cred.Signature, cred.LastAuth)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, address string) (*models.AuthCredential, error) {
	var cred models.AuthCredential
	err := s.pool.QueryRow(ctx, `
		SELECT address, session_token, signature, last_auth
		FROM auth_credentials WHERE address = $1
	`, strings.ToLower(address)).Scan(&cred.Address, &cred.SessionToken, &cred.Signature, &cred.LastAuth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_credentials WHERE address = $1`, strings.ToLower(address))
	return err
}

func (s *PostgresStore) DeleteAllCredentials(ctx context.Context) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM auth_credentials`)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

func (s *PostgresStore) SaveUsername(ctx context.Context, binding models.UsernameBinding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usernames (address, username, last_change, cooldown_ms, change_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			username = EXCLUDED.username,
			last_change = EXCLUDED.last_change,
			cooldown_ms = EXCLUDED.cooldown_ms,
			change_count = EXCLUDED.change_count
	`, strings.ToLower(binding.Address), binding.Username, binding.LastChange,
		binding.Cooldown.Milliseconds(), binding.ChangeCount)
	if err != nil {
		return err
	}
	s.redis.Del(ctx, fmt.Sprintf("profile:%s", strings.ToLower(binding.Address)))
	return nil
}

func (s *PostgresStore) GetUsername(ctx context.Context, address string) (*models.UsernameBinding, error) {
	var binding models.UsernameBinding
	var cooldownMS int64
	err := s.pool.QueryRow(ctx, `
		SELECT address, username, last_change, cooldown_ms, change_count
		FROM usernames WHERE address = $1
	`, strings.ToLower(address)).Scan(&binding.Address, &binding.Username, &binding.LastChange, &cooldownMS, &binding.ChangeCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	binding.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	return &binding, nil
}

func (s *PostgresStore) GetAddressForUsername(ctx context.Context, name string) (string, error) {
	var address string
	err := s.pool.QueryRow(ctx, `
		SELECT address FROM usernames WHERE LOWER(username) = LOWER($1)
	`, name).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return address, nil
}

func (s *PostgresStore) ListUsernames(ctx context.Context) ([]models.UsernameBinding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, username, last_change, cooldown_ms, change_count FROM usernames
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []models.UsernameBinding
	for rows.Next() {
		var binding models.UsernameBinding
		var cooldownMS int64
		if err := rows.Scan(&binding.Address, &binding.Username, &binding.LastChange, &cooldownMS, &binding.ChangeCount); err != nil {
			return nil, err
		}
		binding.Cooldown = time.Duration(cooldownMS) * time.Millisecond
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

func (s *PostgresStore) SaveChatMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, content, username, address, timestamp, verified, is_command, command_type, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.Content, msg.Username, strings.ToLower(msg.Address), msg.Timestamp,
		msg.Verified, msg.IsCommand, msg.CommandType, msg.ReplyTo)
	if err != nil {
		return err
	}
	s.redis.Del(ctx, "chat:recent")
	return nil
}

// ListRecentMessages returns the newest messages in chronological order,
// cached briefly in Redis for reconnect bursts.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	cacheKey := "chat:recent"
	if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var messages []models.ChatMessage
		if json.Unmarshal(cached, &messages) == nil && len(messages) >= limit {
			return messages[len(messages)-limit:], nil
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content, username, address, timestamp, verified, is_command, command_type, reply_to
		FROM chat_messages
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Username, &msg.Address, &msg.Timestamp,
			&msg.Verified, &msg.IsCommand, &msg.CommandType, &msg.ReplyTo); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if data, err := json.Marshal(messages); err == nil {
		s.redis.Set(ctx, cacheKey, data, 15*time.Second)
	}
	return messages, nil
}

// GetProfile assembles the public view of an address with Redis caching.
func (s *PostgresStore) GetProfile(ctx context.Context, address string) (*models.Profile, error) {
	addr := strings.ToLower(address)

	cacheKey := fmt.Sprintf("profile:%s", addr)
	if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var profile models.Profile
		if json.Unmarshal(cached, &profile) == nil {
			return &profile, nil
		}
	}

	profile := models.Profile{Address: addr}

	var username string
	err := s.pool.QueryRow(ctx, `SELECT username FROM usernames WHERE address = $1`, addr).Scan(&username)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	profile.Username = username

	var firstSeen, lastSeen *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CAST(amount AS DOUBLE PRECISION)), 0), MIN(timestamp), MAX(timestamp)
		FROM trade_events WHERE trader = $1
	`, addr).Scan(&profile.TradeCount, &profile.TotalVolume, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	if firstSeen != nil {
		profile.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		profile.LastSeen = *lastSeen
	}

	if data, err := json.Marshal(profile); err == nil {
		s.redis.Set(ctx, cacheKey, data, 2*time.Minute)
	}
	return &profile, nil
}

// Redis exposes the underlying Redis client for components that keep
// their own snapshots (metrics).
func (s *PostgresStore) Redis() *redis.Client {
	return s.redis
}
