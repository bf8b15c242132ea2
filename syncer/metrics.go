package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsKey = "relay:metrics"

// PollerMetrics is a point-in-time snapshot of ingestion progress.
type PollerMetrics struct {
	LastBlock       uint64    `json:"last_block"`
	TradesIngested  int64     `json:"trades_ingested"`
	LogsSkipped     int64     `json:"logs_skipped"`
	CycleFailures   int64     `json:"cycle_failures"`
	LastTradeTime   time.Time `json:"last_trade_time"`
	LastCycleTime   time.Time `json:"last_cycle_time"`
	LastCycleMillis int64     `json:"last_cycle_ms"`
}

// HubMetrics is a point-in-time snapshot of the connection hub.
type HubMetrics struct {
	Connections   int   `json:"connections"`
	Authenticated int   `json:"authenticated"`
	MessagesSent  int64 `json:"messages_sent"`
	KicksActive   int   `json:"kicks_active"`
}

// SystemMetrics combines the snapshots published by the relay.
type SystemMetrics struct {
	Poller    PollerMetrics `json:"poller"`
	Hub       HubMetrics    `json:"hub"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MetricsStore persists metric snapshots in Redis so the API process can
// serve them without sharing memory with the poller.
type MetricsStore struct {
	redis *redis.Client
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(redisClient *redis.Client) *MetricsStore {
	return &MetricsStore{redis: redisClient}
}

// SavePollerMetrics merges a poller snapshot into the stored system metrics.
func (m *MetricsStore) SavePollerMetrics(ctx context.Context, metrics PollerMetrics) error {
	var system SystemMetrics
	existing, err := m.redis.Get(ctx, metricsKey).Result()
	if err == nil {
		json.Unmarshal([]byte(existing), &system)
	}

	system.Poller = metrics
	system.UpdatedAt = time.Now()

	data, err := json.Marshal(system)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, 24*time.Hour).Err()
}

// SaveHubMetrics merges a hub snapshot into the stored system metrics.
func (m *MetricsStore) SaveHubMetrics(ctx context.Context, metrics HubMetrics) error {
	var system SystemMetrics
	existing, err := m.redis.Get(ctx, metricsKey).Result()
	if err == nil {
		json.Unmarshal([]byte(existing), &system)
	}

	system.Hub = metrics
	system.UpdatedAt = time.Now()

	data, err := json.Marshal(system)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, 24*time.Hour).Err()
}

// GetMetrics retrieves the stored snapshot. Missing data returns zero
// values, not an error.
func (m *MetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return &SystemMetrics{}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}
