package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// Client caches step-history lookups and holds the poller checkpoint when a
// Redis instance is deployed next to the engine. Everything here is an
// optimization: a miss or an unavailable Redis only means the store is hit.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func historyKey(machine, stepID, code string, windowDays int) string {
	return fmt.Sprintf("history:%s:%s:%s:%d", machine, stepID, code, windowDays)
}

func (c *Client) SetStepHistory(ctx context.Context, machine, stepID, code string, windowDays int, points []models.HistoryPoint, ttl time.Duration) error {
	data, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	err = c.client.Set(ctx, historyKey(machine, stepID, code, windowDays), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set history cache: %w", err)
	}

	logger.Debug("Step history cached",
		zap.String("machine", machine),
		zap.String("step_id", stepID),
		zap.Int("window_days", windowDays))
	return nil
}

func (c *Client) GetStepHistory(ctx context.Context, machine, stepID, code string, windowDays int) ([]models.HistoryPoint, bool, error) {
	data, err := c.client.Get(ctx, historyKey(machine, stepID, code, windowDays)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("history").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get history cache: %w", err)
	}

	var points []models.HistoryPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	metrics.CacheHits.WithLabelValues("history").Inc()
	return points, true, nil
}

// InvalidateStepHistory drops every cached history window, e.g. after a bulk
// event import.
func (c *Client) InvalidateStepHistory(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "history:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Step history cache invalidated")
	return nil
}

const checkpointKey = "checkpoint:poller"

// LastSeen and SetLastSeen implement the poll checkpoint on Redis.
func (c *Client) LastSeen(ctx context.Context) (time.Time, bool, error) {
	nanos, err := c.client.Get(ctx, checkpointKey).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (c *Client) SetLastSeen(ctx context.Context, ts time.Time) error {
	err := c.client.Set(ctx, checkpointKey, ts.UnixNano(), 0).Err()
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
