package redis

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/predict"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// CachedHistory decorates a history store with the Redis step-history cache.
// The adaptive window widens in fixed day steps, so keying by the rounded
// window width gives stable keys across escalations of the same step.
type CachedHistory struct {
	store predict.HistoryStore
	cache *Client
	ttl   time.Duration
	now   func() time.Time
}

func NewCachedHistory(store predict.HistoryStore, cache *Client, ttl time.Duration) *CachedHistory {
	return &CachedHistory{
		store: store,
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (h *CachedHistory) FetchStepHistory(ctx context.Context, machine, stepID, code string, since time.Time) ([]models.HistoryPoint, error) {
	windowDays := windowWidthDays(h.now(), since)

	points, hit, err := h.cache.GetStepHistory(ctx, machine, stepID, code, windowDays)
	if err != nil {
		// Cache trouble degrades to a store read.
		logger.Warn("history cache read failed", zap.Error(err))
	} else if hit {
		return points, nil
	}

	points, err = h.store.FetchStepHistory(ctx, machine, stepID, code, since)
	if err != nil {
		return nil, err
	}

	if err := h.cache.SetStepHistory(ctx, machine, stepID, code, windowDays, points, h.ttl); err != nil {
		logger.Warn("history cache write failed", zap.Error(err))
	}
	return points, nil
}

// windowWidthDays recovers the window width a caller encoded as "now minus a
// whole number of days". Rounding absorbs the clock skew between the caller's
// now and ours, so the key lands on the caller's step, not one past it.
func windowWidthDays(now, since time.Time) int {
	return int(math.Round(now.Sub(since).Hours() / 24))
}
