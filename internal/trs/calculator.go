package trs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// Degenerate-window reasons. Callers get a structured result instead of a
// division error.
const (
	ReasonNoProduction = "no production"
	ReasonNoRuntime    = "no measurable runtime"
)

// CycleStore is the calculator's read boundary: real cycles in a window,
// grouped by cycle id with their span and error flag.
type CycleStore interface {
	FetchCycles(ctx context.Context, start, end time.Time) ([]models.CycleSpan, error)
}

// Calculator computes the OEE-style efficiency figure for a window:
// performance (nominal time over real time, capped at 1) times quality
// (good cycles over total cycles).
type Calculator struct {
	wf    *workflow.Model
	store CycleStore
}

func NewCalculator(wf *workflow.Model, store CycleStore) *Calculator {
	return &Calculator{wf: wf, store: store}
}

func (c *Calculator) Calculate(ctx context.Context, start, end time.Time) (*models.TRSResult, error) {
	theoretical, err := c.wf.TheoreticalCycle()
	if err != nil {
		return nil, fmt.Errorf("failed to compute theoretical cycle: %w", err)
	}

	cycles, err := c.store.FetchCycles(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cycles: %w", err)
	}

	if len(cycles) == 0 {
		return &models.TRSResult{
			Reason:            ReasonNoProduction,
			TheoreticalCycleS: theoretical,
		}, nil
	}

	var realTime float64
	good := 0
	for _, cycle := range cycles {
		if span := cycle.EndTS.Sub(cycle.StartTS).Seconds(); span > 0 {
			realTime += span
		}
		if !cycle.HasError {
			good++
		}
	}

	if realTime <= 0 {
		return &models.TRSResult{
			Reason:            ReasonNoRuntime,
			TotalCycles:       len(cycles),
			TheoreticalCycleS: theoretical,
		}, nil
	}

	performance := float64(len(cycles)) * theoretical / realTime
	if performance > 1.0 {
		performance = 1.0
	}
	quality := float64(good) / float64(len(cycles))

	result := &models.TRSResult{
		Performance:       performance,
		Quality:           quality,
		TRS:               performance * quality,
		TotalCycles:       len(cycles),
		GoodCycles:        good,
		BadCycles:         len(cycles) - good,
		TheoreticalCycleS: theoretical,
		RealTimeS:         realTime,
	}

	logger.Debug("trs computed",
		zap.Float64("performance", result.Performance),
		zap.Float64("quality", result.Quality),
		zap.Float64("trs", result.TRS),
		zap.Int("total_cycles", result.TotalCycles))

	return result, nil
}
