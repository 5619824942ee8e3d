package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/lifecycle"
	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/logger"
	"github.com/plc-sentinel/backend/pkg/retry"
)

// Poller drives the engine: at a fixed interval it reads the events that
// arrived since the checkpoint, feeds them through the lifecycle tracker,
// and runs detection once for every unit that just reached a terminal state.
//
// A unit is marked processed only after its detection run succeeded, and the
// checkpoint only advances after a fully successful tick: a store failure
// mid-run leaves the unit queued and is retried on the next tick instead of
// silently dropping an anomaly.
type Poller struct {
	events     EventStore
	tracker    *lifecycle.Tracker
	runner     *Runner
	units      UnitQueue
	checkpoint Checkpoint
	interval   time.Duration
	retryCfg   retry.Config
	now        func() time.Time
}

func NewPoller(
	events EventStore,
	tracker *lifecycle.Tracker,
	runner *Runner,
	units UnitQueue,
	checkpoint Checkpoint,
	interval time.Duration,
) *Poller {
	return &Poller{
		events:     events,
		tracker:    tracker,
		runner:     runner,
		units:      units,
		checkpoint: checkpoint,
		interval:   interval,
		retryCfg:   retry.DefaultConfig(),
		now:        time.Now,
	}
}

// Run loops until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	logger.Info("poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				metrics.PollTicks.WithLabelValues("error").Inc()
				logger.Error("poll tick failed", zap.Error(err))
				continue
			}
			metrics.PollTicks.WithLabelValues("ok").Inc()
		}
	}
}

// Tick processes one batch of new events. Exported so a scheduler can drive
// the engine without the internal ticker.
func (p *Poller) Tick(ctx context.Context) error {
	since, ok, err := p.checkpoint.LastSeen(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if !ok {
		// First run: start from now and let the next tick pick up new
		// events, rather than re-analysing the whole store.
		since = p.now().UTC()
		if err := p.checkpoint.SetLastSeen(ctx, since); err != nil {
			return fmt.Errorf("failed to seed checkpoint: %w", err)
		}
		return nil
	}

	batch, err := retry.DoWithResult(ctx, p.retryCfg, func() ([]models.RawEvent, error) {
		return p.events.FetchEventsSince(ctx, since)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch new events: %w", err)
	}

	latest := since
	for _, ev := range batch {
		transition, err := p.tracker.Observe(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to track unit %s: %w", ev.UnitID, err)
		}
		if transition != nil && transition.TriggerDetection {
			metrics.UnitsFinished.WithLabelValues(transition.Status).Inc()
		}
		if ev.TS.After(latest) {
			latest = ev.TS
		}
	}

	// The queue holds this tick's freshly terminal units plus any unit a
	// failed earlier run left behind, so it is drained even on an empty
	// batch.
	pending, err := p.units.ListUnprocessedUnits(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending units: %w", err)
	}
	if err := p.runDetections(ctx, pending); err != nil {
		return err
	}

	if latest.After(since) {
		if err := p.checkpoint.SetLastSeen(ctx, latest); err != nil {
			return fmt.Errorf("failed to advance checkpoint: %w", err)
		}
	}
	return nil
}

// runDetections fans detection out over the pending units. Units can
// complete concurrently; runs are independent and the anomaly insert is
// idempotent, so this is safe. A unit is marked processed only once its run
// succeeded.
func (p *Poller) runDetections(ctx context.Context, pending []models.Unit) error {
	if len(pending) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, unit := range pending {
		wg.Add(1)
		go func(u models.Unit) {
			defer wg.Done()
			err := p.runner.RunForUnit(ctx, u.UnitID, u.Cycle)
			if err == nil {
				err = p.units.MarkUnitProcessed(ctx, u.UnitID)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("detection failed for unit %s cycle %d: %w", u.UnitID, u.Cycle, err)
				}
				mu.Unlock()
			}
		}(unit)
	}
	wg.Wait()

	return firstErr
}
