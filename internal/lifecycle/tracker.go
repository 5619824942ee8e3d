package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// UnitStore is the tracker's persistence boundary for unit state.
type UnitStore interface {
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
	EnsureUnit(ctx context.Context, unitID string, cycle int, ts time.Time) error
	FinishUnit(ctx context.Context, unitID, status string, finishedAt time.Time) (bool, error)
}

// Transition is the tracker's verdict for one event.
type Transition struct {
	UnitID string
	Cycle  int
	Status string
	// TriggerDetection is true exactly once per unit: on the event that
	// moved it into a terminal state.
	TriggerDetection bool
}

// Tracker decides, from the live event stream, when a unit's cycle is
// finished or terminated early. Terminal states are idempotent: a terminal
// unit never transitions again, so the transition is reported exactly once.
// Whether the cycle's detection run has succeeded is tracked separately, on
// the unit's processed mark.
type Tracker struct {
	wf         *workflow.Model
	store      UnitStore
	scrapCodes map[string]struct{}
}

func NewTracker(wf *workflow.Model, store UnitStore, scrapCodes []string) *Tracker {
	set := make(map[string]struct{}, len(scrapCodes))
	for _, code := range scrapCodes {
		set[code] = struct{}{}
	}
	return &Tracker{wf: wf, store: store, scrapCodes: set}
}

// Observe applies one event to the unit state machine. Checks run in
// priority order: reject, scrap, finish. Events without a unit id are
// line-level noise and never transition anything.
func (t *Tracker) Observe(ctx context.Context, ev models.RawEvent) (*Transition, error) {
	if ev.UnitID == "" {
		return nil, nil
	}

	if err := t.store.EnsureUnit(ctx, ev.UnitID, ev.Cycle, ev.TS); err != nil {
		return nil, fmt.Errorf("failed to ensure unit: %w", err)
	}

	unit, err := t.store.GetUnit(ctx, ev.UnitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit: %w", err)
	}
	if unit == nil || unit.Terminal() {
		return nil, nil
	}

	status := ""
	switch {
	case t.isRejectingError(ev):
		status = models.UnitRejected
	case t.isScrap(ev):
		status = models.UnitScrapped
	case t.isFinished(ev):
		status = models.UnitFinished
	default:
		return nil, nil
	}

	finishedAt := ev.TS
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}

	// FinishUnit only reports true for the winning transition, so two
	// concurrent observers cannot both trigger detection.
	transitioned, err := t.store.FinishUnit(ctx, ev.UnitID, status, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to transition unit: %w", err)
	}
	if !transitioned {
		return nil, nil
	}

	logger.Info("unit reached terminal state",
		zap.String("unit_id", ev.UnitID),
		zap.Int("cycle", ev.Cycle),
		zap.String("status", status))

	return &Transition{
		UnitID:           ev.UnitID,
		Cycle:            ev.Cycle,
		Status:           status,
		TriggerDetection: true,
	}, nil
}

// isRejectingError: an error-level event or an error-prefixed code rejects
// the unit immediately.
func (t *Tracker) isRejectingError(ev models.RawEvent) bool {
	if ev.IsError() {
		return true
	}
	return ev.Code != "" && (strings.HasPrefix(ev.Code, "E-") || strings.HasPrefix(ev.Code, "ERROR"))
}

func (t *Tracker) isScrap(ev models.RawEvent) bool {
	_, ok := t.scrapCodes[ev.Code]
	return ok
}

// isFinished: the unit completed the last nominal step of the last machine.
func (t *Tracker) isFinished(ev models.RawEvent) bool {
	return ev.Machine == t.wf.LastMachine() && ev.StepID == t.wf.LastStepOfLastMachine()
}
