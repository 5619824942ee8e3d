package detect

import (
	"context"
	"time"

	"github.com/plc-sentinel/backend/internal/storage/models"
)

// EventStore is the ordered, queryable event store the engine reads from.
// The ingestion transport that fills it is external.
type EventStore interface {
	// FetchCycleEvents returns every event of one unit's cycle, ordered by
	// timestamp.
	FetchCycleEvents(ctx context.Context, unitID string, cycle int) ([]models.RawEvent, error)
	// FetchEventsSince returns all events strictly after the given time,
	// ordered by timestamp.
	FetchEventsSince(ctx context.Context, since time.Time) ([]models.RawEvent, error)
}

// AnomalyStore persists detection verdicts. Insert must be idempotent per
// (unit_id, cycle, machine, step_id): concurrent triggers for the same cycle
// yield exactly one stored record.
type AnomalyStore interface {
	// InsertAnomaly returns false when a record with the same idempotency
	// key already exists; that is a silent skip, not an error.
	InsertAnomaly(ctx context.Context, record *models.AnomalyRecord) (bool, error)
	UpdateAnomaly(ctx context.Context, record *models.AnomalyRecord) error
}

// UnitQueue exposes the terminal units still waiting for a successful
// detection run. The processed mark is separate from the terminal transition:
// a unit that finished while its detection run failed stays queued until a
// later run succeeds.
type UnitQueue interface {
	ListUnprocessedUnits(ctx context.Context) ([]models.Unit, error)
	MarkUnitProcessed(ctx context.Context, unitID string) error
}

// Checkpoint remembers how far the poller has read. Kept outside the process
// so a restart resumes instead of re-scanning.
type Checkpoint interface {
	LastSeen(ctx context.Context) (time.Time, bool, error)
	SetLastSeen(ctx context.Context, ts time.Time) error
}

// Narrator turns a persisted anomaly into free text. Implementations must
// return a fallback string on timeout rather than blocking; the pipeline
// never waits past the configured budget.
type Narrator interface {
	Narrate(ctx context.Context, record *models.AnomalyRecord) string
}
