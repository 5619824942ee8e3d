package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plc-sentinel/backend/internal/storage/models"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func dur(v float64) *float64 { return &v }

func insert(t *testing.T, c *Client, ev models.RawEvent) {
	t.Helper()
	require.NoError(t, c.InsertEvent(context.Background(), ev))
}

func sampleEvent(offset time.Duration, machine, stepID string) models.RawEvent {
	return models.RawEvent{
		TS:        t0.Add(offset),
		UnitID:    "U-1",
		Machine:   machine,
		Level:     models.LevelInfo,
		Cycle:     3,
		StepID:    stepID,
		DurationS: dur(12.5),
	}
}

func TestFetchCycleEvents(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insert(t, c, sampleEvent(0, "M1", "S1"))
	insert(t, c, sampleEvent(time.Minute, "M2", "S1"))

	other := sampleEvent(2*time.Minute, "M1", "S1")
	other.Cycle = 4
	insert(t, c, other)

	events, err := c.FetchCycleEvents(ctx, "U-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "M1", events[0].Machine)
	require.Equal(t, "M2", events[1].Machine)
	require.Equal(t, t0, events[0].TS)
	require.NotNil(t, events[0].DurationS)
	require.Equal(t, 12.5, *events[0].DurationS)
}

func TestFetchEventsSince_StrictlyAfter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insert(t, c, sampleEvent(0, "M1", "S1"))
	insert(t, c, sampleEvent(time.Minute, "M2", "S1"))

	events, err := c.FetchEventsSince(ctx, t0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "M2", events[0].Machine)
}

func TestFetchStepHistory(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ev := sampleEvent(0, "M2", "S1")
	ev.Code = "E-M2-013"
	insert(t, c, ev)

	ev2 := sampleEvent(time.Hour, "M2", "S1")
	ev2.Code = "E-M2-011"
	insert(t, c, ev2)

	// No reported duration: excluded from history.
	ev3 := sampleEvent(2*time.Hour, "M2", "S1")
	ev3.DurationS = nil
	insert(t, c, ev3)

	points, err := c.FetchStepHistory(ctx, "M2", "S1", "", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, t0, points[0].TS)

	points, err = c.FetchStepHistory(ctx, "M2", "S1", "E-M2-013", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func TestFetchCycles(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	insert(t, c, sampleEvent(0, "M1", "S1"))
	bad := sampleEvent(time.Minute, "M2", "S1")
	bad.Level = models.LevelError
	insert(t, c, bad)

	next := sampleEvent(10*time.Minute, "M1", "S1")
	next.Cycle = 4
	insert(t, c, next)

	cycles, err := c.FetchCycles(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	require.Equal(t, 3, cycles[0].Cycle)
	require.True(t, cycles[0].HasError)
	require.Equal(t, time.Minute, cycles[0].EndTS.Sub(cycles[0].StartTS))

	require.Equal(t, 4, cycles[1].Cycle)
	require.False(t, cycles[1].HasError)
}

func anomalyRecord(id string) *models.AnomalyRecord {
	return &models.AnomalyRecord{
		ID:          id,
		Cycle:       3,
		UnitID:      "U-1",
		Machine:     "M2",
		StepID:      "S1",
		RuleAnomaly: true,
		RuleReasons: []string{"step_error"},
		Confidence:  models.ConfidenceInsufficient,
		Severity:    models.SeverityStepError,
		Status:      models.StatusOpen,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func TestInsertAnomaly_Idempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	inserted, err := c.InsertAnomaly(ctx, anomalyRecord("a-1"))
	require.NoError(t, err)
	require.True(t, inserted)

	// Same (unit, cycle, machine, step) under a different id: silent skip.
	inserted, err = c.InsertAnomaly(ctx, anomalyRecord("a-2"))
	require.NoError(t, err)
	require.False(t, inserted)

	records, err := c.ListAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a-1", records[0].ID)
	require.Equal(t, []string{"step_error"}, records[0].RuleReasons)
	require.Equal(t, models.SeverityStepError, records[0].Severity)
}

func TestUpdateAnomaly(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	record := anomalyRecord("a-1")
	_, err := c.InsertAnomaly(ctx, record)
	require.NoError(t, err)

	record.Severity = models.SeverityMajor
	record.Narrative = "escalated after history review"
	require.NoError(t, c.UpdateAnomaly(ctx, record))

	records, err := c.ListAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, models.SeverityMajor, records[0].Severity)
	require.Equal(t, "escalated after history review", records[0].Narrative)
}

func TestUpdateAnomalyStatus(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertAnomaly(ctx, anomalyRecord("a-1"))
	require.NoError(t, err)

	require.NoError(t, c.UpdateAnomalyStatus(ctx, "a-1", models.StatusAck))

	records, err := c.ListAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, models.StatusAck, records[0].Status)

	require.Error(t, c.UpdateAnomalyStatus(ctx, "missing", models.StatusClosed))
}

func TestUnitLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	unit, err := c.GetUnit(ctx, "U-1")
	require.NoError(t, err)
	require.Nil(t, unit)

	require.NoError(t, c.EnsureUnit(ctx, "U-1", 3, t0))
	// Re-ensuring is a no-op.
	require.NoError(t, c.EnsureUnit(ctx, "U-1", 9, t0.Add(time.Hour)))

	unit, err = c.GetUnit(ctx, "U-1")
	require.NoError(t, err)
	require.Equal(t, models.UnitInProgress, unit.Status)
	require.Equal(t, 3, unit.Cycle)

	won, err := c.FinishUnit(ctx, "U-1", models.UnitFinished, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	// The guard makes a second transition a no-op.
	won, err = c.FinishUnit(ctx, "U-1", models.UnitRejected, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, won)

	unit, err = c.GetUnit(ctx, "U-1")
	require.NoError(t, err)
	require.Equal(t, models.UnitFinished, unit.Status)
	require.NotNil(t, unit.FinishedAt)
}

func TestUnitProcessingQueue(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureUnit(ctx, "U-1", 3, t0))
	require.NoError(t, c.EnsureUnit(ctx, "U-2", 4, t0.Add(time.Minute)))

	// An in-progress unit is not queued for detection.
	pending, err := c.ListUnprocessedUnits(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = c.FinishUnit(ctx, "U-1", models.UnitFinished, t0.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = c.FinishUnit(ctx, "U-2", models.UnitRejected, t0.Add(time.Minute))
	require.NoError(t, err)

	// Oldest completion first.
	pending, err = c.ListUnprocessedUnits(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "U-2", pending[0].UnitID)
	require.Equal(t, "U-1", pending[1].UnitID)

	// A processed unit leaves the queue and stays out.
	require.NoError(t, c.MarkUnitProcessed(ctx, "U-1"))
	pending, err = c.ListUnprocessedUnits(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "U-2", pending[0].UnitID)

	unit, err := c.GetUnit(ctx, "U-1")
	require.NoError(t, err)
	require.True(t, unit.Processed)
}

func TestCheckpoint(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.LastSeen(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetLastSeen(ctx, t0))
	ts, ok, err := c.LastSeen(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, t0, ts)

	require.NoError(t, c.SetLastSeen(ctx, t0.Add(time.Minute)))
	ts, _, err = c.LastSeen(ctx)
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Minute), ts)
}
