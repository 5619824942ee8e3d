package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func dur(v float64) *float64 { return &v }

func event(offset time.Duration, machine, level, code, stepID string, d *float64) models.RawEvent {
	return models.RawEvent{
		TS:        t0.Add(offset),
		UnitID:    "U-1001",
		Machine:   machine,
		Level:     level,
		Code:      code,
		Cycle:     7,
		StepID:    stepID,
		DurationS: d,
	}
}

func TestBuild_Empty(t *testing.T) {
	b := NewBuilder()
	rows, steps := b.Build(nil)
	require.Nil(t, rows)
	require.Nil(t, steps)
}

func TestBuild_Aggregation(t *testing.T) {
	b := NewBuilder()
	events := []models.RawEvent{
		event(0, "M1", models.LevelInfo, "", "S1", dur(10)),
		event(10*time.Second, "M1", models.LevelOK, "OK-M1-001", "S2", dur(12)),
		event(42*time.Second, "M2", models.LevelInfo, "", "S1", dur(30)),
		event(90*time.Second, "M2", models.LevelOK, "OK-M2-001", "S1", nil),
	}

	rows, steps := b.Build(events)
	require.Len(t, rows, 2)
	require.Len(t, steps, 3)

	m1 := rows[0]
	require.Equal(t, "M1", m1.Machine)
	require.Equal(t, 7, m1.Cycle)
	require.Equal(t, "U-1001", m1.UnitID)
	require.Equal(t, 2, m1.NEvents)
	require.Equal(t, 0, m1.NErrors)
	require.Equal(t, 2, m1.NSteps)
	require.Equal(t, 10.0, m1.DurationS)

	m2 := rows[1]
	require.Equal(t, "M2", m2.Machine)
	require.Equal(t, 1, m2.NSteps)

	// Observed rank follows the first-event timestamp within the cycle.
	require.Equal(t, 1, m1.MachineOrder)
	require.Equal(t, 2, m2.MachineOrder)

	// Cycle duration spans every machine, not just the row's own events.
	require.Equal(t, 90.0, m1.CycleDurationS)
	require.Equal(t, 90.0, m2.CycleDurationS)
}

func TestBuild_StepErrorProjection(t *testing.T) {
	b := NewBuilder()
	events := []models.RawEvent{
		event(0, "M2", models.LevelInfo, "", "S1", dur(20)),
		event(5*time.Second, "M2", models.LevelError, "E-M2-013", "S1", nil),
		event(8*time.Second, "M2", models.LevelInfo, "", "S2", dur(15)),
	}

	rows, steps := b.Build(events)
	require.Len(t, rows, 1)

	row := rows[0]
	require.True(t, row.HasStepError)
	require.Equal(t, 1, row.NStepErrors)
	require.Equal(t, "E-M2-013", row.LastErrorCode)
	require.Equal(t, 1, row.NErrors)

	require.True(t, steps[0].HasError)
	require.False(t, steps[1].HasError)
}

func TestBuild_LastErrorCodeIsLatestAcrossSteps(t *testing.T) {
	b := NewBuilder()
	events := []models.RawEvent{
		event(0, "M1", models.LevelInfo, "", "S1", dur(10)),
		event(10*time.Second, "M1", models.LevelError, "E-M1-001", "S1", nil),
		event(15*time.Second, "M1", models.LevelInfo, "", "S2", dur(8)),
		event(20*time.Second, "M1", models.LevelError, "E-M1-002", "S2", nil),
	}

	// Two faulted steps on the same machine: the projection must always pick
	// the error observed last, regardless of map iteration order.
	for i := 0; i < 25; i++ {
		rows, _ := b.Build(events)
		require.Len(t, rows, 1)
		require.Equal(t, 2, rows[0].NStepErrors)
		require.Equal(t, "E-M1-002", rows[0].LastErrorCode)
	}
}

func TestBuild_LastErrorCodeByTimestampNotSlicePosition(t *testing.T) {
	b := NewBuilder()
	events := []models.RawEvent{
		event(20*time.Second, "M1", models.LevelError, "E-M1-002", "S2", nil),
		event(10*time.Second, "M1", models.LevelError, "E-M1-001", "S1", nil),
	}

	rows, _ := b.Build(events)
	require.Equal(t, "E-M1-002", rows[0].LastErrorCode)
}

func TestBuild_ErrorCodeWithoutErrorLevel(t *testing.T) {
	b := NewBuilder()
	events := []models.RawEvent{
		event(0, "M3", models.LevelStatus, "E-M3-021", "S1", dur(5)),
	}

	rows, _ := b.Build(events)
	require.True(t, rows[0].HasStepError)
	require.Equal(t, "E-M3-021", rows[0].LastErrorCode)
}

func TestAddNominalDeviation(t *testing.T) {
	wf, err := workflow.Parse([]byte(`{
		"line": {"name": "l", "nominal_cycle_s": 100.0},
		"machine_order": ["M1"],
		"nominal_durations_s": {"M1": 50.0},
		"machines": {"M1": {"steps": [{"id": "S1"}, {"id": "S2"}]}}
	}`))
	require.NoError(t, err)

	row := &models.CycleFeature{
		Machine:        "M1",
		DurationS:      60.0,
		NSteps:         1,
		CycleDurationS: 115.0,
	}

	NewBuilder().AddNominalDeviation([]*models.CycleFeature{row}, wf)

	require.Equal(t, 50.0, row.NominalDurationS)
	require.Equal(t, 2, row.NominalSteps)
	require.Equal(t, 1, row.ExpectedMachineOrder)
	require.InDelta(t, 10.0, row.DeltaDurationS, 1e-9)
	require.InDelta(t, 0.2, row.DeltaDurationRatio, 1e-9)
	require.Equal(t, -1, row.DeltaSteps)
	require.InDelta(t, 15.0, row.CycleDeltaS, 1e-9)
}

func TestDurationOverrun(t *testing.T) {
	require.Equal(t, 0.0, DurationOverrun(90, 100))
	require.Equal(t, 0.0, DurationOverrun(100, 100))
	require.InDelta(t, 12.5, DurationOverrun(112.5, 100), 1e-9)
}
