package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
)

func testModel(t *testing.T) *workflow.Model {
	t.Helper()
	m, err := workflow.Parse([]byte(`{
		"line": {"name": "l", "nominal_cycle_s": 180.0},
		"machine_order": ["M1", "M2", "M3"],
		"nominal_durations_s": {"M1": 40.0, "M2": 60.0, "M3": 70.0},
		"machines": {
			"M1": {"steps": [{"id": "S1"}, {"id": "S2"}]},
			"M2": {"steps": [{"id": "S1"}]},
			"M3": {"steps": [{"id": "S1"}, {"id": "S2"}]}
		},
		"sequence": [
			{"machine": "M1", "start_at": 0, "end_at": 40},
			{"machine": "M2", "start_at": 40, "end_at": 100}
		]
	}`))
	require.NoError(t, err)
	return m
}

func nominalRow(machine string, order int) *models.CycleFeature {
	nominal := map[string]float64{"M1": 40, "M2": 60, "M3": 70}[machine]
	steps := map[string]int{"M1": 2, "M2": 1, "M3": 2}[machine]
	return &models.CycleFeature{
		Cycle:                1,
		Machine:              machine,
		DurationS:            nominal,
		NominalDurationS:     nominal,
		NSteps:               steps,
		NominalSteps:         steps,
		MachineOrder:         order,
		ExpectedMachineOrder: order,
		CycleDurationS:       180,
		CycleDeltaS:          0,
	}
}

func TestApply_NominalCycle(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	rows := []*models.CycleFeature{
		nominalRow("M1", 1),
		nominalRow("M2", 2),
		nominalRow("M3", 3),
	}

	e.Apply(rows, nil)

	for _, row := range rows {
		require.False(t, row.RuleAnomaly, "machine %s", row.Machine)
		require.Empty(t, row.RuleReasons)
		require.Equal(t, models.SeverityOK, RuleSeverity(row))
	}
}

func TestApply_PLCError(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M2", 2)
	row.NErrors = 1

	e.Apply([]*models.CycleFeature{nominalRow("M1", 1), row}, nil)

	require.True(t, row.RuleAnomaly)
	require.Contains(t, row.RuleReasons, ReasonPLCError)
	require.Equal(t, models.SeverityStepError, RuleSeverity(row))
}

func TestApply_StepError(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	row.HasStepError = true
	row.NStepErrors = 1

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonStepError)
	require.Equal(t, models.SeverityStepError, RuleSeverity(row))
}

func TestApply_DurationOutOfNominal(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	// 25% over the 40s nominal, past the 20% tolerance.
	row.DurationS = 50
	row.DeltaDurationS = 10
	row.DeltaDurationRatio = 0.25

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonDurationOutOfRange)
	require.Equal(t, models.SeverityCycleDrift, RuleSeverity(row))
}

func TestApply_DurationWithinTolerance(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	row.DeltaDurationRatio = 0.15

	e.Apply([]*models.CycleFeature{row}, nil)

	require.NotContains(t, row.RuleReasons, ReasonDurationOutOfRange)
}

func TestApply_CycleDrift(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	row.CycleDurationS = 195
	row.CycleDeltaS = 15

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonCycleDrift)
	require.Equal(t, models.SeverityCycleDrift, RuleSeverity(row))
}

func TestApply_StepCountMismatch(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	row.NSteps = 1
	row.DeltaSteps = -1

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonStepCountMismatch)
}

func TestApply_OrderViolation(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M2", 2)
	row.MachineOrder = 1

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonOrderViolation)
}

func TestApply_MachineSkip(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	m1 := nominalRow("M1", 1)
	// M3 observed right after M1: M2 was skipped.
	m3 := nominalRow("M3", 2)
	m3.MachineOrder = 2

	e.Apply([]*models.CycleFeature{m1, m3}, nil)

	require.Contains(t, m3.RuleReasons, ReasonMachineSkip)
	require.NotContains(t, m1.RuleReasons, ReasonMachineSkip)
}

func TestApply_MachineBackward(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	m2 := nominalRow("M2", 1)
	m2.MachineOrder = 1
	m1 := nominalRow("M1", 2)
	m1.MachineOrder = 2

	e.Apply([]*models.CycleFeature{m2, m1}, nil)

	require.Contains(t, m1.RuleReasons, ReasonMachineBackward)
}

func TestApply_BlockTimeOverrun(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)

	// M1's nominal block is 40s wide; 45s of real step time is past the
	// 10% tolerance.
	steps := []models.StepFeature{
		{Cycle: 1, Machine: "M1", StepID: "S1", DurationS: 25},
		{Cycle: 1, Machine: "M1", StepID: "S2", DurationS: 20},
	}

	e.Apply([]*models.CycleFeature{row}, steps)

	require.Contains(t, row.RuleReasons, ReasonBlockTimeOverrun)
}

func TestApply_BlockTimeWithinTolerance(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)

	steps := []models.StepFeature{
		{Cycle: 1, Machine: "M1", StepID: "S1", DurationS: 22},
		{Cycle: 1, Machine: "M1", StepID: "S2", DurationS: 20},
	}

	e.Apply([]*models.CycleFeature{row}, steps)

	require.NotContains(t, row.RuleReasons, ReasonBlockTimeOverrun)
}

func TestRuleSeverity_ErrorOverridesDrift(t *testing.T) {
	row := &models.CycleFeature{
		RuleReasons: []string{ReasonCycleDrift, ReasonStepError, ReasonDurationOutOfRange},
	}
	require.Equal(t, models.SeverityStepError, RuleSeverity(row))
}

func TestRuleSeverity_StructuralReasonsAlone(t *testing.T) {
	// Ordering findings alone carry no duration or fault signal; they are
	// recorded but do not raise the rule severity.
	row := &models.CycleFeature{
		RuleReasons: []string{ReasonMachineSkip, ReasonStepCountMismatch},
	}
	require.Equal(t, models.SeverityOK, RuleSeverity(row))
}

func TestApply_RecordsAllReasons(t *testing.T) {
	e := NewEngine(testModel(t), DefaultThresholds())
	row := nominalRow("M1", 1)
	row.NErrors = 2
	row.HasStepError = true
	row.DeltaDurationRatio = 0.5
	row.CycleDeltaS = 30

	e.Apply([]*models.CycleFeature{row}, nil)

	require.Contains(t, row.RuleReasons, ReasonPLCError)
	require.Contains(t, row.RuleReasons, ReasonStepError)
	require.Contains(t, row.RuleReasons, ReasonDurationOutOfRange)
	require.Contains(t, row.RuleReasons, ReasonCycleDrift)
}
