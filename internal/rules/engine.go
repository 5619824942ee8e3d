package rules

import (
	"math"
	"sort"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
)

// Rule reason identifiers. The full list of reasons that fired is recorded
// on the row, not just the first: the downstream narrative layer needs every
// explanation.
const (
	ReasonPLCError           = "plc_error_present"
	ReasonStepError          = "step_error"
	ReasonDurationOutOfRange = "duration_out_of_nominal"
	ReasonStepCountMismatch  = "step_count_mismatch"
	ReasonOrderViolation     = "grafcet_order_violation"
	ReasonCycleDrift         = "cycle_duration_drift"
	ReasonMachineBackward    = "machine_backward"
	ReasonMachineSkip        = "machine_skip"
	ReasonBlockTimeOverrun   = "block_time_overrun"
)

// Thresholds are the deterministic rule tunables. Defaults match the values
// the line was calibrated with; they are configuration, not hardwired.
type Thresholds struct {
	DurationTolerance float64
	CycleDriftSeconds float64
	BlockTolerance    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DurationTolerance: 0.20,
		CycleDriftSeconds: 10.0,
		BlockTolerance:    0.10,
	}
}

// Engine applies the deterministic anomaly rules to feature rows, with the
// workflow model as ground truth.
type Engine struct {
	wf *workflow.Model
	th Thresholds
}

func NewEngine(wf *workflow.Model, th Thresholds) *Engine {
	return &Engine{wf: wf, th: th}
}

// Apply evaluates every rule on every row and mutates the rows in place:
// RuleReasons, RuleAnomaly. Step features feed the sequence-block check.
//
// Severity policy: a PLC-reported fault (error event or step error) is
// directly observed ground truth and always wins; duration drift is inferred
// and ranks below it.
func (e *Engine) Apply(rows []*models.CycleFeature, steps []models.StepFeature) {
	stepDurations := sumStepDurations(steps)

	byCycle := make(map[int][]*models.CycleFeature)
	for _, row := range rows {
		byCycle[row.Cycle] = append(byCycle[row.Cycle], row)
	}

	for _, cycleRows := range byCycle {
		sort.SliceStable(cycleRows, func(i, j int) bool {
			return cycleRows[i].MachineOrder < cycleRows[j].MachineOrder
		})
		e.applyCycle(cycleRows, stepDurations)
	}
}

func (e *Engine) applyCycle(cycleRows []*models.CycleFeature, stepDurations map[cycleMachine]float64) {
	prevExpected := 0
	for _, row := range cycleRows {
		var reasons []string

		if row.NErrors > 0 {
			reasons = append(reasons, ReasonPLCError)
		}
		if row.HasStepError {
			reasons = append(reasons, ReasonStepError)
		}
		if row.NominalDurationS > 0 && math.Abs(row.DeltaDurationRatio) > e.th.DurationTolerance {
			reasons = append(reasons, ReasonDurationOutOfRange)
		}
		if row.NominalSteps > 0 && row.DeltaSteps != 0 {
			reasons = append(reasons, ReasonStepCountMismatch)
		}
		if row.ExpectedMachineOrder > 0 && row.MachineOrder != row.ExpectedMachineOrder {
			reasons = append(reasons, ReasonOrderViolation)
		}
		if math.Abs(row.CycleDeltaS) > e.th.CycleDriftSeconds {
			reasons = append(reasons, ReasonCycleDrift)
		}

		reasons = append(reasons, e.sequenceReasons(row, prevExpected, stepDurations)...)
		if row.ExpectedMachineOrder > 0 {
			prevExpected = row.ExpectedMachineOrder
		}

		row.RuleReasons = reasons
		row.RuleAnomaly = len(reasons) > 0
	}
}

// sequenceReasons covers the inter-machine ordering sub-checks and the
// per-block time budget.
func (e *Engine) sequenceReasons(row *models.CycleFeature, prevExpected int, stepDurations map[cycleMachine]float64) []string {
	var reasons []string

	if row.ExpectedMachineOrder > 0 && prevExpected > 0 {
		if row.ExpectedMachineOrder < prevExpected {
			reasons = append(reasons, ReasonMachineBackward)
		} else if row.ExpectedMachineOrder > prevExpected+1 {
			reasons = append(reasons, ReasonMachineSkip)
		}
	}

	if block, ok := e.wf.SequenceBlock(row.Machine); ok {
		window := block.EndAt - block.StartAt
		if window > 0 {
			real := stepDurations[cycleMachine{row.Cycle, row.Machine}]
			if real > window*(1+e.th.BlockTolerance) {
				reasons = append(reasons, ReasonBlockTimeOverrun)
			}
		}
	}

	return reasons
}

// RuleSeverity maps the fired reasons to the rule-derived severity under the
// hard-override policy.
func RuleSeverity(row *models.CycleFeature) models.Severity {
	for _, reason := range row.RuleReasons {
		if reason == ReasonPLCError || reason == ReasonStepError {
			return models.SeverityStepError
		}
	}
	for _, reason := range row.RuleReasons {
		if reason == ReasonCycleDrift || reason == ReasonDurationOutOfRange {
			return models.SeverityCycleDrift
		}
	}
	return models.SeverityOK
}

type cycleMachine struct {
	cycle   int
	machine string
}

func sumStepDurations(steps []models.StepFeature) map[cycleMachine]float64 {
	sums := make(map[cycleMachine]float64, len(steps))
	for _, step := range steps {
		sums[cycleMachine{step.Cycle, step.Machine}] += step.DurationS
	}
	return sums
}
