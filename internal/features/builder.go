package features

import (
	"sort"
	"time"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
)

// Builder aggregates raw PLC events into per-(cycle, machine) and
// per-(cycle, machine, step) feature rows. It is a pure transformation: no
// I/O, no retained state between calls.
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

type cycleKey struct {
	cycle   int
	machine string
}

type stepKey struct {
	cycle   int
	machine string
	step    string
}

// Build groups the event batch into cycle and step features. Step-level
// facts are projected onto the owning cycle row without discarding the step
// rows themselves: a step fault can occur under a nominal-looking machine
// aggregate, and both views are needed downstream.
func (b *Builder) Build(events []models.RawEvent) ([]*models.CycleFeature, []models.StepFeature) {
	if len(events) == 0 {
		return nil, nil
	}

	cycleRows := make(map[cycleKey]*models.CycleFeature)
	stepRows := make(map[stepKey]*models.StepFeature)
	cycleSpans := make(map[int][2]int64) // cycle -> min/max unix nanos
	stepErrTS := make(map[stepKey]time.Time)

	var cycleOrder []cycleKey
	var stepOrder []stepKey

	for _, ev := range events {
		ck := cycleKey{ev.Cycle, ev.Machine}
		row, ok := cycleRows[ck]
		if !ok {
			row = &models.CycleFeature{
				Cycle:   ev.Cycle,
				UnitID:  ev.UnitID,
				Machine: ev.Machine,
				TSStart: ev.TS,
				TSEnd:   ev.TS,
			}
			cycleRows[ck] = row
			cycleOrder = append(cycleOrder, ck)
		}

		if ev.TS.Before(row.TSStart) {
			row.TSStart = ev.TS
		}
		if ev.TS.After(row.TSEnd) {
			row.TSEnd = ev.TS
		}
		row.NEvents++
		if ev.Level == models.LevelError {
			row.NErrors++
		}
		if ev.StepID != "" {
			row.StepID = ev.StepID
			row.StepName = ev.StepName
		}
		row.Level = ev.Level
		if row.UnitID == "" {
			row.UnitID = ev.UnitID
		}

		span, seen := cycleSpans[ev.Cycle]
		nanos := ev.TS.UnixNano()
		if !seen {
			cycleSpans[ev.Cycle] = [2]int64{nanos, nanos}
		} else {
			if nanos < span[0] {
				span[0] = nanos
			}
			if nanos > span[1] {
				span[1] = nanos
			}
			cycleSpans[ev.Cycle] = span
		}

		if ev.StepID == "" {
			continue
		}

		sk := stepKey{ev.Cycle, ev.Machine, ev.StepID}
		step, ok := stepRows[sk]
		if !ok {
			step = &models.StepFeature{
				Cycle:    ev.Cycle,
				UnitID:   ev.UnitID,
				Machine:  ev.Machine,
				StepID:   ev.StepID,
				StepName: ev.StepName,
				TSStart:  ev.TS,
				TSEnd:    ev.TS,
			}
			stepRows[sk] = step
			stepOrder = append(stepOrder, sk)
		}
		if ev.TS.Before(step.TSStart) {
			step.TSStart = ev.TS
		}
		if ev.TS.After(step.TSEnd) {
			step.TSEnd = ev.TS
		}
		step.NEvents++
		if ev.DurationS != nil {
			step.DurationS += *ev.DurationS
		}
		if ev.IsError() || (ev.Code != "" && isErrorCode(ev.Code)) {
			step.HasError = true
			// Last error by timestamp, not by slice position: batches are not
			// guaranteed sorted.
			if ev.Code != "" && !ev.TS.Before(stepErrTS[sk]) {
				step.LastErrorCode = ev.Code
				stepErrTS[sk] = ev.TS
			}
		}
	}

	for ck, row := range cycleRows {
		row.DurationS = row.TSEnd.Sub(row.TSStart).Seconds()

		span := cycleSpans[ck.cycle]
		row.CycleDurationS = float64(span[1]-span[0]) / 1e9

		steps := 0
		var lastErr time.Time
		for _, sk := range stepOrder {
			if sk.cycle != ck.cycle || sk.machine != ck.machine {
				continue
			}
			step := stepRows[sk]
			steps++
			if step.HasError {
				row.HasStepError = true
				row.NStepErrors++
				// Across faulted steps the latest error event wins.
				if step.LastErrorCode != "" && !stepErrTS[sk].Before(lastErr) {
					lastErr = stepErrTS[sk]
					row.LastErrorCode = step.LastErrorCode
				}
			}
		}
		row.NSteps = steps
	}

	// Observed machine position: 1-based rank of the machine's first event
	// within its cycle.
	sort.SliceStable(cycleOrder, func(i, j int) bool {
		a, b := cycleRows[cycleOrder[i]], cycleRows[cycleOrder[j]]
		if a.Cycle != b.Cycle {
			return a.Cycle < b.Cycle
		}
		return a.TSStart.Before(b.TSStart)
	})
	position := 0
	lastCycle := -1
	for _, ck := range cycleOrder {
		row := cycleRows[ck]
		if row.Cycle != lastCycle {
			position = 0
			lastCycle = row.Cycle
		}
		position++
		row.MachineOrder = position
	}

	out := make([]*models.CycleFeature, 0, len(cycleOrder))
	for _, ck := range cycleOrder {
		out = append(out, cycleRows[ck])
	}

	sort.SliceStable(stepOrder, func(i, j int) bool {
		a, b := stepRows[stepOrder[i]], stepRows[stepOrder[j]]
		if a.Cycle != b.Cycle {
			return a.Cycle < b.Cycle
		}
		return a.TSStart.Before(b.TSStart)
	})
	steps := make([]models.StepFeature, 0, len(stepOrder))
	for _, sk := range stepOrder {
		steps = append(steps, *stepRows[sk])
	}

	return out, steps
}

// AddNominalDeviation annotates each row with the delta between observed and
// nominal behaviour, using the workflow model as ground truth.
func (b *Builder) AddNominalDeviation(rows []*models.CycleFeature, wf *workflow.Model) {
	for _, row := range rows {
		row.NominalDurationS = wf.NominalDuration(row.Machine)
		row.NominalSteps = wf.ExpectedStepsCount(row.Machine)
		row.ExpectedMachineOrder = wf.ExpectedMachineOrder(row.Machine)

		row.DeltaDurationS = row.DurationS - row.NominalDurationS
		if row.NominalDurationS > 0 {
			row.DeltaDurationRatio = row.DeltaDurationS / row.NominalDurationS
		}
		row.DeltaSteps = row.NSteps - row.NominalSteps
		row.CycleDeltaS = row.CycleDurationS - wf.NominalCycleS
	}
}

// DurationOverrun is the cycle's real overrun past the nominal cycle time,
// clamped at zero.
func DurationOverrun(cycleDurationS, nominalCycleS float64) float64 {
	overrun := cycleDurationS - nominalCycleS
	if overrun < 0 {
		return 0
	}
	return overrun
}

// isErrorCode matches the PLC error code convention (E-<machine>-<nnn> or a
// plain ERROR prefix).
func isErrorCode(code string) bool {
	if len(code) >= 2 && code[:2] == "E-" {
		return true
	}
	return len(code) >= 5 && code[:5] == "ERROR"
}
