package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/pkg/logger"
)

// document mirrors the workflow JSON artifact. The artifact is the single
// nominal reference for a line; every downstream computation reads it through
// the Model lookups, never through the raw document.
type document struct {
	Line struct {
		Name          string  `json:"name"`
		NominalCycleS float64 `json:"nominal_cycle_s"`
	} `json:"line"`
	MachineOrder     []string           `json:"machine_order"`
	NominalDurations map[string]float64 `json:"nominal_durations_s"`
	Machines         map[string]machine `json:"machines"`
	Sequence         []SequenceBlock    `json:"sequence"`
}

type machine struct {
	Steps        []Step   `json:"steps"`
	SuccessCodes []string `json:"success_codes"`
	ErrorCodes   []string `json:"error_codes"`
}

type Step struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SequenceBlock is the nominal time window of one machine inside the cycle,
// in seconds from cycle start.
type SequenceBlock struct {
	Machine string  `json:"machine"`
	StartAt float64 `json:"start_at"`
	EndAt   float64 `json:"end_at"`
}

// Model is the parsed nominal workflow. It is read-only for the lifetime of
// a detection run.
type Model struct {
	LineName      string
	NominalCycleS float64

	machineOrder     []string
	orderIndex       map[string]int
	nominalDurations map[string]float64
	steps            map[string][]Step
	successCodes     map[string]map[string]struct{}
	errorCodes       map[string]map[string]struct{}
	blocks           map[string]SequenceBlock
}

// Load reads and parses the workflow artifact. A missing or incomplete
// reference invalidates every downstream computation, so errors here are
// fatal to the run and never retried.
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	logger.Info("workflow model loaded",
		zap.String("line", m.LineName),
		zap.Int("machines", len(m.machineOrder)),
		zap.Float64("nominal_cycle_s", m.NominalCycleS))

	return m, nil
}

func Parse(raw []byte) (*Model, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	if len(doc.MachineOrder) == 0 {
		return nil, fmt.Errorf("workflow is missing the machine order")
	}
	if len(doc.NominalDurations) == 0 {
		return nil, fmt.Errorf("workflow is missing nominal durations")
	}
	if len(doc.Machines) == 0 {
		return nil, fmt.Errorf("workflow is missing machine step definitions")
	}

	m := &Model{
		LineName:         doc.Line.Name,
		NominalCycleS:    doc.Line.NominalCycleS,
		machineOrder:     doc.MachineOrder,
		orderIndex:       make(map[string]int, len(doc.MachineOrder)),
		nominalDurations: doc.NominalDurations,
		steps:            make(map[string][]Step, len(doc.Machines)),
		successCodes:     make(map[string]map[string]struct{}, len(doc.Machines)),
		errorCodes:       make(map[string]map[string]struct{}, len(doc.Machines)),
		blocks:           make(map[string]SequenceBlock, len(doc.Sequence)),
	}

	for i, name := range doc.MachineOrder {
		m.orderIndex[name] = i + 1

		def, ok := doc.Machines[name]
		if !ok {
			return nil, fmt.Errorf("workflow machine %s has no step definition", name)
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("workflow machine %s has an empty step list", name)
		}
		if _, ok := doc.NominalDurations[name]; !ok {
			return nil, fmt.Errorf("workflow machine %s has no nominal duration", name)
		}

		m.steps[name] = def.Steps
		m.successCodes[name] = toSet(def.SuccessCodes)
		m.errorCodes[name] = toSet(def.ErrorCodes)
	}

	for _, block := range doc.Sequence {
		m.blocks[block.Machine] = block
	}

	return m, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// NominalDuration returns the nominal duration of a machine in seconds, or
// 0 when the machine is unknown.
func (m *Model) NominalDuration(machine string) float64 {
	return m.nominalDurations[machine]
}

// ExpectedStepsCount returns how many steps the machine runs in a nominal
// cycle.
func (m *Model) ExpectedStepsCount(machine string) int {
	return len(m.steps[machine])
}

// ExpectedMachineOrder returns the 1-based nominal position of a machine, or
// 0 when the machine is not part of the line.
func (m *Model) ExpectedMachineOrder(machine string) int {
	return m.orderIndex[machine]
}

func (m *Model) MachineOrder() []string {
	return m.machineOrder
}

func (m *Model) LastMachine() string {
	return m.machineOrder[len(m.machineOrder)-1]
}

// LastStepOfLastMachine identifies the terminal nominal step of the line.
func (m *Model) LastStepOfLastMachine() string {
	steps := m.steps[m.LastMachine()]
	return steps[len(steps)-1].ID
}

func (m *Model) FinalSuccessCodes(machine string) map[string]struct{} {
	return m.successCodes[machine]
}

func (m *Model) IsErrorCode(machine, code string) bool {
	_, ok := m.errorCodes[machine][code]
	return ok
}

// SequenceBlock returns the nominal time window of a machine within the
// cycle, when the workflow declares one.
func (m *Model) SequenceBlock(machine string) (SequenceBlock, bool) {
	block, ok := m.blocks[machine]
	return block, ok
}

// TheoreticalCycle sums the nominal per-machine durations, plus the optional
// "buffers" term some workflows carry for inter-machine transfer time.
func (m *Model) TheoreticalCycle() (float64, error) {
	var total float64
	for _, machine := range m.machineOrder {
		d, ok := m.nominalDurations[machine]
		if !ok {
			return 0, fmt.Errorf("nominal duration missing for machine %s", machine)
		}
		total += d
	}
	if buffers, ok := m.nominalDurations["buffers"]; ok {
		total += buffers
	}
	return total, nil
}
