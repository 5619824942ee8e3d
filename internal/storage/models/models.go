package models

import "time"

// Event levels as emitted by the PLC ingestion layer.
const (
	LevelInfo   = "INFO"
	LevelError  = "ERROR"
	LevelOK     = "OK"
	LevelStatus = "STATUS"
	LevelAlarm  = "ALARM"
)

// RawEvent is one persisted PLC event. Events are append-only and ordered by
// timestamp within a cycle; the ingestion transport that produces them is
// outside this engine.
type RawEvent struct {
	TS       time.Time
	UnitID   string
	Machine  string
	Level    string
	Code     string
	Message  string
	Cycle    int
	StepID   string
	StepName string
	// DurationS is nil when the PLC did not report a step duration.
	DurationS *float64
	Payload   map[string]any
}

func (e RawEvent) IsError() bool {
	return e.Level == LevelError || e.Level == LevelAlarm
}

// CycleFeature is one aggregated row per (cycle, machine). It is produced by
// the feature builder and then annotated in place: the rule engine sets the
// rule fields, the novelty scorer sets AnomalyScore/IsAnomaly.
type CycleFeature struct {
	Cycle   int
	UnitID  string
	Machine string

	TSStart time.Time
	TSEnd   time.Time

	NEvents   int
	NErrors   int
	DurationS float64
	NSteps    int

	StepID   string
	StepName string
	Level    string

	// Position of this machine among the cycle's observed machines (1-based,
	// ordered by first event timestamp).
	MachineOrder int

	CycleDurationS float64

	// Nominal comparison, filled from the workflow model.
	NominalDurationS     float64
	NominalSteps         int
	DeltaDurationS       float64
	DeltaDurationRatio   float64
	DeltaSteps           int
	CycleDeltaS          float64
	ExpectedMachineOrder int

	// Step-level facts projected up from the step features.
	HasStepError  bool
	NStepErrors   int
	LastErrorCode string

	RuleAnomaly bool
	RuleReasons []string

	AnomalyScore float64
	IsAnomaly    bool
}

// StepFeature is one row per (cycle, machine, step). Kept alongside the
// machine aggregate because a step fault can hide behind a nominal-looking
// machine duration.
type StepFeature struct {
	Cycle     int
	UnitID    string
	Machine   string
	StepID    string
	StepName  string
	TSStart   time.Time
	TSEnd     time.Time
	NEvents   int
	DurationS float64

	HasError      bool
	LastErrorCode string
}

// Severity labels, ranked. A final severity never ranks below the
// rule-derived one.
type Severity string

const (
	SeverityOK         Severity = "OK"
	SeverityNoHistory  Severity = "NO_HISTORY"
	SeverityCycleDrift Severity = "CYCLE_DRIFT"
	SeverityStepError  Severity = "STEP_ERROR"
	SeverityWarning    Severity = "WARNING"
	SeverityMajor      Severity = "MAJOR"
	SeverityCritical   Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityOK:         0,
	SeverityNoHistory:  1,
	SeverityCycleDrift: 2,
	SeverityStepError:  3,
	SeverityWarning:    4,
	SeverityMajor:      5,
	SeverityCritical:   6,
}

func (s Severity) Rank() int {
	return severityRank[s]
}

func MaxSeverity(a, b Severity) Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Confidence labels for the predictive layer, driven by historical sample
// count alone.
type Confidence string

const (
	ConfidenceInsufficient Confidence = "insufficient"
	ConfidenceLow          Confidence = "low"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceHigh         Confidence = "high"
)

// Anomaly lifecycle status.
const (
	StatusOpen   = "OPEN"
	StatusAck    = "ACK"
	StatusClosed = "CLOSED"
)

// AnomalyRecord is the persisted verdict for one flagged (cycle, machine)
// row. Records are inserted once per (unit, cycle, machine, step) and only
// ever updated in place afterwards; they are never deleted.
type AnomalyRecord struct {
	ID       string
	Cycle    int
	UnitID   string
	Machine  string
	StepID   string
	StepName string

	AnomalyScore float64
	RuleAnomaly  bool
	RuleReasons  []string

	HasStepError bool
	NStepErrors  int
	ErrorCode    string

	CycleDurationS   float64
	DurationOverrunS float64

	EventsCount int
	WindowDays  int
	EWMARatio   float64
	RateRatio   float64
	Burstiness  float64
	HawkesScore int
	Confidence  Confidence

	Severity Severity
	Status   string

	Narrative string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TRSResult is the OEE-style figure for one query window. Reason is set on
// the degenerate windows ("no production", "no measurable runtime") instead
// of raising a division error.
type TRSResult struct {
	Performance        float64
	Quality            float64
	TRS                float64
	TotalCycles        int
	GoodCycles         int
	BadCycles          int
	TheoreticalCycleS  float64
	RealTimeS          float64
	Reason             string
}

// CycleSpan is one real production cycle as seen by the TRS calculator.
type CycleSpan struct {
	Cycle    int
	StartTS  time.Time
	EndTS    time.Time
	HasError bool
}

// Unit lifecycle statuses. Terminal states never transition again.
const (
	UnitInProgress = "IN_PROGRESS"
	UnitFinished   = "FINISHED"
	UnitRejected   = "REJECTED"
	UnitScrapped   = "SCRAPPED"
)

// Unit is one tracked production unit. Processed is set only after a
// detection run for the unit's cycle succeeded; a terminal unprocessed unit
// is a pending retry, not a finished one.
type Unit struct {
	UnitID     string
	Status     string
	Cycle      int
	Processed  bool
	CreatedAt  time.Time
	FinishedAt *time.Time
}

func (u Unit) Terminal() bool {
	return u.Status == UnitFinished || u.Status == UnitRejected || u.Status == UnitScrapped
}

// HistoryPoint is one historical occurrence of a (machine, step) used by the
// predictive escalator.
type HistoryPoint struct {
	TS        time.Time
	DurationS float64
}
