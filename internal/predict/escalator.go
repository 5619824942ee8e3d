package predict

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/novelty"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// HistoryStore is the escalator's only I/O boundary: historical occurrences
// of a (machine, step) pair, optionally narrowed to one error code, since a
// point in time, ordered by timestamp.
type HistoryStore interface {
	FetchStepHistory(ctx context.Context, machine, stepID, code string, since time.Time) ([]models.HistoryPoint, error)
}

// Thresholds are the predictive-layer tunables.
type Thresholds struct {
	EWMAAlpha       float64
	EWMARatioCutoff float64
	RateRatioCutoff float64
	NoveltyCutoff   float64

	HistoryMinDays    int
	HistoryStepDays   int
	HistoryMaxDays    int
	HistoryMinSamples int

	ConfidenceLowSamples  int
	ConfidenceMedSamples  int
	ConfidenceHighSamples int

	// FusionPoints is the weight each triggered condition contributes;
	// Critical/Major/Warning cuts map the summed points to a severity.
	FusionPoints int
	CriticalCut  int
	MajorCut     int
	WarningCut   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		EWMAAlpha:             0.3,
		EWMARatioCutoff:       1.3,
		RateRatioCutoff:       1.5,
		NoveltyCutoff:         0.7,
		HistoryMinDays:        3,
		HistoryStepDays:       2,
		HistoryMaxDays:        30,
		HistoryMinSamples:     10,
		ConfidenceLowSamples:  10,
		ConfidenceMedSamples:  20,
		ConfidenceHighSamples: 30,
		FusionPoints:          2,
		CriticalCut:           6,
		MajorCut:              4,
		WarningCut:            2,
	}
}

// Result carries the trend statistics and the fused verdict for one anomaly.
type Result struct {
	EventsCount  int
	WindowDays   int
	Confidence   models.Confidence
	EWMARatio    float64
	RateRatio    float64
	Burstiness   float64
	HawkesScore  int
	RecencyScore float64
	Severity     models.Severity
}

// Escalator fuses rule severity with trend-based severity for one anomalous
// (machine, step) pair. It holds no history itself; every run re-queries the
// store through an adaptive expanding window.
type Escalator struct {
	store HistoryStore
	th    Thresholds
	now   func() time.Time
}

func NewEscalator(store HistoryStore, th Thresholds) *Escalator {
	return &Escalator{store: store, th: th, now: time.Now}
}

// Escalate computes the predictive verdict for an anomaly row and returns
// the fused result. ruleSeverity is never downgraded: a less certain
// prediction may only upgrade it.
//
// The caller bounds worst-case latency through ctx; a cancelled search
// degrades to whatever history was already retrieved.
func (e *Escalator) Escalate(ctx context.Context, record *models.AnomalyRecord) (*Result, error) {
	ruleSeverity := record.Severity

	result := &Result{
		Confidence: models.ConfidenceInsufficient,
		Severity:   models.MaxSeverity(ruleSeverity, models.SeverityNoHistory),
	}

	if record.Machine == "" || record.StepID == "" {
		return result, nil
	}

	history, windowDays, err := e.fetchAdaptive(ctx, record.Machine, record.StepID, record.ErrorCode)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch step history: %w", err)
	}
	if len(history) == 0 {
		return result, nil
	}

	durations := make([]float64, 0, len(history))
	timestamps := make([]time.Time, 0, len(history))
	for _, p := range history {
		durations = append(durations, p.DurationS)
		timestamps = append(timestamps, p.TS)
	}

	ewma, ewmaOK := EWMARatio(durations, e.th.EWMAAlpha)
	hawkes, hawkesOK := ComputeHawkesProxy(timestamps)

	recency := 0.0
	if scores := novelty.ScoreSeries(durations); scores != nil {
		// Mean of the last three normalised scores: how novel the most
		// recent behaviour looks against its own history.
		tail := scores[len(scores)-3:]
		recency = (tail[0] + tail[1] + tail[2]) / 3
	}

	confidence := ConfidenceLabel(len(history), e.th)

	score := 0
	if record.RuleAnomaly {
		score += e.th.FusionPoints
	}
	if ewmaOK && ewma > e.th.EWMARatioCutoff {
		score += e.th.FusionPoints
	}
	if hawkesOK && hawkes.RateRatio > e.th.RateRatioCutoff {
		score += e.th.FusionPoints
	}
	if recency > e.th.NoveltyCutoff {
		score += e.th.FusionPoints
	}

	predictive := e.pointsToSeverity(score)
	if confidence == models.ConfidenceInsufficient {
		// Sparse history never over-alarms: the predictive side collapses
		// to NO_HISTORY and only the rule verdict stands.
		predictive = models.SeverityNoHistory
	}

	result.EventsCount = len(history)
	result.WindowDays = windowDays
	result.Confidence = confidence
	result.EWMARatio = ewma
	if hawkesOK {
		result.RateRatio = hawkes.RateRatio
		result.Burstiness = hawkes.Burstiness
	}
	result.HawkesScore = score
	result.RecencyScore = recency
	result.Severity = models.MaxSeverity(ruleSeverity, predictive)

	logger.Debug("anomaly escalated",
		zap.String("machine", record.Machine),
		zap.String("step_id", record.StepID),
		zap.Int("events", result.EventsCount),
		zap.Int("window_days", result.WindowDays),
		zap.String("confidence", string(result.Confidence)),
		zap.String("severity", string(result.Severity)))

	return result, nil
}

func (e *Escalator) pointsToSeverity(score int) models.Severity {
	switch {
	case score >= e.th.CriticalCut:
		return models.SeverityCritical
	case score >= e.th.MajorCut:
		return models.SeverityMajor
	case score >= e.th.WarningCut:
		return models.SeverityWarning
	default:
		return models.SeverityOK
	}
}

// fetchAdaptive widens the lookback from the minimum window until the sample
// floor is met or the maximum window is reached. Fixed windows either miss
// sparse machines or dilute recent drift with stale history; this search
// stops at the first window with enough samples.
func (e *Escalator) fetchAdaptive(ctx context.Context, machine, stepID, code string) ([]models.HistoryPoint, int, error) {
	now := e.now().UTC()

	var last []models.HistoryPoint
	lastDays := 0

	for days := e.th.HistoryMinDays; days <= e.th.HistoryMaxDays; days += e.th.HistoryStepDays {
		select {
		case <-ctx.Done():
			// Timeout budget spent: degrade to what we have.
			return last, lastDays, nil
		default:
		}

		since := now.Add(-time.Duration(days) * 24 * time.Hour)
		points, err := e.store.FetchStepHistory(ctx, machine, stepID, code, since)
		if err != nil {
			return nil, 0, err
		}

		if len(points) > 0 {
			last = points
			lastDays = days
			if len(points) >= e.th.HistoryMinSamples {
				return points, days, nil
			}
		}
	}

	return last, lastDays, nil
}
