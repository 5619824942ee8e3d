package predict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plc-sentinel/backend/internal/storage/models"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// fakeHistory returns canned points per window width and records the
// successive `since` bounds it was asked for.
type fakeHistory struct {
	points    []models.HistoryPoint
	perWindow map[int][]models.HistoryPoint
	calls     []time.Time
	err       error
}

func (f *fakeHistory) FetchStepHistory(ctx context.Context, machine, stepID, code string, since time.Time) ([]models.HistoryPoint, error) {
	f.calls = append(f.calls, since)
	if f.err != nil {
		return nil, f.err
	}
	if f.perWindow != nil {
		days := int(testNow.Sub(since).Hours() / 24)
		return f.perWindow[days], nil
	}

	var out []models.HistoryPoint
	for _, p := range f.points {
		if !p.TS.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestEscalator(store HistoryStore) *Escalator {
	e := NewEscalator(store, DefaultThresholds())
	e.now = func() time.Time { return testNow }
	return e
}

func anomaly(ruleSeverity models.Severity, ruleAnomaly bool) *models.AnomalyRecord {
	return &models.AnomalyRecord{
		Machine:     "M2",
		StepID:      "S1",
		ErrorCode:   "E-M2-013",
		RuleAnomaly: ruleAnomaly,
		Severity:    ruleSeverity,
	}
}

// history generates n points spread hourly backwards from testNow with the
// given durations cycle.
func history(n int, durations ...float64) []models.HistoryPoint {
	points := make([]models.HistoryPoint, n)
	for i := 0; i < n; i++ {
		points[i] = models.HistoryPoint{
			TS:        testNow.Add(-time.Duration(n-i) * time.Hour),
			DurationS: durations[i%len(durations)],
		}
	}
	return points
}

func TestEscalate_MissingIdentity(t *testing.T) {
	store := &fakeHistory{}
	e := newTestEscalator(store)

	record := anomaly(models.SeverityStepError, true)
	record.Machine = ""

	result, err := e.Escalate(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, models.ConfidenceInsufficient, result.Confidence)
	require.Equal(t, models.SeverityStepError, result.Severity)
	require.Empty(t, store.calls)
}

func TestEscalate_NoHistoryFloorsSeverity(t *testing.T) {
	e := newTestEscalator(&fakeHistory{})

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityOK, true))
	require.NoError(t, err)
	require.Equal(t, models.SeverityNoHistory, result.Severity)
	require.Equal(t, models.ConfidenceInsufficient, result.Confidence)
	require.Equal(t, 0, result.EventsCount)
}

func TestEscalate_RuleSeverityNeverDowngraded(t *testing.T) {
	e := newTestEscalator(&fakeHistory{})

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityStepError, true))
	require.NoError(t, err)

	// NO_HISTORY ranks below STEP_ERROR, so the rule verdict stands.
	require.Equal(t, models.SeverityStepError, result.Severity)
}

func TestEscalate_SparseHistoryCollapsesPredictive(t *testing.T) {
	// Five samples: below every confidence floor, so whatever the trend
	// statistics say the predictive side is NO_HISTORY.
	store := &fakeHistory{points: history(5, 40, 80, 120, 160, 200)}
	e := newTestEscalator(store)

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityCycleDrift, true))
	require.NoError(t, err)

	require.Equal(t, models.ConfidenceInsufficient, result.Confidence)
	require.Equal(t, models.SeverityCycleDrift, result.Severity)
	require.Equal(t, 5, result.EventsCount)
}

func TestEscalate_RichDriftingHistoryEscalates(t *testing.T) {
	// 35 samples with strongly rising durations: rule flag + EWMA drift at
	// minimum, enough points for MAJOR or above.
	durations := make([]float64, 35)
	for i := range durations {
		durations[i] = 40 + float64(i)*8
	}
	points := make([]models.HistoryPoint, 35)
	for i := range points {
		points[i] = models.HistoryPoint{
			TS:        testNow.Add(-time.Duration(35-i) * time.Hour),
			DurationS: durations[i],
		}
	}
	e := newTestEscalator(&fakeHistory{points: points})

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityCycleDrift, true))
	require.NoError(t, err)

	require.Equal(t, models.ConfidenceHigh, result.Confidence)
	require.Greater(t, result.EWMARatio, 1.3)
	require.GreaterOrEqual(t, result.Severity.Rank(), models.SeverityMajor.Rank())
}

func TestEscalate_StableHistoryStaysAtRuleVerdict(t *testing.T) {
	// Plenty of samples but flat durations and steady arrivals: only the
	// rule-flag condition fires, which maps to WARNING at most.
	durations := make([]float64, 40)
	for i := range durations {
		durations[i] = 40
	}
	// A couple of mild mid-series wobbles, well clear of the tail.
	durations[10], durations[17] = 38, 43
	points := make([]models.HistoryPoint, 40)
	for i := range points {
		points[i] = models.HistoryPoint{
			TS:        testNow.Add(-time.Duration(40-i) * time.Hour),
			DurationS: durations[i],
		}
	}
	e := newTestEscalator(&fakeHistory{points: points})

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityCycleDrift, true))
	require.NoError(t, err)

	require.Equal(t, models.ConfidenceHigh, result.Confidence)
	require.LessOrEqual(t, result.Severity.Rank(), models.SeverityWarning.Rank())
	require.GreaterOrEqual(t, result.Severity.Rank(), models.SeverityCycleDrift.Rank())
}

func TestEscalate_AdaptiveWindowWidens(t *testing.T) {
	// Only the 9-day window holds the sample floor; the escalator must step
	// 3, 5, 7, 9 and stop there.
	store := &fakeHistory{perWindow: map[int][]models.HistoryPoint{
		3: history(2, 40),
		5: history(4, 40),
		7: history(7, 40),
		9: history(12, 40),
	}}
	e := newTestEscalator(store)

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityOK, true))
	require.NoError(t, err)

	require.Len(t, store.calls, 4)
	require.Equal(t, 9, result.WindowDays)
	require.Equal(t, 12, result.EventsCount)
	require.Equal(t, models.ConfidenceLow, result.Confidence)
}

func TestEscalate_WindowStopsAtMax(t *testing.T) {
	// Never enough samples: the search walks every window up to the 30-day
	// cap and keeps the best batch it saw.
	store := &fakeHistory{perWindow: map[int][]models.HistoryPoint{
		3: history(1, 40), 5: history(1, 40), 7: history(2, 40),
		9: history(2, 40), 11: history(2, 40), 13: history(3, 40),
		15: history(3, 40), 17: history(3, 40), 19: history(3, 40),
		21: history(3, 40), 23: history(3, 40), 25: history(3, 40),
		27: history(3, 40), 29: history(3, 40),
	}}
	e := newTestEscalator(store)

	result, err := e.Escalate(context.Background(), anomaly(models.SeverityOK, true))
	require.NoError(t, err)

	require.Len(t, store.calls, 14)
	require.Equal(t, 29, result.WindowDays)
	require.Equal(t, 3, result.EventsCount)
	require.Equal(t, models.ConfidenceInsufficient, result.Confidence)
}

func TestEscalate_CancelledContextDegrades(t *testing.T) {
	store := &fakeHistory{}
	e := newTestEscalator(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Escalate(ctx, anomaly(models.SeverityStepError, true))
	require.NoError(t, err)
	require.Equal(t, models.SeverityStepError, result.Severity)
	require.Empty(t, store.calls)
}
