package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/features"
	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/novelty"
	"github.com/plc-sentinel/backend/internal/predict"
	"github.com/plc-sentinel/backend/internal/rules"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/internal/workflow"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// Runner executes the detection pipeline for one finished cycle: features,
// rules, novelty scoring of the flagged candidates, predictive escalation,
// persistence. Each run is a pure function of the event batch, the history
// queries and the workflow model; nothing is cached in process.
type Runner struct {
	wf        *workflow.Model
	builder   *features.Builder
	engine    *rules.Engine
	escalator *predict.Escalator
	events    EventStore
	anomalies AnomalyStore
	narrator  Narrator

	escalationTimeout time.Duration
	now               func() time.Time
}

func NewRunner(
	wf *workflow.Model,
	engine *rules.Engine,
	escalator *predict.Escalator,
	events EventStore,
	anomalies AnomalyStore,
	narrator Narrator,
	escalationTimeout time.Duration,
) *Runner {
	return &Runner{
		wf:                wf,
		builder:           features.NewBuilder(),
		engine:            engine,
		escalator:         escalator,
		events:            events,
		anomalies:         anomalies,
		narrator:          narrator,
		escalationTimeout: escalationTimeout,
		now:               time.Now,
	}
}

// RunForUnit analyses one unit's just-completed cycle. A failed run leaves
// no trace and the cycle is not marked processed, so the next poll tick
// retries it.
func (r *Runner) RunForUnit(ctx context.Context, unitID string, cycle int) error {
	start := r.now()

	events, err := r.events.FetchCycleEvents(ctx, unitID, cycle)
	if err != nil {
		metrics.DetectionRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch cycle events: %w", err)
	}
	if len(events) == 0 {
		metrics.DetectionRuns.WithLabelValues("empty").Inc()
		return nil
	}

	rows, steps := r.builder.Build(events)
	r.builder.AddNominalDeviation(rows, r.wf)
	r.engine.Apply(rows, steps)

	var candidates []*models.CycleFeature
	for _, row := range rows {
		if row.RuleAnomaly {
			candidates = append(candidates, row)
			for _, reason := range row.RuleReasons {
				metrics.RuleReasonsFired.WithLabelValues(reason).Inc()
			}
		}
	}

	if len(candidates) == 0 {
		metrics.DetectionRuns.WithLabelValues("clean").Inc()
		metrics.DetectionDuration.Observe(r.now().Sub(start).Seconds())
		logger.Debug("cycle is nominal",
			zap.String("unit_id", unitID),
			zap.Int("cycle", cycle))
		return nil
	}

	// Novelty scoring runs on the flagged candidates only.
	novelty.ScoreCandidates(candidates)

	for _, row := range candidates {
		if err := r.persistAnomaly(ctx, row); err != nil {
			metrics.DetectionRuns.WithLabelValues("error").Inc()
			return err
		}
	}

	metrics.DetectionRuns.WithLabelValues("anomalous").Inc()
	metrics.DetectionDuration.Observe(r.now().Sub(start).Seconds())
	return nil
}

func (r *Runner) persistAnomaly(ctx context.Context, row *models.CycleFeature) error {
	record := r.buildRecord(row)

	escStart := r.now()
	escCtx, cancel := context.WithTimeout(ctx, r.escalationTimeout)
	result, err := r.escalator.Escalate(escCtx, record)
	cancel()
	metrics.EscalationDuration.Observe(r.now().Sub(escStart).Seconds())
	if err != nil {
		return fmt.Errorf("failed to escalate anomaly: %w", err)
	}

	record.EventsCount = result.EventsCount
	record.WindowDays = result.WindowDays
	record.Confidence = result.Confidence
	record.EWMARatio = result.EWMARatio
	record.RateRatio = result.RateRatio
	record.Burstiness = result.Burstiness
	record.HawkesScore = result.HawkesScore
	record.Severity = result.Severity
	if result.WindowDays > 0 {
		metrics.HistoryWindowDays.Observe(float64(result.WindowDays))
	}

	inserted, err := r.anomalies.InsertAnomaly(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to persist anomaly: %w", err)
	}
	if !inserted {
		// Duplicate trigger for an already-finalized record.
		logger.Debug("anomaly already recorded",
			zap.String("unit_id", record.UnitID),
			zap.Int("cycle", record.Cycle),
			zap.String("machine", record.Machine))
		return nil
	}

	metrics.AnomaliesDetected.WithLabelValues(string(record.Severity)).Inc()
	logger.Info("anomaly recorded",
		zap.String("unit_id", record.UnitID),
		zap.Int("cycle", record.Cycle),
		zap.String("machine", record.Machine),
		zap.String("step_id", record.StepID),
		zap.Strings("reasons", record.RuleReasons),
		zap.String("severity", string(record.Severity)),
		zap.String("confidence", string(record.Confidence)))

	if r.narrator != nil {
		record.Narrative = r.narrator.Narrate(ctx, record)
		if err := r.anomalies.UpdateAnomaly(ctx, record); err != nil {
			// The verdict is already stored; losing the narrative is not
			// worth failing the run.
			logger.Warn("failed to attach narrative", zap.Error(err))
		}
	}

	return nil
}

func (r *Runner) buildRecord(row *models.CycleFeature) *models.AnomalyRecord {
	now := r.now().UTC()
	return &models.AnomalyRecord{
		ID:               uuid.NewString(),
		Cycle:            row.Cycle,
		UnitID:           row.UnitID,
		Machine:          row.Machine,
		StepID:           row.StepID,
		StepName:         row.StepName,
		AnomalyScore:     row.AnomalyScore,
		RuleAnomaly:      row.RuleAnomaly,
		RuleReasons:      row.RuleReasons,
		HasStepError:     row.HasStepError,
		NStepErrors:      row.NStepErrors,
		ErrorCode:        row.LastErrorCode,
		CycleDurationS:   row.CycleDurationS,
		DurationOverrunS: features.DurationOverrun(row.CycleDurationS, r.wf.NominalCycleS),
		Confidence:       models.ConfidenceInsufficient,
		Severity:         rules.RuleSeverity(row),
		Status:           models.StatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
