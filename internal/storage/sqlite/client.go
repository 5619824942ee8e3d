package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/logger"
)

// Client is the engine's backing store: raw PLC events, anomaly records and
// the unit registry. Timestamps are stored as unix nanoseconds so ordering
// survives sub-second event bursts.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("sqlite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plc_events (
		ts INTEGER NOT NULL,
		unit_id TEXT,
		machine TEXT NOT NULL,
		level TEXT NOT NULL,
		code TEXT,
		message TEXT,
		cycle INTEGER,
		step_id TEXT,
		step_name TEXT,
		duration REAL,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON plc_events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_unit_cycle ON plc_events(unit_id, cycle);
	CREATE INDEX IF NOT EXISTS idx_events_machine_step ON plc_events(machine, step_id, ts);

	CREATE TABLE IF NOT EXISTS plc_anomalies (
		id TEXT PRIMARY KEY,
		cycle INTEGER NOT NULL,
		unit_id TEXT NOT NULL,
		machine TEXT NOT NULL,
		step_id TEXT NOT NULL,
		step_name TEXT,
		anomaly_score REAL,
		rule_anomaly INTEGER NOT NULL,
		rule_reasons TEXT,
		has_step_error INTEGER DEFAULT 0,
		n_step_errors INTEGER DEFAULT 0,
		error_code TEXT,
		cycle_duration_s REAL,
		duration_overrun_s REAL,
		events_count INTEGER DEFAULT 0,
		window_days INTEGER DEFAULT 0,
		ewma_ratio REAL,
		rate_ratio REAL,
		burstiness REAL,
		hawkes_score INTEGER DEFAULT 0,
		confidence TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		narrative TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_identity
		ON plc_anomalies(unit_id, cycle, machine, step_id);
	CREATE INDEX IF NOT EXISTS idx_anomalies_created ON plc_anomalies(created_at);
	CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON plc_anomalies(severity);

	CREATE TABLE IF NOT EXISTS units (
		unit_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'IN_PROGRESS',
		cycle INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);
	CREATE INDEX IF NOT EXISTS idx_units_pending ON units(processed, status);

	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		ts INTEGER NOT NULL
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("sqlite schema initialized")
	return nil
}

// InsertEvent persists one raw event. Used by ingestion adapters and tests;
// the engine itself only reads.
func (c *Client) InsertEvent(ctx context.Context, ev models.RawEvent) error {
	var payload any
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = string(raw)
	}

	var duration any
	if ev.DurationS != nil {
		duration = *ev.DurationS
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO plc_events (ts, unit_id, machine, level, code, message, cycle, step_id, step_name, duration, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TS.UnixNano(), ev.UnitID, ev.Machine, ev.Level, ev.Code, ev.Message,
		ev.Cycle, ev.StepID, ev.StepName, duration, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (c *Client) FetchCycleEvents(ctx context.Context, unitID string, cycle int) ([]models.RawEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ts, unit_id, machine, level, code, message, cycle, step_id, step_name, duration
		FROM plc_events
		WHERE unit_id = ? AND cycle = ?
		ORDER BY ts ASC`,
		unitID, cycle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (c *Client) FetchEventsSince(ctx context.Context, since time.Time) ([]models.RawEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ts, unit_id, machine, level, code, message, cycle, step_id, step_name, duration
		FROM plc_events
		WHERE ts > ?
		ORDER BY ts ASC`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query new events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FetchStepHistory returns historical occurrences of a (machine, step) with
// a reported duration, optionally narrowed to one error code.
func (c *Client) FetchStepHistory(ctx context.Context, machine, stepID, code string, since time.Time) ([]models.HistoryPoint, error) {
	query := `
		SELECT ts, duration
		FROM plc_events
		WHERE machine = ? AND step_id = ? AND ts >= ? AND duration IS NOT NULL`
	args := []any{machine, stepID, since.UnixNano()}
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	query += " ORDER BY ts ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step history: %w", err)
	}
	defer rows.Close()

	var points []models.HistoryPoint
	for rows.Next() {
		var ts int64
		var duration float64
		if err := rows.Scan(&ts, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		points = append(points, models.HistoryPoint{
			TS:        time.Unix(0, ts).UTC(),
			DurationS: duration,
		})
	}
	return points, rows.Err()
}

// FetchCycles groups events by cycle id over a window: span plus whether any
// error-level event occurred.
func (c *Client) FetchCycles(ctx context.Context, start, end time.Time) ([]models.CycleSpan, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT cycle, MIN(ts), MAX(ts), MAX(CASE WHEN level = 'ERROR' THEN 1 ELSE 0 END)
		FROM plc_events
		WHERE ts BETWEEN ? AND ? AND cycle IS NOT NULL
		GROUP BY cycle
		ORDER BY MIN(ts) ASC`,
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []models.CycleSpan
	for rows.Next() {
		var span models.CycleSpan
		var startTS, endTS int64
		var hasError int
		if err := rows.Scan(&span.Cycle, &startTS, &endTS, &hasError); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		span.StartTS = time.Unix(0, startTS).UTC()
		span.EndTS = time.Unix(0, endTS).UTC()
		span.HasError = hasError == 1
		cycles = append(cycles, span)
	}
	return cycles, rows.Err()
}

// InsertAnomaly is idempotent on (unit_id, cycle, machine, step_id): a
// duplicate trigger leaves the stored record untouched and returns false.
func (c *Client) InsertAnomaly(ctx context.Context, record *models.AnomalyRecord) (bool, error) {
	reasons, err := json.Marshal(record.RuleReasons)
	if err != nil {
		return false, fmt.Errorf("failed to marshal rule reasons: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO plc_anomalies (
			id, cycle, unit_id, machine, step_id, step_name,
			anomaly_score, rule_anomaly, rule_reasons,
			has_step_error, n_step_errors, error_code,
			cycle_duration_s, duration_overrun_s,
			events_count, window_days, ewma_ratio, rate_ratio, burstiness,
			hawkes_score, confidence, severity, status, narrative,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id, cycle, machine, step_id) DO NOTHING`,
		record.ID, record.Cycle, record.UnitID, record.Machine, record.StepID, record.StepName,
		record.AnomalyScore, boolToInt(record.RuleAnomaly), string(reasons),
		boolToInt(record.HasStepError), record.NStepErrors, record.ErrorCode,
		record.CycleDurationS, record.DurationOverrunS,
		record.EventsCount, record.WindowDays, record.EWMARatio, record.RateRatio, record.Burstiness,
		record.HawkesScore, string(record.Confidence), string(record.Severity), record.Status, record.Narrative,
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert anomaly: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

// UpdateAnomaly rewrites the mutable fields of an existing record.
func (c *Client) UpdateAnomaly(ctx context.Context, record *models.AnomalyRecord) error {
	reasons, err := json.Marshal(record.RuleReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal rule reasons: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		UPDATE plc_anomalies SET
			anomaly_score = ?, rule_anomaly = ?, rule_reasons = ?,
			events_count = ?, window_days = ?, ewma_ratio = ?, rate_ratio = ?, burstiness = ?,
			hawkes_score = ?, confidence = ?, severity = ?, narrative = ?, updated_at = ?
		WHERE unit_id = ? AND cycle = ? AND machine = ? AND step_id = ?`,
		record.AnomalyScore, boolToInt(record.RuleAnomaly), string(reasons),
		record.EventsCount, record.WindowDays, record.EWMARatio, record.RateRatio, record.Burstiness,
		record.HawkesScore, string(record.Confidence), string(record.Severity), record.Narrative,
		time.Now().UnixNano(),
		record.UnitID, record.Cycle, record.Machine, record.StepID,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly: %w", err)
	}
	return nil
}

// UpdateAnomalyStatus moves a record through its lifecycle
// (OPEN -> ACK -> CLOSED). Records are never deleted.
func (c *Client) UpdateAnomalyStatus(ctx context.Context, id, status string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE plc_anomalies SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("anomaly %s not found", id)
	}
	return nil
}

// ListAnomalies returns the most recent records for the reporting surface.
func (c *Client) ListAnomalies(ctx context.Context, limit int) ([]models.AnomalyRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, cycle, unit_id, machine, step_id, step_name,
			anomaly_score, rule_anomaly, rule_reasons,
			has_step_error, n_step_errors, error_code,
			cycle_duration_s, duration_overrun_s,
			events_count, window_days, ewma_ratio, rate_ratio, burstiness,
			hawkes_score, confidence, severity, status, narrative,
			created_at, updated_at
		FROM plc_anomalies
		ORDER BY created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var records []models.AnomalyRecord
	for rows.Next() {
		var r models.AnomalyRecord
		var ruleAnomaly, hasStepError int
		var reasons string
		var confidence, severity string
		var createdAt, updatedAt int64

		err := rows.Scan(
			&r.ID, &r.Cycle, &r.UnitID, &r.Machine, &r.StepID, &r.StepName,
			&r.AnomalyScore, &ruleAnomaly, &reasons,
			&hasStepError, &r.NStepErrors, &r.ErrorCode,
			&r.CycleDurationS, &r.DurationOverrunS,
			&r.EventsCount, &r.WindowDays, &r.EWMARatio, &r.RateRatio, &r.Burstiness,
			&r.HawkesScore, &confidence, &severity, &r.Status, &r.Narrative,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly row: %w", err)
		}

		r.RuleAnomaly = ruleAnomaly == 1
		r.HasStepError = hasStepError == 1
		if err := json.Unmarshal([]byte(reasons), &r.RuleReasons); err != nil {
			r.RuleReasons = nil
		}
		r.Confidence = models.Confidence(confidence)
		r.Severity = models.Severity(severity)
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (c *Client) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	var unit models.Unit
	var processed int
	var createdAt int64
	var finishedAt sql.NullInt64

	err := c.db.QueryRowContext(ctx,
		`SELECT unit_id, status, cycle, processed, created_at, finished_at FROM units WHERE unit_id = ?`,
		unitID,
	).Scan(&unit.UnitID, &unit.Status, &unit.Cycle, &processed, &createdAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}

	unit.Processed = processed == 1
	unit.CreatedAt = time.Unix(0, createdAt).UTC()
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		unit.FinishedAt = &t
	}
	return &unit, nil
}

func (c *Client) EnsureUnit(ctx context.Context, unitID string, cycle int, ts time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO units (unit_id, status, cycle, created_at)
		VALUES (?, 'IN_PROGRESS', ?, ?)
		ON CONFLICT(unit_id) DO NOTHING`,
		unitID, cycle, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure unit: %w", err)
	}
	return nil
}

// FinishUnit transitions a unit to a terminal state. The WHERE guard makes
// the transition race-safe: only one caller observes true.
func (c *Client) FinishUnit(ctx context.Context, unitID, status string, finishedAt time.Time) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE units SET status = ?, finished_at = ?
		WHERE unit_id = ? AND status = 'IN_PROGRESS'`,
		status, finishedAt.UnixNano(), unitID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish unit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return affected > 0, nil
}

// ListUnprocessedUnits returns the terminal units whose detection run has
// not succeeded yet. A unit stays listed until MarkUnitProcessed, so a
// failed run is picked up again on the next poll.
func (c *Client) ListUnprocessedUnits(ctx context.Context) ([]models.Unit, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT unit_id, status, cycle, processed, created_at, finished_at
		FROM units
		WHERE processed = 0 AND status != 'IN_PROGRESS'
		ORDER BY finished_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed units: %w", err)
	}
	defer rows.Close()

	var units []models.Unit
	for rows.Next() {
		var unit models.Unit
		var processed int
		var createdAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&unit.UnitID, &unit.Status, &unit.Cycle, &processed, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit row: %w", err)
		}
		unit.Processed = processed == 1
		unit.CreatedAt = time.Unix(0, createdAt).UTC()
		if finishedAt.Valid {
			t := time.Unix(0, finishedAt.Int64).UTC()
			unit.FinishedAt = &t
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func (c *Client) MarkUnitProcessed(ctx context.Context, unitID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE units SET processed = 1 WHERE unit_id = ?`,
		unitID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark unit processed: %w", err)
	}
	return nil
}

// LastSeen and SetLastSeen implement the poll checkpoint when Redis is not
// deployed alongside the engine.
func (c *Client) LastSeen(ctx context.Context) (time.Time, bool, error) {
	var ts int64
	err := c.db.QueryRowContext(ctx,
		`SELECT ts FROM checkpoints WHERE name = 'poller'`,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return time.Unix(0, ts).UTC(), true, nil
}

func (c *Client) SetLastSeen(ctx context.Context, ts time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, ts) VALUES ('poller', ?)
		ON CONFLICT(name) DO UPDATE SET ts = excluded.ts`,
		ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]models.RawEvent, error) {
	var events []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		var ts int64
		var unitID, code, message, stepID, stepName sql.NullString
		var cycle sql.NullInt64
		var duration sql.NullFloat64

		err := rows.Scan(&ts, &unitID, &ev.Machine, &ev.Level, &code, &message, &cycle, &stepID, &stepName, &duration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		ev.TS = time.Unix(0, ts).UTC()
		ev.UnitID = unitID.String
		ev.Code = code.String
		ev.Message = message.String
		ev.Cycle = int(cycle.Int64)
		ev.StepID = stepID.String
		ev.StepName = stepName.String
		if duration.Valid {
			d := duration.Float64
			ev.DurationS = &d
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
