package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/imagechain/pkg/schema"
)

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// The sequence read and the insert share one transaction; SetMaxOpenConns(1)
// serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSequence(ctx, tx, "events", event.RunID)
	if err != nil {
		return err
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, image_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.ImageID), nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, image_id, step_id, event_type, payload, timestamp, sequence`

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var imageID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &imageID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ImageID = imageID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Execution records ---

// AppendRecord appends an execution record and assigns its per-run sequence.
func (s *LibSQLStore) AppendRecord(ctx context.Context, rec *schema.ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextSequence(ctx, tx, "execution_records", rec.RunID)
	if err != nil {
		return err
	}
	rec.Sequence = seq
	rec.Timestamp = timeOrNow(rec.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_records (run_id, sequence, image_id, image_name, step_id, step_name, outcome,
		 backend, cost, credits, error, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, seq, rec.ImageID, nullStr(rec.ImageName), rec.StepID, nullStr(rec.StepName), string(rec.Outcome),
		nullStr(rec.Backend), rec.Cost, rec.Credits, nullStr(rec.Error), rec.DurationMs, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// ListRecords returns a run's execution records in append order.
func (s *LibSQLStore) ListRecords(ctx context.Context, runID string) ([]*schema.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, image_id, image_name, step_id, step_name, outcome, backend, cost, credits,
		 error, duration_ms, timestamp
		 FROM execution_records WHERE run_id = ? ORDER BY sequence ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*schema.ExecutionRecord
	for rows.Next() {
		r := &schema.ExecutionRecord{}
		var imageName, stepName, backend, errText sql.NullString
		var outcome string
		if err := rows.Scan(&r.RunID, &r.Sequence, &r.ImageID, &imageName, &r.StepID, &stepName, &outcome,
			&backend, &r.Cost, &r.Credits, &errText, &r.DurationMs, &r.Timestamp); err != nil {
			return nil, err
		}
		r.ImageName = imageName.String
		r.StepName = stepName.String
		r.Outcome = schema.Outcome(outcome)
		r.Backend = backend.String
		r.Error = errText.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// nextSequence returns MAX(sequence)+1 for runID in table.
func nextSequence(ctx context.Context, tx *sql.Tx, table, runID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM `+table+` WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get next %s sequence: %w", table, err)
	}
	return seq, nil
}

// --- Replay ---

// Totals aggregates a run's execution records.
type Totals struct {
	Attempts  int            `json:"attempts"`
	Successes int            `json:"successes"`
	Failures  int            `json:"failures"`
	Cost      float64        `json:"cost"`
	Credits   int            `json:"credits"`
	Duration  time.Duration  `json:"duration"`
	ByBackend map[string]int `json:"by_backend,omitempty"`
}

// Summarize folds records into Totals. Returns a STORE_ERROR if the
// sequence numbers are not contiguous from 1.
func Summarize(runID string, records []*schema.ExecutionRecord) (*Totals, error) {
	t := &Totals{ByBackend: make(map[string]int)}
	for i, r := range records {
		expected := int64(i + 1)
		if r.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, r.Sequence)
		}
		t.Attempts++
		switch r.Outcome {
		case schema.OutcomeSuccess:
			t.Successes++
			t.Cost += r.Cost
			t.Credits += r.Credits
			if r.Backend != "" {
				t.ByBackend[r.Backend]++
			}
		default:
			t.Failures++
		}
		t.Duration += time.Duration(r.DurationMs) * time.Millisecond
	}
	return t, nil
}
