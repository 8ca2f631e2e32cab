package saga

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// SQLiteStore is a Store backed by modernc.org/sqlite, matching the
// persisted layout of spec §6: a sagaState row plus a step-history
// join table (SPEC_FULL §4.6, §6).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db, creating the saga tables if absent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS saga_state (
	saga_id TEXT PRIMARY KEY,
	saga_type TEXT NOT NULL,
	status TEXT NOT NULL,
	correlation_key TEXT,
	payload BLOB,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	last_updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_state_correlation ON saga_state(saga_type, correlation_key);
CREATE TABLE IF NOT EXISTS saga_step_history (
	saga_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	step_name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	outcome TEXT NOT NULL,
	error TEXT,
	PRIMARY KEY (saga_id, seq)
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	if state == nil || state.SagaID == "" {
		return excerrors.ErrArgumentInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saga: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT version FROM saga_state WHERE saga_id = ?`, state.SagaID).Scan(&currentVersion)
	switch {
	case err == sql.ErrNoRows:
		if state.Version != 1 {
			return fmt.Errorf("%w: saga %q not found, cannot save at version %d", excerrors.ErrConcurrencyConflict, state.SagaID, state.Version)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO saga_state (saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			state.SagaID, state.SagaType, string(state.Status), state.CorrelationKey, state.Payload,
			state.Version, state.CreatedAt.UTC().Format(time.RFC3339Nano), state.LastUpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("saga: insert state: %w", err)
		}
	case err != nil:
		return fmt.Errorf("saga: read version: %w", err)
	default:
		if currentVersion.Int64 != state.Version-1 {
			return fmt.Errorf("%w: saga %q has version %d, save expected to follow %d",
				excerrors.ErrConcurrencyConflict, state.SagaID, currentVersion.Int64, state.Version-1)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE saga_state SET status = ?, correlation_key = ?, payload = ?, version = ?, last_updated_at = ?
			WHERE saga_id = ? AND version = ?`,
			string(state.Status), state.CorrelationKey, state.Payload, state.Version,
			state.LastUpdatedAt.UTC().Format(time.RFC3339Nano), state.SagaID, currentVersion.Int64)
		if err != nil {
			return fmt.Errorf("saga: update state: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_step_history WHERE saga_id = ?`, state.SagaID); err != nil {
		return fmt.Errorf("saga: clear step history: %w", err)
	}
	for i, step := range state.StepHistory {
		var completedAt any
		if step.CompletedAt != nil {
			completedAt = step.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO saga_step_history (saga_id, seq, step_name, started_at, completed_at, outcome, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			state.SagaID, i, step.StepName, step.StartedAt.UTC().Format(time.RFC3339Nano), completedAt, string(step.Outcome), step.Error)
		if err != nil {
			return fmt.Errorf("saga: insert step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, sagaID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at
		FROM saga_state WHERE saga_id = ?`, sagaID)
	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.StepHistory, err = s.loadSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetByCorrelation implements Store.
func (s *SQLiteStore) GetByCorrelation(ctx context.Context, sagaType, key string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at
		FROM saga_state WHERE saga_type = ? AND correlation_key = ?`, sagaType, key)
	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.StepHistory, err = s.loadSteps(ctx, state.SagaID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sagaID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saga_state WHERE saga_id = ?`, sagaID)
	if err != nil {
		return false, fmt.Errorf("saga: delete state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saga_step_history WHERE saga_id = ?`, sagaID); err != nil {
		return false, fmt.Errorf("saga: delete step history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountByStatus implements Store.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM saga_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("saga: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[Status(status)] = count
	}
	return out, rows.Err()
}

// StuckSagas implements Store.
func (s *SQLiteStore) StuckSagas(ctx context.Context, olderThan time.Duration) ([]*State, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at
		FROM saga_state WHERE status = ? AND last_updated_at < ? ORDER BY last_updated_at ASC`, string(StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("saga: stuck sagas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AverageCompletionTime implements Store.
func (s *SQLiteStore) AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, last_updated_at FROM saga_state WHERE status = ? AND last_updated_at > ?`, string(StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("saga: average completion: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var total time.Duration
	var count int
	for rows.Next() {
		var createdStr, updatedStr string
		if err := rows.Scan(&createdStr, &updatedStr); err != nil {
			return 0, err
		}
		created, _ := time.Parse(time.RFC3339Nano, createdStr)
		updated, _ := time.Parse(time.RFC3339Nano, updatedStr)
		total += updated.Sub(created)
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), rows.Err()
}

func (s *SQLiteStore) loadSteps(ctx context.Context, sagaID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_name, started_at, completed_at, outcome, error
		FROM saga_step_history WHERE saga_id = ? ORDER BY seq ASC`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepRecord
	for rows.Next() {
		var name, startedStr, outcome string
		var completedStr, errStr sql.NullString
		if err := rows.Scan(&name, &startedStr, &completedStr, &outcome, &errStr); err != nil {
			return nil, err
		}
		started, _ := time.Parse(time.RFC3339Nano, startedStr)
		rec := StepRecord{StepName: name, StartedAt: started, Outcome: StepOutcome(outcome), Error: errStr.String}
		if completedStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedStr.String)
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*State, error) {
	var (
		sagaID, sagaType, status   string
		correlationKey             sql.NullString
		payload                    []byte
		version                    int64
		createdStr, lastUpdatedStr string
	)
	if err := row.Scan(&sagaID, &sagaType, &status, &correlationKey, &payload, &version, &createdStr, &lastUpdatedStr); err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, createdStr)
	lastUpdated, _ := time.Parse(time.RFC3339Nano, lastUpdatedStr)
	return &State{
		SagaID:         sagaID,
		SagaType:       sagaType,
		Status:         Status(status),
		CorrelationKey: correlationKey.String,
		Payload:        payload,
		Version:        version,
		CreatedAt:      created,
		LastUpdatedAt:  lastUpdated,
	}, nil
}
