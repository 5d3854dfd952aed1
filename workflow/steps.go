// ABOUTME: SQLite idempotency ledger for workflow steps, keyed by (run id, step name).
// ABOUTME: Replaying a run returns recorded step results instead of re-executing side effects.

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// StepLedger records completed workflow step results so a replayed run never
// re-executes a step whose outcome is already durable.
type StepLedger struct {
	db *sql.DB
}

// OpenStepLedger opens or creates the ledger database at the given path.
func OpenStepLedger(path string) (*StepLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			result TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_name)
		);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &StepLedger{db: db}, nil
}

// Close closes the database connection.
func (l *StepLedger) Close() error {
	return l.db.Close()
}

// Do executes the named step for the run, unless a result is already
// recorded, in which case the recorded result is returned and fn is skipped.
// Failed steps record nothing, so a retried run re-executes them.
func (l *StepLedger) Do(ctx context.Context, runID, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	var recorded string
	err := l.db.QueryRowContext(ctx,
		`SELECT result FROM workflow_steps WHERE run_id = ? AND step_name = ?`,
		runID, name,
	).Scan(&recorded)
	if err == nil {
		return recorded, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("step %s: query ledger: %w", name, err)
	}

	result, err := fn(ctx)
	if err != nil {
		return "", fmt.Errorf("step %s: %w", name, err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (run_id, step_name, result, completed_at)
		 VALUES (?, ?, ?, ?)`,
		runID, name, result, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("step %s: record result: %w", name, err)
	}
	return result, nil
}

// doJSON runs a step whose result is a JSON-encodable value, decoding the
// recorded result on replay.
func doJSON[T any](ctx context.Context, l *StepLedger, runID, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	encoded, err := l.Do(ctx, runID, name, func(ctx context.Context) (string, error) {
		value, err := fn(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return zero, fmt.Errorf("step %s: decode recorded result: %w", name, err)
	}
	return out, nil
}
