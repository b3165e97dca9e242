// Package steps implements a durable, checkpointed unit of work: a step's
// side effects run at most once across process restarts, because its
// outcome is persisted before Do returns and replayed verbatim on the next
// call with the same name.
//
// The design mirrors vtq's visibility-timeout queue — a SQLite row is the
// single source of truth for "has this happened yet" — collapsed to the
// simpler case of one row per (scout, step-name) instead of a claim/ack
// cycle, since a scout's engine has exactly one in-process worker.
package steps

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApplySchema creates the step-outcome and sleep-deadline tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS step_outcomes (
			name         TEXT PRIMARY KEY,
			outcome_json TEXT NOT NULL,
			completed_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sleep_deadlines (
			name        TEXT PRIMARY KEY,
			deadline_at INTEGER NOT NULL
		);
	`)
	return err
}

// Runner memoizes step outcomes and durable sleeps against one scout's
// SQLite database.
type Runner struct {
	db *sql.DB
}

// New creates a Runner backed by db. Call ApplySchema(db) first.
func New(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Wipe deletes all step bookkeeping rows.
func (r *Runner) Wipe(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM step_outcomes`); err != nil {
		return fmt.Errorf("steps: wipe outcomes: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sleep_deadlines`); err != nil {
		return fmt.Errorf("steps: wipe deadlines: %w", err)
	}
	return nil
}

// Do runs fn under the checkpoint name. If name has already completed
// (in this or a prior process), its recorded outcome is decoded and
// returned without calling fn. Otherwise fn runs; on success its result is
// persisted before Do returns; on failure nothing is recorded, so the next
// call with the same name retries fn from scratch.
func Do[T any](ctx context.Context, r *Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	var outcomeJSON string
	err := r.db.QueryRowContext(ctx, `SELECT outcome_json FROM step_outcomes WHERE name = ?`, name).Scan(&outcomeJSON)
	if err == nil {
		var result T
		if uerr := json.Unmarshal([]byte(outcomeJSON), &result); uerr != nil {
			return zero, fmt.Errorf("steps: decode outcome %q: %w", name, uerr)
		}
		return result, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("steps: read outcome %q: %w", name, err)
	}

	result, ferr := fn(ctx)
	if ferr != nil {
		return zero, ferr
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return zero, fmt.Errorf("steps: encode outcome %q: %w", name, merr)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_outcomes (name, outcome_json, completed_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, name, string(data), time.Now().UnixMilli())
	if err != nil {
		return zero, fmt.Errorf("steps: persist outcome %q: %w", name, err)
	}
	return result, nil
}

// Sleep durably waits until duration has elapsed since the first time this
// step name was reached. A crash mid-sleep resumes waiting for the
// remaining time on the next call with the same name, not from zero; a
// call after the sleep has already completed returns immediately, so a
// resumed engine fast-forwards through every cycle it already slept out
// instead of re-sleeping a full duration per completed cycle.
func (r *Runner) Sleep(ctx context.Context, name string, duration time.Duration) error {
	done, err := r.sleepCompleted(ctx, name)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	deadline, err := r.deadline(ctx, name, duration)
	if err != nil {
		return err
	}

	remaining := time.Until(deadline)
	if remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}

	if err := r.markSleepCompleted(ctx, name); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM sleep_deadlines WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("steps: clear deadline %q: %w", name, err)
	}
	return nil
}

func (r *Runner) sleepCompleted(ctx context.Context, name string) (bool, error) {
	var outcomeJSON string
	err := r.db.QueryRowContext(ctx, `SELECT outcome_json FROM step_outcomes WHERE name = ?`, name).Scan(&outcomeJSON)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("steps: read outcome %q: %w", name, err)
}

func (r *Runner) markSleepCompleted(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_outcomes (name, outcome_json, completed_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, name, "true", time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("steps: mark sleep complete %q: %w", name, err)
	}
	return nil
}

func (r *Runner) deadline(ctx context.Context, name string, duration time.Duration) (time.Time, error) {
	var deadlineMs int64
	err := r.db.QueryRowContext(ctx, `SELECT deadline_at FROM sleep_deadlines WHERE name = ?`, name).Scan(&deadlineMs)
	if err == nil {
		return time.UnixMilli(deadlineMs), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("steps: read deadline %q: %w", name, err)
	}

	deadline := time.Now().Add(duration)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sleep_deadlines (name, deadline_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`, name, deadline.UnixMilli())
	if err != nil {
		return time.Time{}, fmt.Errorf("steps: persist deadline %q: %w", name, err)
	}

	// Another writer may have won the race; re-read to get the recorded value.
	err = r.db.QueryRowContext(ctx, `SELECT deadline_at FROM sleep_deadlines WHERE name = ?`, name).Scan(&deadlineMs)
	if err != nil {
		return time.Time{}, fmt.Errorf("steps: read deadline after insert %q: %w", name, err)
	}
	return time.UnixMilli(deadlineMs), nil
}
