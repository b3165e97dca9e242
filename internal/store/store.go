package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store wraps a single scout's SQLite database. All operations on one
// Store value are serialized by an internal mutex. The engine and the
// control plane each build their own Store on their own connection, so
// this mutex does not order one against the other.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New wraps an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for collaborating packages (the
// step runtime) that persist their own tables in the same per-scout file.
func (s *Store) DB() *sql.DB { return s.db }

// PutConfig overwrites the scout's config and installs its single source
// row. Idempotent — safe to call again with the same values.
func (s *Store) PutConfig(ctx context.Context, sc *Scout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: put config: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config (id, scout_id, query, email, source_url, source_label, source_strategy, created_at, expires_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scout_id=excluded.scout_id, query=excluded.query, email=excluded.email,
			source_url=excluded.source_url, source_label=excluded.source_label,
			source_strategy=excluded.source_strategy, created_at=excluded.created_at,
			expires_at=excluded.expires_at`,
		sc.ScoutID, sc.Query, sc.Email, sc.Source.URL, sc.Source.Label, string(sc.Source.Strategy),
		sc.CreatedAt.UnixMilli(), sc.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put config: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sources (url, content_hash, text, checked_at)
		VALUES (?, '', '', 0)
		ON CONFLICT(url) DO NOTHING`, sc.Source.URL)
	if err != nil {
		return fmt.Errorf("store: put config: install source: %w", err)
	}

	return tx.Commit()
}

// GetConfig returns the scout's config, or ErrNotFound if none is installed.
func (s *Store) GetConfig(ctx context.Context) (*Scout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT scout_id, query, email, source_url, source_label, source_strategy, created_at, expires_at
		FROM config WHERE id = 1`)

	var sc Scout
	var createdAt, expiresAt int64
	var strategy string
	err := row.Scan(&sc.ScoutID, &sc.Query, &sc.Email, &sc.Source.URL, &sc.Source.Label, &strategy, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get config: %w", err)
	}
	sc.Source.Strategy = Strategy(strategy)
	sc.CreatedAt = time.UnixMilli(createdAt).UTC()
	sc.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &sc, nil
}

// GetSnapshot returns the current snapshot for a source URL, or nil if
// absent (the source row was never installed, which should not happen once
// PutConfig has run, but is treated as baseline defensively).
func (s *Store) GetSnapshot(ctx context.Context, url string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT url, content_hash, text, checked_at FROM sources WHERE url = ?`, url)

	var snap Snapshot
	var checkedAt int64
	err := row.Scan(&snap.URL, &snap.ContentHash, &snap.Text, &checkedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get snapshot: %w", err)
	}
	snap.CheckedAt = time.UnixMilli(checkedAt).UTC()
	return &snap, nil
}

// PutSnapshot overwrites the snapshot for a source, truncating text to
// maxTextLength bytes and setting checkedAt to now.
func (s *Store) PutSnapshot(ctx context.Context, url, contentHash, text string, maxTextLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(text) > maxTextLength {
		text = text[:maxTextLength]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (url, content_hash, text, checked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET content_hash=excluded.content_hash, text=excluded.text, checked_at=excluded.checked_at`,
		url, contentHash, text, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put snapshot: %w", err)
	}
	return nil
}

// RecordResult reports whether recordEvent inserted a new row.
type RecordResult struct {
	Inserted bool
}

// RecordEvent inserts an event iff its eventId is new. A collision is a
// silent no-op, giving recordEvent idempotency under retry.
func (s *Store) RecordEvent(ctx context.Context, ev *Event) (RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highlights, err := json.Marshal(nonNilStrings(ev.Highlights))
	if err != nil {
		return RecordResult{}, fmt.Errorf("store: record event: marshal highlights: %w", err)
	}
	articles, err := json.Marshal(nonNilArticles(ev.Articles))
	if err != nil {
		return RecordResult{}, fmt.Errorf("store: record event: marshal articles: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, source_url, source_label, tldr, summary, highlights_json, articles_json, is_breaking, detected_at, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.SourceURL, ev.SourceLabel, ev.TLDR, ev.Summary,
		string(highlights), string(articles), boolToInt(ev.IsBreaking),
		ev.DetectedAt.UTC().UnixMilli(), boolToInt(ev.Notified),
	)
	if err != nil {
		return RecordResult{}, fmt.Errorf("store: record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RecordResult{}, fmt.Errorf("store: record event: rows affected: %w", err)
	}
	return RecordResult{Inserted: n > 0}, nil
}

// MarkNotified sets notified=true for an event, run in the same step as a
// successful email dispatch.
func (s *Store) MarkNotified(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE events SET notified = 1 WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("store: mark notified: %w", err)
	}
	return nil
}

// ListEvents returns events in descending detectedAt order.
func (s *Store) ListEvents(ctx context.Context) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source_url, source_label, tldr, summary, highlights_json, articles_json, is_breaking, detected_at, notified
		FROM events ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentSummaries returns the summary strings of the n most recently
// detected events, most recent first — the dedup lookback window.
func (s *Store) RecentSummaries(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM events ORDER BY detected_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("store: recent summaries: scan: %w", err)
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// GetEmailCount returns today's (UTC) email counter, defaulting to zero.
func (s *Store) GetEmailCount(ctx context.Context) (EmailCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEmailCountLocked(ctx, todayUTC())
}

func (s *Store) getEmailCountLocked(ctx context.Context, dateKey string) (EmailCount, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM email_counter WHERE date_key = ?`, dateKey).Scan(&count)
	if err == sql.ErrNoRows {
		return EmailCount{DateKey: dateKey, Count: 0}, nil
	}
	if err != nil {
		return EmailCount{}, fmt.Errorf("store: get email count: %w", err)
	}
	return EmailCount{DateKey: dateKey, Count: count}, nil
}

// IncrementEmailCount atomically upserts today's row (count += 1), deletes
// all other date rows (only the current day's row is retained), and
// returns the new count.
func (s *Store) IncrementEmailCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dateKey := todayUTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: increment email count: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM email_counter WHERE date_key != ?`, dateKey); err != nil {
		return 0, fmt.Errorf("store: increment email count: prune: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_counter (date_key, count) VALUES (?, 1)
		ON CONFLICT(date_key) DO UPDATE SET count = count + 1`, dateKey)
	if err != nil {
		return 0, fmt.Errorf("store: increment email count: upsert: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count FROM email_counter WHERE date_key = ?`, dateKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: increment email count: read back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: increment email count: commit: %w", err)
	}
	return count, nil
}

// Wipe deletes all rows across all tables. Idempotent.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"config", "sources", "events", "email_counter"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("store: wipe %s: %w", table, err)
		}
	}
	return nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var ev Event
	var highlightsJSON, articlesJSON string
	var isBreaking, notified int
	var detectedAt int64
	if err := rows.Scan(&ev.EventID, &ev.SourceURL, &ev.SourceLabel, &ev.TLDR, &ev.Summary,
		&highlightsJSON, &articlesJSON, &isBreaking, &detectedAt, &notified); err != nil {
		return nil, fmt.Errorf("store: scan event: %w", err)
	}
	_ = json.Unmarshal([]byte(highlightsJSON), &ev.Highlights)
	_ = json.Unmarshal([]byte(articlesJSON), &ev.Articles)
	ev.IsBreaking = isBreaking != 0
	ev.Notified = notified != 0
	ev.DetectedAt = time.UnixMilli(detectedAt).UTC()
	return &ev, nil
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilArticles(a []Article) []Article {
	if a == nil {
		return []Article{}
	}
	return a
}
