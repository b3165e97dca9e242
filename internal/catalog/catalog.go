// Package catalog is the process-wide registry mapping a scoutId to the
// path of its per-scout SQLite database. It is the one piece of state
// shared across all scouts, and it holds nothing but that mapping: no
// scout config, no events, nothing the single-writer-per-scout discipline
// would otherwise have to protect.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"
)

// Entry is one registered scout.
type Entry struct {
	ScoutID   string
	DBPath    string
	CreatedAt time.Time
}

// Catalog persists the scoutId -> db path mapping.
type Catalog struct {
	db      *sql.DB
	dataDir string
}

// ApplySchema creates the catalog table.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scouts (
			scout_id   TEXT PRIMARY KEY,
			db_path    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// New creates a Catalog backed by db, resolving relative scout database
// paths under dataDir.
func New(db *sql.DB, dataDir string) *Catalog {
	return &Catalog{db: db, dataDir: dataDir}
}

// PathFor returns the on-disk path a new scout's database should live at.
func (c *Catalog) PathFor(scoutID string) string {
	return filepath.Join(c.dataDir, scoutID+".db")
}

// Register records a new scout's database path.
func (c *Catalog) Register(ctx context.Context, scoutID, dbPath string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO scouts (scout_id, db_path, created_at) VALUES (?, ?, ?)
		ON CONFLICT(scout_id) DO NOTHING`, scoutID, dbPath, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("catalog: register %q: %w", scoutID, err)
	}
	return nil
}

// Get returns the entry for scoutID, or ok=false if unregistered.
func (c *Catalog) Get(ctx context.Context, scoutID string) (Entry, bool, error) {
	var e Entry
	var createdAtMs int64
	err := c.db.QueryRowContext(ctx, `SELECT scout_id, db_path, created_at FROM scouts WHERE scout_id = ?`, scoutID).
		Scan(&e.ScoutID, &e.DBPath, &createdAtMs)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("catalog: get %q: %w", scoutID, err)
	}
	e.CreatedAt = time.UnixMilli(createdAtMs)
	return e, true, nil
}

// List returns every registered scout, ordered by creation time.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT scout_id, db_path, created_at FROM scouts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAtMs int64
		if err := rows.Scan(&e.ScoutID, &e.DBPath, &createdAtMs); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAtMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Deregister removes scoutID from the catalog. It does not touch the
// scout's database file.
func (c *Catalog) Deregister(ctx context.Context, scoutID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM scouts WHERE scout_id = ?`, scoutID)
	if err != nil {
		return fmt.Errorf("catalog: deregister %q: %w", scoutID, err)
	}
	return nil
}
