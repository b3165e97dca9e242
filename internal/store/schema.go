package store

import "database/sql"

// schema is the complete per-scout schema.
const schema = `
CREATE TABLE IF NOT EXISTS config (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    scout_id        TEXT NOT NULL,
    query           TEXT NOT NULL,
    email           TEXT NOT NULL,
    source_url      TEXT NOT NULL,
    source_label    TEXT NOT NULL,
    source_strategy TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    expires_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sources (
    url          TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL DEFAULT '',
    text         TEXT NOT NULL DEFAULT '',
    checked_at   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    event_id        TEXT PRIMARY KEY,
    source_url      TEXT NOT NULL,
    source_label    TEXT NOT NULL,
    tldr            TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    highlights_json TEXT NOT NULL DEFAULT '[]',
    articles_json   TEXT NOT NULL DEFAULT '[]',
    is_breaking     INTEGER NOT NULL DEFAULT 0,
    detected_at     INTEGER NOT NULL,
    notified        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_detected ON events(detected_at DESC);

CREATE TABLE IF NOT EXISTS email_counter (
    date_key TEXT PRIMARY KEY,
    count    INTEGER NOT NULL DEFAULT 0
);
`

// columnMigrations backfills columns that earlier schema revisions lacked.
// Safe to run on a fresh database (schema already has the columns) and on
// an existing one that predates them.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"events", "tldr", `ALTER TABLE events ADD COLUMN tldr TEXT NOT NULL DEFAULT ''`},
	{"events", "highlights_json", `ALTER TABLE events ADD COLUMN highlights_json TEXT NOT NULL DEFAULT '[]'`},
	{"events", "articles_json", `ALTER TABLE events ADD COLUMN articles_json TEXT NOT NULL DEFAULT '[]'`},
	{"events", "is_breaking", `ALTER TABLE events ADD COLUMN is_breaking INTEGER NOT NULL DEFAULT 0`},
	{"config", "expires_at", `ALTER TABLE config ADD COLUMN expires_at INTEGER NOT NULL DEFAULT 0`},
}

// ApplySchema creates all tables and indexes, then backfills any columns
// missing from a pre-existing database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, m := range columnMigrations {
		applyColumnMigration(db, m.table, m.column, m.ddl)
	}
	return nil
}

func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}
