package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/navincodesalot/cf-ai-terascout/internal/store"
	"github.com/navincodesalot/cf-ai-terascout/internal/steps"
)

// ScoutRef is the minimal identity a Manager needs to spawn or resume a
// scout's engine: its id and the path of its per-scout SQLite database. It
// exists so this package does not need to import internal/catalog.
type ScoutRef struct {
	ScoutID string
	DBPath  string
}

// running tracks one in-process engine instance.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager spawns, terminates, and resumes per-scout engine goroutines. One
// Manager exists per process; it holds the shared, stateless collaborators
// (fetcher, analyzer, notifier) reused by every engine it spawns. No scout
// holds mutable state shared with another: these collaborators carry no
// scout-specific state themselves, and each engine owns its own store.
type Manager struct {
	mu      sync.Mutex
	running map[string]*running

	openDB   func(dbPath string) (*sql.DB, error)
	fetcher  Fetcher
	analyzer Analyzer
	notifier Notifier
	cfg      Config
	log      *slog.Logger
}

// NewManager creates a Manager. openDB opens (and creates, if absent) the
// SQLite file at dbPath with the process's standard pragmas — ordinarily
// dbopen.Open(dbPath, dbopen.WithMkdirAll()).
func NewManager(openDB func(dbPath string) (*sql.DB, error), fetcher Fetcher, analyzer Analyzer, notifier Notifier, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		running:  make(map[string]*running),
		openDB:   openDB,
		fetcher:  fetcher,
		analyzer: analyzer,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// IsRunning reports whether scoutID currently has an in-process engine.
func (m *Manager) IsRunning(scoutID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[scoutID]
	return ok
}

// Spawn starts an engine for scoutID against the database at dbPath. A
// second Spawn for an already-running scoutID is a no-op: engines are
// singletons per scout, matching the one-writer-per-scout rule.
func (m *Manager) Spawn(ctx context.Context, ref ScoutRef) error {
	m.mu.Lock()
	if _, ok := m.running[ref.ScoutID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	db, err := m.openDB(ref.DBPath)
	if err != nil {
		return fmt.Errorf("engine: manager: open db for %s: %w", ref.ScoutID, err)
	}
	if err := store.ApplySchema(db); err != nil {
		db.Close()
		return fmt.Errorf("engine: manager: apply store schema for %s: %w", ref.ScoutID, err)
	}
	if err := steps.ApplySchema(db); err != nil {
		db.Close()
		return fmt.Errorf("engine: manager: apply steps schema for %s: %w", ref.ScoutID, err)
	}

	st := store.New(db)
	sr := steps.New(db)
	eng := New(ref.ScoutID, st, sr, m.fetcher, m.analyzer, m.notifier, m.cfg, m.log)

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.running[ref.ScoutID] = r
	m.mu.Unlock()

	go func() {
		defer close(r.done)
		defer db.Close()
		defer m.forget(ref.ScoutID)
		if err := eng.Run(runCtx); err != nil {
			m.log.ErrorContext(ctx, "engine: run ended", "scout_id", ref.ScoutID, "error", err)
		}
	}()
	return nil
}

func (m *Manager) forget(scoutID string) {
	m.mu.Lock()
	delete(m.running, scoutID)
	m.mu.Unlock()
}

// Terminate stops scoutID's engine if one is running and waits for its
// goroutine to exit. A no-op if the scout has no in-process engine, which
// makes delete idempotent regardless of whether the scout was ever spawned
// in this process.
func (m *Manager) Terminate(scoutID string) {
	m.mu.Lock()
	r, ok := m.running[scoutID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// ResumeAll spawns an engine for every ref whose scout is not expired and
// has no in-process engine yet — the startup half of "restart preserves
// outcomes": a process restart loses every in-memory goroutine, so this is
// how a scout created before the restart keeps polling afterward.
func (m *Manager) ResumeAll(ctx context.Context, refs []ScoutRef) {
	for _, ref := range refs {
		if m.IsRunning(ref.ScoutID) {
			continue
		}
		db, err := m.openDB(ref.DBPath)
		if err != nil {
			m.log.ErrorContext(ctx, "engine: manager: resume: open db", "scout_id", ref.ScoutID, "error", err)
			continue
		}
		if err := store.ApplySchema(db); err != nil {
			db.Close()
			m.log.ErrorContext(ctx, "engine: manager: resume: schema", "scout_id", ref.ScoutID, "error", err)
			continue
		}
		sc, err := store.New(db).GetConfig(ctx)
		db.Close()
		if err != nil {
			m.log.WarnContext(ctx, "engine: manager: resume: no config, skipping", "scout_id", ref.ScoutID, "error", err)
			continue
		}
		if !sc.ExpiresAt.IsZero() && !time.Now().Before(sc.ExpiresAt) {
			m.log.InfoContext(ctx, "engine: manager: resume: already expired, skipping", "scout_id", ref.ScoutID)
			continue
		}
		if err := m.Spawn(ctx, ref); err != nil {
			m.log.ErrorContext(ctx, "engine: manager: resume: spawn", "scout_id", ref.ScoutID, "error", err)
		}
	}
}
