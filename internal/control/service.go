// Package control implements the Scout Control Plane: the stateless
// business logic for creating, reading, and deleting scouts, exposed to
// both the HTTP API (httpapi.go) and the MCP tool surface
// (internal/mcp) through the same Service so the two transports never
// diverge in behavior.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/navincodesalot/cf-ai-terascout/internal/catalog"
	"github.com/navincodesalot/cf-ai-terascout/internal/engine"
	"github.com/navincodesalot/cf-ai-terascout/internal/idgen"
	"github.com/navincodesalot/cf-ai-terascout/internal/llmclient"
	"github.com/navincodesalot/cf-ai-terascout/internal/steps"
	"github.com/navincodesalot/cf-ai-terascout/internal/store"
)

const maxQueryChars = 500

// QueryExtractor derives a short search phrase and a recency window from a
// raw natural-language query. llmclient.Client satisfies this interface.
type QueryExtractor interface {
	ExtractQuery(ctx context.Context, query string) (llmclient.ExtractedQuery, error)
}

// ScoutManager spawns and terminates in-process scout engines.
// *engine.Manager satisfies this interface.
type ScoutManager interface {
	Spawn(ctx context.Context, ref engine.ScoutRef) error
	Terminate(scoutID string)
}

// Options bundles the create-time policy the service enforces.
type Options struct {
	DefaultLifetimeHours int
	MaxLifetimeHours     int
}

// Service is the shared business logic behind both the HTTP control plane
// and the MCP tool surface.
type Service struct {
	catalog   *catalog.Catalog
	manager   ScoutManager
	extractor QueryExtractor
	newID     idgen.Generator
	openDB    func(dbPath string) (*sql.DB, error)
	opts      Options
	log       *slog.Logger
}

// New creates a Service. openDB opens a scout's per-scout SQLite file,
// creating it if absent (ordinarily dbopen.Open(path, dbopen.WithMkdirAll())).
func New(cat *catalog.Catalog, manager ScoutManager, extractor QueryExtractor, newID idgen.Generator, openDB func(string) (*sql.DB, error), opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if newID == nil {
		newID = idgen.New
	}
	return &Service{catalog: cat, manager: manager, extractor: extractor, newID: newID, openDB: openDB, opts: opts, log: log}
}

// CreateScoutRequest is the validated input to CreateScout.
type CreateScoutRequest struct {
	Query     string
	Email     string
	ExpiresAt *time.Time
}

// CreateScoutResult is returned on successful creation.
type CreateScoutResult struct {
	ScoutID string `json:"scoutId"`
}

// CreateScout validates the request, runs source discovery, installs the
// scout's initial state, and spawns its engine.
func (s *Service) CreateScout(ctx context.Context, req CreateScoutRequest) (CreateScoutResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" || len(query) > maxQueryChars {
		return CreateScoutResult{}, fmt.Errorf("%w: query must be 1-%d characters", ErrValidation, maxQueryChars)
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		return CreateScoutResult{}, fmt.Errorf("%w: email must contain @", ErrValidation)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(s.opts.DefaultLifetimeHours) * time.Hour)
	if req.ExpiresAt != nil {
		want := req.ExpiresAt.UTC()
		if !want.After(now) {
			return CreateScoutResult{}, fmt.Errorf("%w: expiresAt must be in the future", ErrValidation)
		}
		if max := now.Add(time.Duration(s.opts.MaxLifetimeHours) * time.Hour); want.After(max) {
			return CreateScoutResult{}, fmt.Errorf("%w: expiresAt exceeds the maximum lifetime", ErrValidation)
		}
		expiresAt = want
	}

	extracted, err := s.extractor.ExtractQuery(ctx, query)
	if err != nil {
		s.log.WarnContext(ctx, "control: query extraction failed, falling back to raw query", "error", err)
		extracted = llmclient.ExtractedQuery{Phrase: truncateWords(query), Window: llmclient.Window7Days}
	}

	scoutID := s.newID()
	dbPath := s.catalog.PathFor(scoutID)

	sc := &store.Scout{
		ScoutID: scoutID,
		Query:   query,
		Email:   email,
		Source: store.Source{
			URL:      sourceURL(extracted.Phrase, extracted.Window),
			Label:    "Google News",
			Strategy: store.StrategyHTMLDiff,
		},
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	db, err := s.openDB(dbPath)
	if err != nil {
		return CreateScoutResult{}, fmt.Errorf("control: create scout: open db: %w", err)
	}
	if err := store.ApplySchema(db); err != nil {
		db.Close()
		return CreateScoutResult{}, fmt.Errorf("control: create scout: store schema: %w", err)
	}
	if err := steps.ApplySchema(db); err != nil {
		db.Close()
		return CreateScoutResult{}, fmt.Errorf("control: create scout: steps schema: %w", err)
	}
	if err := store.New(db).PutConfig(ctx, sc); err != nil {
		db.Close()
		return CreateScoutResult{}, fmt.Errorf("control: create scout: put config: %w", err)
	}
	db.Close()

	if err := s.catalog.Register(ctx, scoutID, dbPath); err != nil {
		return CreateScoutResult{}, fmt.Errorf("control: create scout: register: %w", err)
	}
	if err := s.manager.Spawn(ctx, engine.ScoutRef{ScoutID: scoutID, DBPath: dbPath}); err != nil {
		return CreateScoutResult{}, fmt.Errorf("control: create scout: spawn: %w", err)
	}

	return CreateScoutResult{ScoutID: scoutID}, nil
}

// GetScoutResult is the full read-model of a scout.
type GetScoutResult struct {
	Config *store.Scout   `json:"config"`
	Events []*store.Event `json:"events"`
}

// GetScout returns a scout's config and event log, or ErrNotFound.
func (s *Service) GetScout(ctx context.Context, scoutID string) (GetScoutResult, error) {
	entry, ok, err := s.catalog.Get(ctx, scoutID)
	if err != nil {
		return GetScoutResult{}, fmt.Errorf("control: get scout: %w", err)
	}
	if !ok {
		return GetScoutResult{}, ErrNotFound
	}

	db, err := s.openDB(entry.DBPath)
	if err != nil {
		return GetScoutResult{}, fmt.Errorf("control: get scout: open db: %w", err)
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		return GetScoutResult{}, fmt.Errorf("control: get scout: schema: %w", err)
	}

	st := store.New(db)
	cfg, err := st.GetConfig(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return GetScoutResult{}, ErrNotFound
		}
		return GetScoutResult{}, fmt.Errorf("control: get scout: config: %w", err)
	}
	events, err := st.ListEvents(ctx)
	if err != nil {
		return GetScoutResult{}, fmt.Errorf("control: get scout: events: %w", err)
	}
	return GetScoutResult{Config: cfg, Events: events}, nil
}

// DeleteScout terminates the scout's engine (a no-op if none is running),
// wipes its state store, and removes it from the catalog. It is idempotent
// and never returns an error to its caller — internal failures are logged,
// not surfaced, since the operation's contract is "this scoutId is now
// gone" regardless of whether it ever existed.
func (s *Service) DeleteScout(ctx context.Context, scoutID string) {
	s.manager.Terminate(scoutID)

	entry, ok, err := s.catalog.Get(ctx, scoutID)
	if err != nil {
		s.log.ErrorContext(ctx, "control: delete scout: catalog lookup", "scout_id", scoutID, "error", err)
		return
	}
	if !ok {
		return
	}

	if db, err := s.openDB(entry.DBPath); err != nil {
		s.log.ErrorContext(ctx, "control: delete scout: open db", "scout_id", scoutID, "error", err)
	} else {
		if err := store.ApplySchema(db); err != nil {
			s.log.ErrorContext(ctx, "control: delete scout: schema", "scout_id", scoutID, "error", err)
		} else if err := store.New(db).Wipe(ctx); err != nil {
			s.log.ErrorContext(ctx, "control: delete scout: wipe", "scout_id", scoutID, "error", err)
		}
		db.Close()
	}

	if err := s.catalog.Deregister(ctx, scoutID); err != nil {
		s.log.ErrorContext(ctx, "control: delete scout: deregister", "scout_id", scoutID, "error", err)
	}
}

// sourceURL builds the single search-results polling target from an
// extracted phrase and recency window.
func sourceURL(phrase string, window llmclient.TimeWindow) string {
	q := phrase
	if window != llmclient.WindowNone && window != "" {
		q = fmt.Sprintf("%s when:%s", phrase, window)
	}
	return "https://news.google.com/search?q=" + url.QueryEscape(q)
}

// truncateWords is the fallback extraction: the raw query, capped to a
// short phrase, used only when the language model call itself fails.
func truncateWords(query string) string {
	const maxFallbackChars = 80
	if len(query) <= maxFallbackChars {
		return query
	}
	return strings.TrimSpace(query[:maxFallbackChars])
}
