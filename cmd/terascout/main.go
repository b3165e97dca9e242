// Command terascout runs the scout control plane: an HTTP API (and,
// optionally, an MCP tool surface) for creating, inspecting, and deleting
// scouts, plus the in-process engine manager that runs each scout's polling
// loop and resumes any that were running when the process last exited.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/navincodesalot/cf-ai-terascout/internal/catalog"
	"github.com/navincodesalot/cf-ai-terascout/internal/config"
	"github.com/navincodesalot/cf-ai-terascout/internal/control"
	"github.com/navincodesalot/cf-ai-terascout/internal/dbopen"
	"github.com/navincodesalot/cf-ai-terascout/internal/email"
	"github.com/navincodesalot/cf-ai-terascout/internal/engine"
	"github.com/navincodesalot/cf-ai-terascout/internal/fetch"
	"github.com/navincodesalot/cf-ai-terascout/internal/idgen"
	"github.com/navincodesalot/cf-ai-terascout/internal/llmclient"
	terascoutmcp "github.com/navincodesalot/cf-ai-terascout/internal/mcp"
	_ "modernc.org/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	catalogDB, err := dbopen.Open(cfg.CatalogPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("catalog db", "error", err)
		os.Exit(1)
	}
	defer catalogDB.Close()
	if err := catalog.ApplySchema(catalogDB); err != nil {
		slog.Error("catalog schema", "error", err)
		os.Exit(1)
	}
	cat := catalog.New(catalogDB, cfg.DataDir)

	openDB := func(dbPath string) (*sql.DB, error) {
		return dbopen.Open(dbPath, dbopen.WithMkdirAll())
	}

	llm := llmclient.New(cfg.LLMEndpoint, cfg.LLMModel, cfg.LLMAPIKey)
	fetcher := fetch.New(fetch.Config{})
	mailer := email.New(cfg.EmailEndpoint, cfg.EmailAPIKey)

	engineCfg := engine.Config{
		MaxEmailsPerScoutPerDay: cfg.MaxEmailsPerScoutPerDay,
		PollInterval:            cfg.PollInterval,
		MaxCycles:               cfg.MaxCycles,
		MaxSnapshotTextLength:   cfg.MaxSnapshotTextLength,
		DedupeLookback:          cfg.DedupeLookback,
		EmailFrom:               cfg.EmailFrom,
		FetchMaxRetries:         cfg.FetchMaxRetries,
		FetchRetryInterval:      cfg.FetchRetryInterval,
	}
	manager := engine.NewManager(openDB, fetcher, llm, mailer, engineCfg, logger)

	svc := control.New(cat, manager, llm, idgen.New, openDB, control.Options{
		DefaultLifetimeHours: cfg.DefaultLifetimeHours,
		MaxLifetimeHours:     cfg.MaxLifetimeHours,
	}, logger)

	resumeScouts(ctx, cat, manager, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           control.Router(svc),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("terascout starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	if os.Getenv("MCP_STDIO") == "true" {
		go runMCPStdio(ctx, svc)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("terascout stopped")
}

// resumeScouts re-spawns the engine for every unexpired scout the catalog
// still knows about (see Manager.ResumeAll), so a process restart picks up
// exactly where it left off rather than orphaning in-flight scouts.
func resumeScouts(ctx context.Context, cat *catalog.Catalog, manager *engine.Manager, logger *slog.Logger) {
	entries, err := cat.List(ctx)
	if err != nil {
		logger.Error("resume scouts: list catalog", "error", err)
		return
	}
	refs := make([]engine.ScoutRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, engine.ScoutRef{ScoutID: e.ScoutID, DBPath: e.DBPath})
	}
	manager.ResumeAll(ctx, refs)
	logger.Info("resumed scouts", "count", len(refs))
}

// runMCPStdio exposes the same control.Service the HTTP API uses as an MCP
// tool surface over stdio, for local agent integrations. It is opt-in via
// MCP_STDIO since a process normally has exactly one stdio consumer.
func runMCPStdio(ctx context.Context, svc *control.Service) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "terascout", Version: "1.0.0"}, nil)
	terascoutmcp.Register(srv, svc)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		slog.Error("mcp stdio", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
