// Package engine implements the Scout Engine: the durable, checkpointed
// polling loop that drives one scout from creation to termination. Every
// side-effectful call in a cycle runs inside a named step so a process
// restart replays no email, no analyzer call, and no store write it already
// completed.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/navincodesalot/cf-ai-terascout/internal/llmclient"
	"github.com/navincodesalot/cf-ai-terascout/internal/retry"
	"github.com/navincodesalot/cf-ai-terascout/internal/steps"
	"github.com/navincodesalot/cf-ai-terascout/internal/store"
)

// Fetcher retrieves a source URL and reduces it to plain text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Analyzer compares snapshots and screens candidate events for duplicates.
// llmclient.Client satisfies this interface directly.
type Analyzer interface {
	AnalyzeChange(ctx context.Context, query, oldText, newText string) llmclient.Analysis
	IsDuplicate(ctx context.Context, summary string, recent []string) bool
}

// Notifier delivers the notification email. email.Sender satisfies this.
type Notifier interface {
	Send(ctx context.Context, from, to, subject, html string) error
}

// Config bundles the engine's process-wide tunables (a projection of
// config.Config; the engine package does not import config to avoid a
// dependency edge back onto the whole process configuration surface).
type Config struct {
	MaxEmailsPerScoutPerDay int
	PollInterval            time.Duration
	MaxCycles               int
	MaxSnapshotTextLength   int
	DedupeLookback          int
	EmailFrom               string

	// FetchMaxRetries and FetchRetryInterval configure a linear backoff
	// retry on top of the fetcher's own internal 429/Retry-After handling.
	// Left at zero, retry.Linear makes a single attempt with no wait.
	FetchMaxRetries    int
	FetchRetryInterval time.Duration
}

// Engine drives one scout's polling loop against its own store and step
// runtime. One Engine instance corresponds to one running scout.
type Engine struct {
	scoutID  string
	store    *store.Store
	steps    *steps.Runner
	fetcher  Fetcher
	analyzer Analyzer
	notifier Notifier
	cfg      Config
	log      *slog.Logger
}

// New creates an Engine bound to a single scout's store and step runtime.
func New(scoutID string, st *store.Store, sr *steps.Runner, fetcher Fetcher, analyzer Analyzer, notifier Notifier, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		scoutID:  scoutID,
		store:    st,
		steps:    sr,
		fetcher:  fetcher,
		analyzer: analyzer,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Run executes cycles until expiration, the cycle cap is reached, or ctx is
// canceled (the mechanism by which delete terminates a running engine).
func (e *Engine) Run(ctx context.Context) error {
	for cycle := 0; cycle < e.cfg.MaxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTerminated, err)
		}
		done, err := e.runCycle(ctx, cycle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %v", ErrTerminated, ctxErr)
			}
			return fmt.Errorf("engine: scout %s cycle %d: %w", e.scoutID, cycle, err)
		}
		if done {
			return nil
		}
	}
	e.log.InfoContext(ctx, "engine: cycle cap reached", "scout_id", e.scoutID, "max_cycles", e.cfg.MaxCycles)
	return nil
}

// runCycle executes one cycle. The returned bool reports whether the engine
// should stop (expiration observed).
func (e *Engine) runCycle(ctx context.Context, cycle int) (bool, error) {
	cfg, err := steps.Do(ctx, e.steps, stepName("load-config", cycle), func(ctx context.Context) (*store.Scout, error) {
		return e.store.GetConfig(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}

	if !cfg.ExpiresAt.IsZero() && !time.Now().Before(cfg.ExpiresAt) {
		e.log.InfoContext(ctx, "engine: scout expired", "scout_id", e.scoutID, "cycle", cycle)
		return true, nil
	}

	emailCount, err := steps.Do(ctx, e.steps, stepName("email-count", cycle), func(ctx context.Context) (store.EmailCount, error) {
		return e.store.GetEmailCount(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("email count: %w", err)
	}
	canEmail := emailCount.Count < e.cfg.MaxEmailsPerScoutPerDay

	label := cfg.Source.Label
	if err := e.runSource(ctx, cycle, label, cfg, canEmail); err != nil {
		return false, err
	}

	if err := e.steps.Sleep(ctx, stepName("wait", cycle), e.cfg.PollInterval); err != nil {
		return false, fmt.Errorf("sleep: %w", err)
	}
	return false, nil
}

func (e *Engine) runSource(ctx context.Context, cycle int, label string, cfg *store.Scout, canEmail bool) error {
	text, err := steps.Do(ctx, e.steps, stepName("fetch", cycle, label), func(ctx context.Context) (string, error) {
		var text string
		err := retry.Linear(ctx, e.cfg.FetchMaxRetries, e.cfg.FetchRetryInterval, func(ctx context.Context) error {
			t, err := e.fetcher.Fetch(ctx, cfg.Source.URL)
			if err != nil {
				return err
			}
			text = t
			return nil
		})
		return text, err
	})
	if err != nil {
		e.log.WarnContext(ctx, "engine: fetch failed, skipping source", "scout_id", e.scoutID, "cycle", cycle, "source_url", cfg.Source.URL, "error", err)
		return nil
	}
	newHash := contentHash(text)

	prev, err := steps.Do(ctx, e.steps, stepName("snapshot", cycle, label), func(ctx context.Context) (*store.Snapshot, error) {
		return e.store.GetSnapshot(ctx, cfg.Source.URL)
	})
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	isBaseline := prev.IsBaseline()

	if _, err := steps.Do(ctx, e.steps, stepName("save-snapshot", cycle, label), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.PutSnapshot(ctx, cfg.Source.URL, newHash, text, e.cfg.MaxSnapshotTextLength)
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if isBaseline {
		return nil
	}

	analysis, err := steps.Do(ctx, e.steps, stepName("analyze", cycle, label), func(ctx context.Context) (llmclient.Analysis, error) {
		return e.analyzer.AnalyzeChange(ctx, cfg.Query, prev.Text, text), nil
	})
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if !analysis.IsEvent {
		return nil
	}

	dup, err := steps.Do(ctx, e.steps, stepName("dedupe", cycle, label), func(ctx context.Context) (bool, error) {
		recent, err := e.store.RecentSummaries(ctx, e.cfg.DedupeLookback)
		if err != nil {
			return false, fmt.Errorf("recent summaries: %w", err)
		}
		return e.analyzer.IsDuplicate(ctx, analysis.Summary, recent), nil
	})
	if err != nil {
		return fmt.Errorf("dedupe: %w", err)
	}
	if dup {
		return nil
	}

	eventID, err := steps.Do(ctx, e.steps, stepName("hash-event", cycle, label), func(ctx context.Context) (string, error) {
		return hashEvent(cfg.Source.URL, prev.ContentHash, newHash), nil
	})
	if err != nil {
		return fmt.Errorf("hash event: %w", err)
	}

	ev := &store.Event{
		EventID:     eventID,
		SourceURL:   cfg.Source.URL,
		SourceLabel: cfg.Source.Label,
		TLDR:        analysis.TLDR,
		Summary:     analysis.Summary,
		Highlights:  analysis.Highlights,
		Articles:    toStoreArticles(analysis.Articles),
		IsBreaking:  analysis.IsBreaking,
		DetectedAt:  time.Now().UTC(),
	}
	recorded, err := steps.Do(ctx, e.steps, stepName("record-event", cycle, label), func(ctx context.Context) (store.RecordResult, error) {
		return e.store.RecordEvent(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	if recorded.Inserted && canEmail {
		if _, err := steps.Do(ctx, e.steps, stepName("email", cycle, label), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.notifyAndCount(ctx, cfg.Email, ev)
		}); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return nil
}

// notifyAndCount sends the email and increments the counter as one unit, so
// the step's own memoization is the only guard against a crash between the
// two — a retried step re-runs both together, never one without the other.
func (e *Engine) notifyAndCount(ctx context.Context, to string, ev *store.Event) error {
	if err := e.notifier.Send(ctx, e.cfg.EmailFrom, to, ev.TLDR, ev.Summary); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if _, err := e.store.IncrementEmailCount(ctx); err != nil {
		return fmt.Errorf("increment count: %w", err)
	}
	if err := e.store.MarkNotified(ctx, ev.EventID); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func stepName(kind string, cycle int, parts ...string) string {
	name := fmt.Sprintf("%s-%d", kind, cycle)
	for _, p := range parts {
		name += "-" + p
	}
	return name
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func hashEvent(sourceURL, oldHash, newHash string) string {
	sum := sha256.Sum256([]byte(sourceURL + "|" + oldHash + "|" + newHash))
	return hex.EncodeToString(sum[:])
}

func toStoreArticles(in []llmclient.Article) []store.Article {
	out := make([]store.Article, 0, len(in))
	for _, a := range in {
		out = append(out, store.Article{Title: a.Title, URL: a.URL, Snippet: a.Snippet, ImageURL: a.ImageURL})
	}
	return out
}

// ErrTerminated is returned by Run when the engine's context is canceled
// externally (a scout delete) rather than reaching expiration or the cycle
// cap on its own.
var ErrTerminated = errors.New("engine: terminated")
