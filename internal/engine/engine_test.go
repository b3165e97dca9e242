package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/navincodesalot/cf-ai-terascout/internal/dbopen"
	"github.com/navincodesalot/cf-ai-terascout/internal/llmclient"
	"github.com/navincodesalot/cf-ai-terascout/internal/steps"
	"github.com/navincodesalot/cf-ai-terascout/internal/store"
	_ "modernc.org/sqlite"
)

type fakeFetcher struct {
	texts []string
	call  int
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.call >= len(f.texts) {
		return f.texts[len(f.texts)-1], nil
	}
	t := f.texts[f.call]
	f.call++
	return t, nil
}

type fakeAnalyzer struct {
	isEvent     bool
	summary     string
	tldr        string
	isDuplicate bool
}

func (a *fakeAnalyzer) AnalyzeChange(ctx context.Context, query, oldText, newText string) llmclient.Analysis {
	if oldText == newText {
		return llmclient.Analysis{IsEvent: false}
	}
	if !a.isEvent {
		return llmclient.Analysis{IsEvent: false}
	}
	return llmclient.Analysis{IsEvent: true, TLDR: a.tldr, Summary: a.summary}
}

func (a *fakeAnalyzer) IsDuplicate(ctx context.Context, summary string, recent []string) bool {
	return a.isDuplicate
}

type fakeNotifier struct {
	sent int
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, from, to, subject, html string) error {
	if n.err != nil {
		return n.err
	}
	n.sent++
	return nil
}

func testEngine(t *testing.T, fetcher Fetcher, analyzer Analyzer, notifier Notifier, cfg Config) (*Engine, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply store schema: %v", err)
	}
	if err := steps.ApplySchema(db); err != nil {
		t.Fatalf("apply steps schema: %v", err)
	}
	st := store.New(db)
	sr := steps.New(db)

	now := time.Now().UTC()
	sc := &store.Scout{
		ScoutID: "scout-1",
		Query:   "nvidia gpu drops",
		Email:   "u@e.com",
		Source: store.Source{
			URL:      "https://news.google.com/search?q=nvidia",
			Label:    "Google News",
			Strategy: store.StrategyHTMLDiff,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
	}
	if err := st.PutConfig(context.Background(), sc); err != nil {
		t.Fatalf("put config: %v", err)
	}

	if cfg.MaxCycles == 0 {
		cfg.MaxCycles = 200
	}
	if cfg.MaxEmailsPerScoutPerDay == 0 {
		cfg.MaxEmailsPerScoutPerDay = 10
	}
	if cfg.MaxSnapshotTextLength == 0 {
		cfg.MaxSnapshotTextLength = 5000
	}
	if cfg.DedupeLookback == 0 {
		cfg.DedupeLookback = 5
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.EmailFrom == "" {
		cfg.EmailFrom = "scout@terascout.local"
	}

	return New("scout-1", st, sr, fetcher, analyzer, notifier, cfg, nil), st
}

func TestEngine_BaselineCycleNeverEmitsEvent(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A"}}
	analyzer := &fakeAnalyzer{isEvent: true, summary: "should not fire"}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 1})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	events, err := st.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events on baseline cycle, got %d", len(events))
	}
	if notifier.sent != 0 {
		t.Errorf("expected no email on baseline cycle, sent %d", notifier.sent)
	}
}

func TestEngine_UnchangedTextNeverEmitsEvent(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A", "A"}}
	analyzer := &fakeAnalyzer{isEvent: true, summary: "should not fire"}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 2})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	events, _ := st.ListEvents(context.Background())
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestEngine_NewStoryProducesEventAndEmail(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A", "B"}}
	analyzer := &fakeAnalyzer{isEvent: true, tldr: "RTX 5090 in stock", summary: "RTX 5090 in stock"}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 2})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	events, err := st.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].Notified {
		t.Error("expected event to be marked notified")
	}
	if notifier.sent != 1 {
		t.Errorf("expected 1 email sent, got %d", notifier.sent)
	}
	count, err := st.GetEmailCount(context.Background())
	if err != nil {
		t.Fatalf("get email count: %v", err)
	}
	if count.Count != 1 {
		t.Errorf("expected counter 1, got %d", count.Count)
	}
}

func TestEngine_DuplicateSuppressesEvent(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A", "B", "B-prime"}}
	analyzer := &fakeAnalyzer{isEvent: true, summary: "RTX 5090 now available"}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 2})
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Third cycle: dedup now reports true.
	analyzer.isDuplicate = true
	e2, _ := testEngineResume(t, e, fetcher, analyzer, notifier)
	if err := e2.runOneMoreCycle(context.Background(), 2); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	events, err := st.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected duplicate suppressed, still 1 event, got %d", len(events))
	}
	if notifier.sent != 1 {
		t.Errorf("expected no additional email, sent %d", notifier.sent)
	}
}

// testEngineResume and runOneMoreCycle let a test drive a single extra cycle
// against the same engine instance without re-running Run's full loop.
func testEngineResume(t *testing.T, e *Engine, fetcher Fetcher, analyzer Analyzer, notifier Notifier) (*Engine, *store.Store) {
	t.Helper()
	return e, e.store
}

func (e *Engine) runOneMoreCycle(ctx context.Context, cycle int) error {
	_, err := e.runCycle(ctx, cycle)
	return err
}

func TestEngine_RateLimitRecordsEventWithoutEmail(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A"}}
	analyzer := &fakeAnalyzer{isEvent: true, summary: "x"}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 1, MaxEmailsPerScoutPerDay: 10})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := st.IncrementEmailCount(context.Background()); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	fetcher.texts = []string{"A", "eleventh"}
	fetcher.call = 1
	if err := e.runOneMoreCycle(context.Background(), 1); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}

	events, err := st.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, ev := range events {
		if !ev.Notified {
			found = true
		}
	}
	if !found {
		t.Error("expected an unnotified event once rate limit reached")
	}
	if notifier.sent != 0 {
		t.Errorf("expected no email once rate limit reached, sent %d", notifier.sent)
	}
}

func TestEngine_ExpirationStopsBeforeFetch(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A"}}
	analyzer := &fakeAnalyzer{}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 5})

	sc, err := st.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	sc.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := st.PutConfig(context.Background(), sc); err != nil {
		t.Fatalf("expire scout: %v", err)
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fetcher.call != 0 {
		t.Errorf("expected no fetch after expiration, fetch called %d times", fetcher.call)
	}
}

func TestEngine_FetchFailureRetainsSnapshotAndContinues(t *testing.T) {
	fetcher := &fakeFetcher{texts: []string{"A"}, err: errors.New("boom")}
	analyzer := &fakeAnalyzer{}
	notifier := &fakeNotifier{}
	e, st := testEngine(t, fetcher, analyzer, notifier, Config{MaxCycles: 1})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, err := st.GetSnapshot(context.Background(), "https://news.google.com/search?q=nvidia")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !snap.IsBaseline() {
		t.Error("expected snapshot to remain baseline after fetch failure")
	}
}

func TestEngine_RestartResumesWithoutReplayingSideEffects(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("store schema: %v", err)
	}
	if err := steps.ApplySchema(db); err != nil {
		t.Fatalf("steps schema: %v", err)
	}
	st := store.New(db)
	sr := steps.New(db)
	now := time.Now().UTC()
	sc := &store.Scout{
		ScoutID:   "scout-1",
		Query:     "q",
		Email:     "u@e.com",
		Source:    store.Source{URL: "https://example.com/s", Label: "L", Strategy: store.StrategyHTMLDiff},
		CreatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
	}
	if err := st.PutConfig(context.Background(), sc); err != nil {
		t.Fatalf("put config: %v", err)
	}

	fetcher := &fakeFetcher{texts: []string{"A", "B"}}
	analyzer := &fakeAnalyzer{isEvent: true, tldr: "t", summary: "s"}
	notifier := &fakeNotifier{}
	cfg := Config{MaxCycles: 2, MaxEmailsPerScoutPerDay: 10, MaxSnapshotTextLength: 5000, DedupeLookback: 5, PollInterval: time.Millisecond, EmailFrom: "scout@terascout.local"}

	e1 := New("scout-1", st, sr, fetcher, analyzer, notifier, cfg, nil)
	if _, err := e1.runCycle(context.Background(), 0); err != nil {
		t.Fatalf("cycle 0: %v", err)
	}

	// Simulate a restart: new Engine instance, same underlying database.
	e2 := New("scout-1", st, sr, fetcher, analyzer, notifier, cfg, nil)
	if _, err := e2.runCycle(context.Background(), 1); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}

	if notifier.sent != 1 {
		t.Errorf("expected exactly 1 email across the restart, got %d", notifier.sent)
	}
	events, err := st.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected exactly 1 event across the restart, got %d", len(events))
	}
}
