// Package llmclient talks to an OpenAI-compatible chat completions endpoint
// and layers three narrow, single-purpose calls on top of the raw
// run(prompt) → string primitive: query extraction, change analysis, and
// semantic deduplication. Every parse of model output goes through jsonx
// and falls back to a named safe default on any parse failure, because
// model output is untrusted input, not a typed contract.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/navincodesalot/cf-ai-terascout/internal/jsonx"
)

// Client is a chat-style OpenAI-compatible collaborator.
type Client struct {
	endpoint  string
	model     string
	apiKey    string
	http      *http.Client
	sanitizer *bluemonday.Policy
}

// New creates a Client. endpoint is the base URL of an OpenAI-compatible
// server (e.g. "https://api.openai.com" or a local vLLM/Ollama instance);
// apiKey may be empty for endpoints that don't require one.
func New(endpoint, model, apiKey string) *Client {
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		model:     model,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: 45 * time.Second},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Run sends prompt as a single user message and returns the model's raw
// text response.
func (c *Client) Run(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	url := c.endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmclient: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llmclient: http %d from %s: %s", resp.StatusCode, url, string(errBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llmclient: no choices returned from %s", url)
	}
	return out.Choices[0].Message.Content, nil
}

// TimeWindow is a coarse recency classification for a scout's query.
type TimeWindow string

const (
	Window1Day   TimeWindow = "1d"
	Window7Days  TimeWindow = "7d"
	Window30Days TimeWindow = "30d"
	WindowNone   TimeWindow = "none"
)

// ExtractedQuery is the result of source discovery at scout creation.
type ExtractedQuery struct {
	Phrase string
	Window TimeWindow
}

// ExtractQuery derives a 2-7 word search phrase and a time-sensitivity
// window from a raw natural-language query. On any model or parse
// failure, the caller must fall back to the raw truncated query with a
// 7-day window; ExtractQuery reports that failure via a non-nil error
// rather than silently guessing.
func (c *Client) ExtractQuery(ctx context.Context, query string) (ExtractedQuery, error) {
	prompt := fmt.Sprintf(`Extract a short web search phrase (2 to 7 words) that best captures the news topic in this request, and classify how time-sensitive the request is.

Request: %q

Respond with only a JSON object of this exact shape, no other text:
{"phrase": "...", "window": "1d" | "7d" | "30d" | "none"}`, query)

	raw, err := c.Run(ctx, prompt)
	if err != nil {
		return ExtractedQuery{}, fmt.Errorf("llmclient: extract query: %w", err)
	}

	var parsed struct {
		Phrase string `json:"phrase"`
		Window string `json:"window"`
	}
	if err := jsonx.Decode(raw, &parsed); err != nil {
		return ExtractedQuery{}, fmt.Errorf("llmclient: parse extraction: %w", err)
	}
	phrase := strings.TrimSpace(parsed.Phrase)
	if phrase == "" {
		return ExtractedQuery{}, fmt.Errorf("llmclient: extraction returned empty phrase")
	}

	window := TimeWindow(parsed.Window)
	switch window {
	case Window1Day, Window7Days, Window30Days, WindowNone:
	default:
		window = Window7Days
	}
	return ExtractedQuery{Phrase: phrase, Window: window}, nil
}

// Article mirrors store.Article to avoid an import cycle between
// llmclient and store; the engine maps between the two.
type Article struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Analysis is the result of comparing two snapshots of a source.
type Analysis struct {
	IsEvent    bool
	TLDR       string
	Summary    string
	Highlights []string
	Articles   []Article
	IsBreaking bool
}

// safeAnalysis is what every caller falls back to when the model can't be
// trusted: no event, so nothing downstream fires.
var safeAnalysis = Analysis{IsEvent: false}

// AnalyzeChange asks whether the transition from oldText to newText for a
// source about query represents substantively new content. Malformed
// model output is treated as isEvent=false, per the engine's error
// handling policy for untrusted analyzer output.
func (c *Client) AnalyzeChange(ctx context.Context, query, oldText, newText string) Analysis {
	prompt := fmt.Sprintf(`A user is monitoring the web for: %q

Previous page content:
%s

Current page content:
%s

Decide whether the current content reveals a new, substantive news event relevant to the user's topic, as opposed to a re-render, ad rotation, or unrelated churn.

Respond with only a JSON object of this exact shape, no other text:
{
  "isEvent": true|false,
  "tldr": "<= 15 words, empty if isEvent is false",
  "summary": "2 to 4 sentences, empty if isEvent is false",
  "highlights": ["short phrase", ...] (0 to 5 items),
  "articles": [{"title": "...", "url": "...", "snippet": "...", "imageUrl": "..."}] (0 or more, imageUrl optional),
  "isBreaking": true|false
}`, query, truncateForPrompt(oldText), truncateForPrompt(newText))

	raw, err := c.Run(ctx, prompt)
	if err != nil {
		return safeAnalysis
	}

	var parsed struct {
		IsEvent    bool      `json:"isEvent"`
		TLDR       string    `json:"tldr"`
		Summary    string    `json:"summary"`
		Highlights []string  `json:"highlights"`
		Articles   []Article `json:"articles"`
		IsBreaking bool      `json:"isBreaking"`
	}
	if err := jsonx.Decode(raw, &parsed); err != nil {
		return safeAnalysis
	}
	if !parsed.IsEvent {
		return safeAnalysis
	}

	return Analysis{
		IsEvent:    true,
		TLDR:       c.sanitizer.Sanitize(strings.TrimSpace(parsed.TLDR)),
		Summary:    c.sanitizer.Sanitize(strings.TrimSpace(parsed.Summary)),
		Highlights: sanitizeAll(c.sanitizer, parsed.Highlights),
		Articles:   sanitizeArticles(c.sanitizer, parsed.Articles),
		IsBreaking: parsed.IsBreaking,
	}
}

// IsDuplicate checks summary against a window of recent event summaries
// for semantic (not literal) overlap. A model or parse failure returns
// false: the engine prefers an occasional false-positive notification
// over silently dropping a real event.
func (c *Client) IsDuplicate(ctx context.Context, summary string, recent []string) bool {
	if len(recent) == 0 {
		return false
	}

	var recentList strings.Builder
	for i, s := range recent {
		fmt.Fprintf(&recentList, "%d. %s\n", i+1, s)
	}

	prompt := fmt.Sprintf(`Does the new summary describe the same underlying story as any of the recent summaries below, even if worded differently?

New summary: %q

Recent summaries:
%s

Respond with only a JSON object of this exact shape, no other text:
{"isDuplicate": true|false}`, summary, recentList.String())

	raw, err := c.Run(ctx, prompt)
	if err != nil {
		return false
	}

	var parsed struct {
		IsDuplicate bool `json:"isDuplicate"`
	}
	if err := jsonx.Decode(raw, &parsed); err != nil {
		return false
	}
	return parsed.IsDuplicate
}

const maxPromptChars = 2500

func truncateForPrompt(s string) string {
	if len(s) <= maxPromptChars {
		return s
	}
	return s[:maxPromptChars]
}

func sanitizeAll(p *bluemonday.Policy, in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(p.Sanitize(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sanitizeArticles(p *bluemonday.Policy, in []Article) []Article {
	out := make([]Article, 0, len(in))
	for _, a := range in {
		out = append(out, Article{
			Title:    strings.TrimSpace(p.Sanitize(a.Title)),
			URL:      strings.TrimSpace(a.URL),
			Snippet:  strings.TrimSpace(p.Sanitize(a.Snippet)),
			ImageURL: strings.TrimSpace(a.ImageURL),
		})
	}
	return out
}
