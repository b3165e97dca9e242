// Package fetch retrieves a URL and reduces it to plain visible text: an
// honest User-Agent, redirect following with SSRF revalidation on every
// hop, a 429/Retry-After retry budget, and HTML-to-text extraction capped
// at a fixed size so downstream steps get a bounded, sanitized string
// rather than raw markup.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/navincodesalot/cf-ai-terascout/internal/horosafe"
)

const (
	maxTextBytes    = 10 * 1024 // 10 KB extracted visible text
	maxBodyBytes    = 5 * 1024 * 1024
	maxRetryBudget  = 60 * time.Second
	max429Attempts  = 3
	defaultUA       = "terascout/1.0 (+https://terascout.local; automated source monitor)"
	defaultTimeout  = 30 * time.Second
	maxRedirectHops = 5
)

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUA
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// Fetcher retrieves URLs and reduces them to plain text.
type Fetcher struct {
	client    *http.Client
	sanitizer *bluemonday.Policy
	converter *converter.Converter
	config    Config
}

// New creates a Fetcher with SSRF protection applied to every redirect hop.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirectHops {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
		sanitizer: bluemonday.StrictPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Fetch retrieves url and returns its visible text, truncated to 10 KB.
// A 429 response is retried honoring Retry-After (capped at 60s total
// extra wait), up to three extra attempts; any other non-2xx status is a
// transient error left to the caller's step-retry policy.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.config.URLValidator(url); err != nil {
		return "", fmt.Errorf("fetch: URL blocked: %w", err)
	}

	var budget time.Duration
	var lastErr error
	for attempt := 0; attempt <= max429Attempts; attempt++ {
		body, retryAfter, err := f.attempt(ctx, url)
		if err == nil {
			return f.extract(body, url), nil
		}
		if !errors.Is(err, errTooManyRequests) {
			return "", err
		}
		lastErr = err
		if attempt == max429Attempts {
			break
		}
		budget += retryAfter
		if budget > maxRetryBudget {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryAfter):
		}
	}
	return "", fmt.Errorf("fetch: exhausted 429 retries: %w", lastErr)
}

// errTooManyRequests marks a 429 response, the only failure Fetch retries.
var errTooManyRequests = errors.New("fetch: http 429")

// attempt performs one HTTP GET. When the response is 429, it returns
// errTooManyRequests together with the wait duration derived from
// Retry-After (defaulting to 5s; zero for "Retry-After: 0") so Fetch knows
// to retry.
func (f *Fetcher) attempt(ctx context.Context, url string) (body []byte, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), errTooManyRequests
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("fetch: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: read body: %w", err)
	}
	return data, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 5 * time.Second
}

// extract converts HTML to plain text, sanitizes it, and truncates to
// maxTextBytes. Conversion failures fall back to the sanitized raw body.
func (f *Fetcher) extract(body []byte, sourceURL string) string {
	md, err := f.converter.ConvertString(string(body), converter.WithDomain(sourceURL))
	text := md
	if err != nil || strings.TrimSpace(text) == "" {
		text = string(body)
	}
	text = f.sanitizer.Sanitize(text)
	text = strings.TrimSpace(text)
	if len(text) > maxTextBytes {
		text = text[:maxTextBytes]
	}
	return text
}
