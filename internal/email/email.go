// Package email sends notification emails through an HTTP JSON provider,
// with SSRF validation on the endpoint and the exponential retry policy
// the engine's email step requires.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/navincodesalot/cf-ai-terascout/internal/horosafe"
	"github.com/navincodesalot/cf-ai-terascout/internal/retry"
)

const (
	maxRetries     = 3
	baseBackoff    = 10 * time.Second
	requestTimeout = 20 * time.Second
)

// Sender delivers notification emails.
type Sender struct {
	endpoint    string
	apiKey      string
	http        *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// New creates a Sender posting to an HTTP JSON provider at endpoint.
func New(endpoint, apiKey string) *Sender {
	return &Sender{
		endpoint:    endpoint,
		apiKey:      apiKey,
		http:        &http.Client{Timeout: requestTimeout},
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Send delivers one email, retrying up to 3 times with exponential
// backoff starting at 10s on transient failure.
func (s *Sender) Send(ctx context.Context, from, to, subject, html string) error {
	if err := horosafe.ValidateURL(s.endpoint); err != nil {
		return fmt.Errorf("email: endpoint blocked: %w", err)
	}

	return retry.Exponential(ctx, s.maxRetries, s.baseBackoff, func(ctx context.Context) error {
		return s.attempt(ctx, from, to, subject, html)
	})
}

func (s *Sender) attempt(ctx context.Context, from, to, subject, html string) error {
	body, err := json.Marshal(sendRequest{From: from, To: to, Subject: subject, HTML: html})
	if err != nil {
		return fmt.Errorf("email: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("email: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("email: POST %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email: provider returned %d: %s", resp.StatusCode, string(errBody))
	}
	return nil
}
