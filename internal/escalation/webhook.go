package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxRetries            = 2
	userAgent             = "deploywatch-rca/v1"
)

// WebhookEnvelope is the JSON payload POSTed to webhook endpoints.
type WebhookEnvelope struct {
	Type          string       `json:"type"`
	SchemaVersion string       `json:"schemaVersion"`
	Timestamp     string       `json:"timestamp"`
	Data          Notification `json:"data"`
}

// WebhookChannel posts escalations to a generic HTTP endpoint (chat bridge, pager, ...).
type WebhookChannel struct {
	httpClient *http.Client
	url        string
	authToken  string
	minAction  models.EscalationAction
	backoff    time.Duration
}

// WebhookConfig holds the configuration for creating a WebhookChannel.
type WebhookConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	// MinAction is the least urgent action delivered; defaults to notify.
	MinAction models.EscalationAction
}

// NewWebhookChannel creates a WebhookChannel. Returns an error if the URL is invalid.
func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	minAction := cfg.MinAction
	if minAction.Rank() == 0 {
		minAction = models.EscalationNotify
	}
	return &WebhookChannel{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.URL,
		authToken:  cfg.AuthToken,
		minAction:  minAction,
		backoff:    time.Second,
	}, nil
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return "webhook" }

// Accepts implements Channel.
func (w *WebhookChannel) Accepts(action models.EscalationAction) bool {
	return action.Rank() >= w.minAction.Rank()
}

// Send implements Channel with retries on transient failures.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(WebhookEnvelope{
		Type:          "deploywatch.escalation",
		SchemaVersion: "1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          n,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries+1; attempt++ {
		if attempt > 0 {
			// Linear backoff.
			timer := time.NewTimer(time.Duration(attempt) * w.backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("webhook send failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return &sendError{err: err, retryable: ctx.Err() == nil}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &sendError{
		err:       fmt.Errorf("webhook returned HTTP %d", resp.StatusCode),
		retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
	}
}

// sendError wraps an error with a retryable flag.
type sendError struct {
	err       error
	retryable bool
}

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// isRetryable returns true if the error is a transient failure worth retrying.
func isRetryable(err error) bool {
	var se *sendError
	if errors.As(err, &se) {
		return se.retryable
	}
	return true
}
