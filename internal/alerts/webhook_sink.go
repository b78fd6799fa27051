package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ncecere/metering_gateway/internal/config"
)

// WebhookSink posts notifications as JSON to fixed endpoints.
type WebhookSink struct {
	client     *http.Client
	urls       []string
	maxRetries int
}

func NewWebhookSink(urls []string, cfg config.WebhookConfig) Sink {
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: cfg.Timeout},
		urls:       clean,
		maxRetries: cfg.MaxRetries,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, msg Message) error {
	if s == nil {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range s.urls {
		if err := s.postWithRetries(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			if attempt == s.maxRetries {
				break
			}
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
