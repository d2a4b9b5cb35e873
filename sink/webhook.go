package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/strahe/assessor-sync/models"
)

// WebhookSink POSTs each batch of notifications as a JSON array.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSink() *WebhookSink {
	return &WebhookSink{
		headers: map[string]string{},
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Init(ctx context.Context, config map[string]any) error {
	s.url = stringOpt(config, "url", "")
	if s.url == "" {
		return models.NewConfigError("webhook sink requires url")
	}
	if h, ok := config["headers"].(map[string]any); ok {
		for k, v := range h {
			s.headers[k] = fmt.Sprint(v)
		}
	}
	if d := stringOpt(config, "timeout", ""); d != "" {
		timeout, err := time.ParseDuration(d)
		if err != nil {
			return models.NewConfigError("webhook timeout %q: %v", d, err)
		}
		s.client.Timeout = timeout
	}
	return nil
}

func (s *WebhookSink) Write(ctx context.Context, notes []models.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	body, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("failed to encode notifications: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) Flush(ctx context.Context) error { return nil }

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *WebhookSink) Type() string { return "webhook" }

var _ Sink = (*WebhookSink)(nil)
