package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// HTTPWebhookSender posts submission payloads as JSON.
type HTTPWebhookSender struct {
	client *http.Client
}

// NewHTTPWebhookSender creates a webhook sender with a default timeout.
func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{client: &http.Client{Timeout: webhookTimeout}}
}

// SendWebhook posts the payload to the URL and treats any non-2xx status as a
// failure.
func (s *HTTPWebhookSender) SendWebhook(ctx context.Context, url string, payload map[string]any) error {
	if url == "" {
		return fmt.Errorf("webhook URL is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
