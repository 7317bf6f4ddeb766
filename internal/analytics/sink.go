// Package analytics forwards business events to the analytics pipeline.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/soundleaf/offline_sync/internal/logctx"
)

// Sink receives named events with free-form properties.
type Sink interface {
	Track(ctx context.Context, event string, properties map[string]any) error
}

// SlogSink writes events to the context logger. Used as the default sink and
// in tests.
type SlogSink struct{}

func (SlogSink) Track(ctx context.Context, event string, properties map[string]any) error {
	logctx.LoggerFromContext(ctx).Info("analytics event", "event", event, "properties", properties)

	return nil
}

// WebhookSink posts events as JSON to an HTTP collector endpoint.
type WebhookSink struct {
	URL string
}

func (w *WebhookSink) Track(ctx context.Context, event string, properties map[string]any) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]any{"event": event, "properties": properties}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
