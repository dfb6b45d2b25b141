package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"
)

const (
	webhookTimeout = 10 * time.Second
	runIDHeader    = "X-Npmretain-Run-Id"
	// statusBodyLimit caps how much of a rejected response ends up in the error.
	statusBodyLimit = 512
)

type webhookNotifier struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

func NewWebhook(endpoint string, headers map[string]string) (Notifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("config.url is required")
	}
	return &webhookNotifier{
		endpoint: endpoint,
		headers:  maps.Clone(headers),
		client:   &http.Client{Timeout: webhookTimeout},
	}, nil
}

// Notify POSTs the event as JSON.
func (w *webhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new webhook request: %w", err)
	}
	w.setHeaders(req, event.RunID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp)
}

// setHeaders applies the fixed headers, then the run id so receivers can
// dedupe redeliveries, then the configured headers, which win on conflict.
func (w *webhookNotifier) setHeaders(req *http.Request, runID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "npmretain")
	if runID != "" {
		req.Header.Set(runIDHeader, runID)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
}

// statusError returns nil for 2xx responses and otherwise an error carrying
// the status and the start of the response body.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, statusBodyLimit))
	if msg := strings.TrimSpace(string(snippet)); msg != "" {
		return fmt.Errorf("webhook rejected event: %s: %s", resp.Status, msg)
	}
	return fmt.Errorf("webhook rejected event: %s", resp.Status)
}
