package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookAlerter posts events as JSON to a URL. 5xx and 429 responses are
// retried; other 4xx responses are not.
type WebhookAlerter struct {
	url        string
	headers    map[string]string
	client     *http.Client
	newBackOff func() backoff.BackOff
}

// NewWebhookAlerter creates a webhook alerter. headers are added to every
// request, after the defaults, so they may override Content-Type.
func NewWebhookAlerter(url string, headers map[string]string) *WebhookAlerter {
	return &WebhookAlerter{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 5 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

func (w *WebhookAlerter) Name() string {
	return "webhook"
}

func (w *WebhookAlerter) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "relgraph-alerter")
		req.Header.Set("X-Relgraph-Event", event.EventType)
		req.Header.Set("X-Relgraph-Severity", event.Severity)
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("sending webhook: %w", err)
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook %s returned status %d", event.EventType, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook %s rejected with status %d", event.EventType, resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(post, backoff.WithContext(w.newBackOff(), ctx))
}
