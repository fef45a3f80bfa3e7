package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookPoster posts chat messages to an incoming-webhook URL.
type WebhookPoster struct {
	url    string
	client *http.Client
}

// NewWebhookPoster returns a poster for url. A nil client gets a 10s timeout.
func NewWebhookPoster(url string, client *http.Client) *WebhookPoster {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookPoster{url: url, client: client}
}

type webhookPayload struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// Post sends text addressed to recipient.
func (p *WebhookPoster) Post(ctx context.Context, recipient, text string) error {
	body, err := json.Marshal(webhookPayload{Recipient: recipient, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: chat webhook: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: chat webhook returned %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}
