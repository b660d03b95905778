package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"agentrelay/internal/config"
)

// SlackChannel posts notifications to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	client     *http.Client
}

func NewSlackChannel(cfg config.SlackSettings) *SlackChannel {
	return &SlackChannel{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n Notification) error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack: webhook_url is required")
	}

	payload := map[string]any{
		"text": renderText(n),
	}
	if c.channel != "" {
		payload["channel"] = c.channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack: webhook status %d", resp.StatusCode)
	}
	return nil
}
