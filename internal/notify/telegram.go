package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"agentrelay/internal/config"
)

const telegramMaxMessageLen = 4000

// TelegramChannel posts notifications via the Telegram bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client

	// apiBase is overridable for tests.
	apiBase string
}

func NewTelegramChannel(cfg config.TelegramSettings) *TelegramChannel {
	return &TelegramChannel{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{},
		apiBase:  "https://api.telegram.org",
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, n Notification) error {
	if c.botToken == "" || c.chatID == "" {
		return fmt.Errorf("telegram: bot_token and chat_id are required")
	}

	payload := map[string]any{
		"chat_id": c.chatID,
		"text":    truncate(renderText(n), telegramMaxMessageLen),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram: api status %d", resp.StatusCode)
	}
	return nil
}

// renderText builds the plain-text body shared by the chat channels.
func renderText(n Notification) string {
	var buf bytes.Buffer
	switch n.Type {
	case TypeWaiting:
		fmt.Fprintf(&buf, "[%s] waiting for input\n", n.Project)
	default:
		fmt.Fprintf(&buf, "[%s] task completed\n", n.Project)
	}
	if n.Meta.UserQuestion != "" {
		fmt.Fprintf(&buf, "\nQ: %s\n", n.Meta.UserQuestion)
	}
	if n.Meta.AssistantResponse != "" {
		fmt.Fprintf(&buf, "\n%s\n", n.Meta.AssistantResponse)
	}
	if n.Message != "" {
		fmt.Fprintf(&buf, "\n%s", n.Message)
	}
	return buf.String()
}

// truncate caps s at max bytes including the ellipsis, backing off to a
// rune boundary so the cut never produces invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
