package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"agentrelay/internal/config"
)

// EmailChannel sends notifications over SMTP. Replies to these mails are
// what feeds the relay command queue.
type EmailChannel struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       string

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg config.EmailSettings) *EmailChannel {
	return &EmailChannel{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       cfg.To,
		send:     smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if c.host == "" || c.from == "" || c.to == "" {
		return fmt.Errorf("email: smtp_host, from, and to are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port := c.port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", c.host, port)

	var auth smtp.Auth
	if c.username != "" {
		auth = smtp.PlainAuth("", c.username, c.password, c.host)
	}

	msg := buildMail(c.from, c.to, n)
	if err := c.send(addr, auth, c.from, []string{c.to}, msg); err != nil {
		return fmt.Errorf("email: smtp send: %w", err)
	}
	return nil
}

func buildMail(from, to string, n Notification) []byte {
	subject := fmt.Sprintf("[%s] task completed", n.Project)
	if n.Type == TypeWaiting {
		subject = fmt.Sprintf("[%s] waiting for input", n.Project)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(renderText(n))
	if n.Meta.TmuxSession != "" {
		fmt.Fprintf(&b, "\r\n\r\nSession: %s\r\n", n.Meta.TmuxSession)
	}
	return []byte(b.String())
}
