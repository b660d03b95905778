package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// SubscriptionsFileName is the push subscription file inside the
// agentrelay directory.
const SubscriptionsFileName = "push-subscriptions.json"

// Subscription is one browser push endpoint, as delivered by the
// PushManager subscribe call.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s Subscription) normalize() Subscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

// Validate checks the fields a push gateway requires.
func (s Subscription) Validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time      `json:"updatedAt"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// SubscriptionStore persists push subscriptions as a JSON file with
// whole-file atomic rewrites.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

func (s *SubscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, len(data.Subscriptions))
	copy(out, data.Subscriptions)
	return out, nil
}

func (s *SubscriptionStore) Count() (int, error) {
	subs, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// Upsert inserts or replaces a subscription keyed by endpoint.
func (s *SubscriptionStore) Upsert(sub Subscription) error {
	sub = sub.normalize()
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

// Remove deletes a subscription by endpoint. Unknown endpoints are a
// no-op.
func (s *SubscriptionStore) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readLocked()
	if err != nil {
		return err
	}

	filtered := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	data.Subscriptions = filtered
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &subscriptionFile{Subscriptions: []Subscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data subscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []Subscription{}
	}
	return &data, nil
}

func (s *SubscriptionStore) writeLocked(data *subscriptionFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}

// pushSender abstracts the web-push gateway call for tests.
type pushSender interface {
	send(payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (v *vapidSender) send(payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      v.subject,
		VAPIDPublicKey:  v.publicKey,
		VAPIDPrivateKey: v.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// pushMessage is the JSON payload the service worker unpacks.
type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Session   string `json:"session,omitempty"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PushChannel sends web-push notifications to every stored subscription.
// Gone endpoints (410/404 from the gateway) are pruned from the store.
type PushChannel struct {
	store  *SubscriptionStore
	sender pushSender
}

// NewPushChannel wires a push channel over VAPID keys. Returns nil when
// keys are absent so callers can skip registration.
func NewPushChannel(store *SubscriptionStore, subject, publicKey, privateKey string) *PushChannel {
	publicKey = strings.TrimSpace(publicKey)
	privateKey = strings.TrimSpace(privateKey)
	if publicKey == "" || privateKey == "" {
		return nil
	}
	if strings.TrimSpace(subject) == "" {
		subject = "mailto:agentrelay@localhost"
	}
	return &PushChannel{
		store:  store,
		sender: &vapidSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
	}
}

func (c *PushChannel) Name() string { return "push" }

// Store exposes the subscription store for the web subscribe handler.
func (c *PushChannel) Store() *SubscriptionStore { return c.store }

func (c *PushChannel) Send(ctx context.Context, n Notification) error {
	subs, err := c.store.List()
	if err != nil {
		return fmt.Errorf("push: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	title := fmt.Sprintf("agentrelay: %s completed", n.Project)
	if n.Type == TypeWaiting {
		title = fmt.Sprintf("agentrelay: %s waiting for input", n.Project)
	}
	body := n.Meta.AssistantResponse
	if body == "" {
		body = n.Message
	}
	payload, err := json.Marshal(pushMessage{
		Title:     title,
		Body:      truncate(body, 500),
		Tag:       fmt.Sprintf("agentrelay-%s-%s", n.Meta.TmuxSession, n.Type),
		Session:   n.Meta.TmuxSession,
		Type:      string(n.Type),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}

	var lastErr error
	sent := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := c.sender.send(payload, sub)
		if err == nil {
			sent++
			continue
		}
		lastErr = err
		log.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("error", err.Error()))
		if status == http.StatusGone || status == http.StatusNotFound {
			_ = c.store.Remove(sub.Endpoint)
		}
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("push: no subscriber reachable: %w", lastErr)
	}
	return nil
}

func endpointForLog(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
