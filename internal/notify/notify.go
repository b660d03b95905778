// Package notify fans notification events out to the configured channels.
// Channels fail independently: one broken webhook never blocks the rest.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentrelay/internal/config"
	"agentrelay/internal/logging"
)

var log = logging.ForComponent(logging.CompNotif)

// Type classifies a notification event.
type Type string

const (
	// TypeCompleted fires when a task cycle reached its final state with
	// output to relay.
	TypeCompleted Type = "completed"

	// TypeWaiting fires when the assistant went idle without producing
	// output, i.e. it needs more input.
	TypeWaiting Type = "waiting"
)

// Meta carries the extracted conversation content for a notification.
type Meta struct {
	UserQuestion      string
	AssistantResponse string
	TmuxSession       string
	FullTrace         string
}

// Notification is the event handed to each channel. Channels own all
// platform-specific rendering and transport.
type Notification struct {
	Type    Type
	Project string
	Message string
	Meta    Meta
}

// Channel sends one notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// ChannelResult is the outcome for one channel in a dispatch.
type ChannelResult struct {
	Channel string
	OK      bool
	Err     error
}

// Result aggregates a full dispatch. Success means every channel
// succeeded; Suppressed means the event was swallowed by the subagent
// tracker and no channel was invoked.
type Result struct {
	Success    bool
	Suppressed bool
	PerChannel []ChannelResult
}

// DeliveryRecorder receives per-channel outcomes for audit. Satisfied by
// statedb.StateDB.
type DeliveryRecorder interface {
	RecordDelivery(sessionName, channel, notifType string, ok bool, errText string, at time.Time) error
}

// Dispatcher fans notifications out to its channels.
type Dispatcher struct {
	channels []Channel
	recorder DeliveryRecorder
	tracker  *SubagentTracker

	// sendTimeout bounds each channel's Send call.
	sendTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder attaches a delivery audit sink.
func WithRecorder(r DeliveryRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithSendTimeout overrides the per-channel send timeout.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = t }
}

// NewDispatcher builds a dispatcher over the given channels.
func NewDispatcher(channels []Channel, notifySubagents bool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels:    channels,
		tracker:     NewSubagentTracker(notifySubagents),
		sendTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FromConfig builds the enabled channels out of the config file.
func FromConfig(cfg *config.Config, opts ...Option) *Dispatcher {
	var channels []Channel
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, NewTelegramChannel(cfg.Channels.Telegram))
	}
	if cfg.Channels.Slack.Enabled {
		channels = append(channels, NewSlackChannel(cfg.Channels.Slack))
	}
	if cfg.Channels.Email.Enabled {
		channels = append(channels, NewEmailChannel(cfg.Channels.Email))
	}
	return NewDispatcher(channels, cfg.Channels.NotifySubagents, opts...)
}

// AddChannel registers a channel after construction. Used for the push
// channel, which needs the web layer's subscription store.
func (d *Dispatcher) AddChannel(c Channel) {
	d.channels = append(d.channels, c)
}

// Tracker exposes the subagent-activity tracker so monitoring code can
// record sub-task churn.
func (d *Dispatcher) Tracker() *SubagentTracker {
	return d.tracker
}

// Channels returns the registered channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify dispatches one event to every channel. Channels run
// concurrently; each failure is captured per channel and the rest
// proceed.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) Result {
	switch n.Type {
	case TypeWaiting:
		if d.tracker.SuppressWaiting(n.Meta.TmuxSession) {
			log.Debug("waiting_suppressed_subagent",
				slog.String("session", n.Meta.TmuxSession))
			return Result{Success: true, Suppressed: true}
		}
	case TypeCompleted:
		if folded := d.tracker.Drain(n.Meta.TmuxSession); folded != "" {
			n.Message = foldActivity(n.Message, folded)
		}
	}

	if len(d.channels) == 0 {
		log.Debug("notify_no_channels", slog.String("type", string(n.Type)))
		return Result{Success: true}
	}

	results := make([]ChannelResult, len(d.channels))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range d.channels {
		i, ch := i, ch
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, d.sendTimeout)
			defer cancel()
			err := ch.Send(sendCtx, n)

			mu.Lock()
			results[i] = ChannelResult{Channel: ch.Name(), OK: err == nil, Err: err}
			mu.Unlock()

			d.record(n, ch.Name(), err)
			if err != nil {
				log.Error("channel_send_failed",
					slog.String("channel", ch.Name()),
					slog.String("type", string(n.Type)),
					slog.String("session", n.Meta.TmuxSession),
					slog.String("error", err.Error()))
			}
			// Errors are reported per channel, never aborting siblings.
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Success: true, PerChannel: results}
	for _, r := range results {
		if !r.OK {
			res.Success = false
		}
	}
	return res
}

func (d *Dispatcher) record(n Notification, channel string, sendErr error) {
	if d.recorder == nil {
		return
	}
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}
	if err := d.recorder.RecordDelivery(n.Meta.TmuxSession, channel, string(n.Type), sendErr == nil, errText, time.Now()); err != nil {
		log.Warn("delivery_record_failed", slog.String("error", err.Error()))
	}
}

func foldActivity(message, activity string) string {
	if message == "" {
		return activity
	}
	return fmt.Sprintf("%s\n\nSub-task activity:\n%s", message, activity)
}
