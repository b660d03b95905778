// Package bridge is the inbound core: it turns an external reply
// (CLI invocation, webhook) into a prompt delivered to the right
// session, and wires completion events back out to the notification
// dispatcher.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/mapstore"
	"agentrelay/internal/monitor"
	"agentrelay/internal/notify"
	"agentrelay/internal/tmux"
)

var log = logging.ForComponent(logging.CompBridge)

// Sentinel errors for callers that route failure text back to the
// originating channel.
var (
	// ErrSessionCreate wraps mapping resolution / session creation failures.
	ErrSessionCreate = errors.New("session create failed")

	// ErrInjection wraps prompt delivery failures. Not retried; the caller
	// surfaces it to the user.
	ErrInjection = errors.New("command injection failed")
)

// Terminal is the slice of tmux.Session the bridge drives. Separate
// from monitor.PaneReader so tests can fake prompt delivery without a
// real tmux server.
type Terminal interface {
	monitor.PaneReader
	Start(command string) error
	WaitForReady(detector *tmux.IdleDetector, timeout time.Duration) bool
	SendPrompt(text string) error
}

// InboundResult tells the caller which session handled the prompt.
type InboundResult struct {
	SessionName string
	WorkingDir  string
	IsNew       bool
}

// Options configures a Bridge.
type Options struct {
	// AssistantCommand launches the assistant in a fresh session.
	AssistantCommand string

	// ReadyTimeout bounds the wait for the assistant prompt after launch.
	// Soft: on expiry the prompt is sent anyway (default 45s).
	ReadyTimeout time.Duration

	// Detector decides when the assistant prompt is on screen.
	Detector *tmux.IdleDetector

	// NewTerminal builds a terminal handle for a session name. Defaults to
	// real tmux.
	NewTerminal func(name, workDir string) Terminal
}

func (o *Options) fill() {
	if o.AssistantCommand == "" {
		o.AssistantCommand = "claude"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 45 * time.Second
	}
	if o.Detector == nil {
		o.Detector = tmux.NewIdleDetector("")
	}
	if o.NewTerminal == nil {
		o.NewTerminal = func(name, workDir string) Terminal {
			return tmux.NewSession(name, workDir)
		}
	}
}

// Bridge connects the mapping store, the monitor registry, and the
// notification dispatcher.
type Bridge struct {
	store      *mapstore.Store
	registry   *monitor.Registry
	dispatcher *notify.Dispatcher
	opts       Options
}

func New(store *mapstore.Store, registry *monitor.Registry, dispatcher *notify.Dispatcher, opts Options) *Bridge {
	opts.fill()
	return &Bridge{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// HandleInbound resolves the thread to a session, launches the
// assistant when the session is fresh, injects the prompt, and starts
// (or rewinds) monitoring so the eventual completion is dispatched.
func (b *Bridge) HandleInbound(ctx context.Context, externalThreadID, promptText string) (InboundResult, error) {
	if tmux.SanitizePrompt(promptText) == "" {
		return InboundResult{}, fmt.Errorf("%w: empty prompt", ErrInjection)
	}

	res, err := b.store.GetOrCreate(externalThreadID)
	if err != nil {
		return InboundResult{}, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	out := InboundResult{SessionName: res.SessionName, WorkingDir: res.WorkingDir, IsNew: res.IsNew}

	term := b.opts.NewTerminal(res.SessionName, res.WorkingDir)

	if res.IsNew {
		if err := b.launchAssistant(term, res.SessionName); err != nil {
			// The mapping would resolve to a session the assistant never
			// started in; drop it so the next attempt recreates cleanly.
			_ = b.store.RemoveAndKill(externalThreadID)
			return out, err
		}
	}

	if err := term.SendPrompt(promptText); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInjection, res.SessionName, err)
	}

	cb := b.completionCallback(externalThreadID, res.SessionName, res.WorkingDir, promptText)
	if !b.registry.StartMonitoring(res.SessionName, term, cb) {
		// Already monitored: new task on an existing session rewinds the
		// cycle instead of starting a second poller.
		b.registry.ResetForNewTask(res.SessionName, cb)
	}

	log.Info("inbound_handled",
		slog.String("thread", externalThreadID),
		slog.String("session", res.SessionName),
		slog.Bool("new", res.IsNew))
	return out, nil
}

// launchAssistant sends the assistant command into the fresh shell
// session and waits for its prompt. The wait is soft: a slow start logs
// a warning and the prompt is injected anyway.
func (b *Bridge) launchAssistant(term Terminal, sessionName string) error {
	if err := term.SendPrompt(b.opts.AssistantCommand); err != nil {
		return fmt.Errorf("%w: launch assistant in %s: %v", ErrInjection, sessionName, err)
	}
	if !term.WaitForReady(b.opts.Detector, b.opts.ReadyTimeout) {
		log.Warn("assistant_ready_timeout",
			slog.String("session", sessionName),
			slog.String("timeout", b.opts.ReadyTimeout.String()))
	}
	return nil
}

// completionCallback builds the monitor callback that feeds the
// dispatcher for one task cycle.
func (b *Bridge) completionCallback(threadID, sessionName, workDir, promptText string) monitor.Callback {
	project := filepath.Base(workDir)
	if project == "." || project == "/" || project == "" {
		project = sessionName
	}

	return func(ev monitor.Event) {
		if ev.Ready {
			return
		}
		switch ev.Type {
		case monitor.EventTaskCompleted:
			n := notify.Notification{
				Type:    notify.TypeCompleted,
				Project: project,
				Meta: notify.Meta{
					UserQuestion:      ev.Snapshot.UserQuestion,
					AssistantResponse: ev.Snapshot.AssistantResponse,
					TmuxSession:       sessionName,
					FullTrace:         ev.Snapshot.FullTrace,
				},
			}
			if n.Meta.UserQuestion == "" {
				n.Meta.UserQuestion = promptText
			}
			b.dispatch(threadID, n)
		case monitor.EventWaitingForInput:
			b.dispatch(threadID, notify.Notification{
				Type:    notify.TypeWaiting,
				Project: project,
				Message: "The assistant is waiting for more input.",
				Meta: notify.Meta{
					UserQuestion: promptText,
					TmuxSession:  sessionName,
				},
			})
		}
	}
}

func (b *Bridge) dispatch(threadID string, n notify.Notification) {
	res := b.dispatcher.Notify(context.Background(), n)
	if !res.Success {
		log.Warn("dispatch_partial_failure",
			slog.String("thread", threadID),
			slog.String("session", n.Meta.TmuxSession),
			slog.String("type", string(n.Type)))
	}
}

// NotifyFailure routes a relay failure back toward the originating
// channel as an explicit message instead of a silent drop.
func (b *Bridge) NotifyFailure(threadID string, cause error) {
	b.dispatch(threadID, notify.Notification{
		Type:    notify.TypeWaiting,
		Project: threadID,
		Message: fmt.Sprintf("Relay failed: %v", cause),
	})
}

// Cleanup removes a thread's session end to end: monitoring stops, the
// tmux session is killed, the mapping is dropped.
func (b *Bridge) Cleanup(externalThreadID string) error {
	m := b.store.Get(externalThreadID)
	if m != nil {
		b.registry.StopMonitoring(m.SessionName)
	}
	return b.store.RemoveAndKill(externalThreadID)
}
