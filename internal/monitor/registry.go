// Package monitor drives the per-session polling state machine. A session
// moves starting → working → (waiting|completed) within one task cycle;
// transitions are strictly ordered because each session has exactly one
// poller goroutine.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"agentrelay/internal/conversation"
	"agentrelay/internal/logging"
	"agentrelay/internal/tmux"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// State is the per-session lifecycle state for one task cycle.
type State string

const (
	StateStarting  State = "starting"
	StateWorking   State = "working"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
)

// EventType identifies a high-level monitor event.
type EventType string

const (
	// EventTaskCompleted fires when the assistant finished producing output
	// and the buffer stabilized. Carries the extracted snapshot.
	EventTaskCompleted EventType = "taskCompleted"

	// EventWaitingForInput fires when the assistant is idle without having
	// produced output: it needs more input. Also emitted (soft, Ready=true)
	// on the starting→working transition; that one carries no snapshot and
	// is not user-facing.
	EventWaitingForInput EventType = "waitingForInput"
)

// Event is delivered to the session's callback on state transitions.
type Event struct {
	Type        EventType
	SessionName string
	State       State
	Ready       bool // true for the soft starting→working marker
	Snapshot    conversation.Snapshot
	At          time.Time
}

// Callback handles monitor events. At most one is attached per session per
// task cycle; it is detached automatically when the cycle reaches a
// terminal state.
type Callback func(Event)

// TransitionSink receives every state transition, for audit/event history.
type TransitionSink interface {
	RecordTransition(sessionName string, from, to string, at time.Time)
}

// Options tunes the polling state machine.
type Options struct {
	// PollInterval between captures (default 1s).
	PollInterval time.Duration

	// StabilizeTimeout bounds the post-idle stabilization wait (default 10s).
	StabilizeTimeout time.Duration

	// StartupGrace is how long after monitoring starts idle signals are
	// distrusted. The startup banner renders chrome that resembles the
	// prompt box (default 5s).
	StartupGrace time.Duration

	// Detector decides whether captured content shows the idle prompt.
	Detector *tmux.IdleDetector

	// Sink, when non-nil, records every transition.
	Sink TransitionSink
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StabilizeTimeout <= 0 {
		o.StabilizeTimeout = 10 * time.Second
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = 5 * time.Second
	}
	if o.Detector == nil {
		o.Detector = tmux.NewIdleDetector("")
	}
}

// Registry owns every active session monitor. It replaces what would
// otherwise be package-level maps of monitors, callbacks, and states;
// construct one and pass it to anything that needs it.
type Registry struct {
	opts Options

	mu       sync.Mutex
	monitors map[string]*sessionMonitor
	states   map[string]State
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts.fill()
	return &Registry{
		opts:     opts,
		monitors: make(map[string]*sessionMonitor),
		states:   make(map[string]State),
	}
}

// StartMonitoring begins polling a session. If the session is already
// monitored this is a no-op (the existing poller keeps running and keeps
// its callback); there is never more than one poller per session name.
// Returns true if a new monitor was started.
func (r *Registry) StartMonitoring(sessionName string, reader PaneReader, cb Callback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.monitors[sessionName]; ok {
		monLog.Debug("monitor_already_running", slog.String("session", sessionName))
		return false
	}

	m := &sessionMonitor{
		registry:  r,
		name:      sessionName,
		reader:    reader,
		callback:  cb,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
	r.monitors[sessionName] = m
	r.setStateLocked(sessionName, StateStarting)

	go m.run()
	return true
}

// ResetForNewTask rewinds an existing monitor to the working state for a
// fresh task cycle (a new inbound message on a live session). The poller
// itself is reused; only tracking state and the callback are replaced.
// Returns false if the session is not monitored.
func (r *Registry) ResetForNewTask(sessionName string, cb Callback) bool {
	r.mu.Lock()
	m, ok := r.monitors[sessionName]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.setStateLocked(sessionName, StateWorking)
	r.mu.Unlock()

	m.reset(cb)
	return true
}

// StopMonitoring stops the poller and detaches the callback. In-flight
// results from the current poll are discarded; there is no mid-poll
// cancellation, a stop just prevents the next cycle.
func (r *Registry) StopMonitoring(sessionName string) {
	r.mu.Lock()
	m, ok := r.monitors[sessionName]
	if ok {
		delete(r.monitors, sessionName)
		delete(r.states, sessionName)
	}
	r.mu.Unlock()

	if ok {
		m.shutdown()
		monLog.Info("monitor_stopped", slog.String("session", sessionName))
	}
}

// State returns the current state for a session and whether it is monitored.
func (r *Registry) State(sessionName string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[sessionName]
	return s, ok
}

// Monitored returns the names of all monitored sessions.
func (r *Registry) Monitored() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		names = append(names, name)
	}
	return names
}

// StopAll stops every monitor. Called on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	monitors := make([]*sessionMonitor, 0, len(r.monitors))
	for name, m := range r.monitors {
		monitors = append(monitors, m)
		delete(r.monitors, name)
		delete(r.states, name)
	}
	r.mu.Unlock()

	for _, m := range monitors {
		m.shutdown()
	}
}

func (r *Registry) setStateLocked(sessionName string, to State) {
	from := r.states[sessionName]
	r.states[sessionName] = to
	if r.opts.Sink != nil && from != to {
		r.opts.Sink.RecordTransition(sessionName, string(from), string(to), time.Now())
	}
}

// transition updates the registry's state map from a poller goroutine.
func (r *Registry) transition(sessionName string, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.monitors[sessionName]; !ok {
		return // stopped while the poller was mid-cycle
	}
	r.setStateLocked(sessionName, to)
}
