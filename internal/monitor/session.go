package monitor

import (
	"log/slog"
	"sync"
	"time"

	"agentrelay/internal/conversation"
)

// sessionMonitor is the single poller for one session. All transitions for
// a session happen on this goroutine, which is what makes them strictly
// ordered without further locking.
type sessionMonitor struct {
	registry *Registry
	name     string
	reader   PaneReader

	mu        sync.Mutex
	callback  Callback
	startedAt time.Time
	lastHash  string
	sawOutput bool
	done      bool // terminal state reached for this cycle

	stop     chan struct{}
	stopOnce sync.Once
}

func (m *sessionMonitor) shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// reset rewinds tracking for a new task cycle and attaches a new callback,
// replacing whatever was registered for the previous cycle. The current
// pane content seeds the baseline hash: an answer that finishes rendering
// before the first poll still differs from this snapshot and counts as
// output, instead of reading as idle-with-nothing-produced.
func (m *sessionMonitor) reset(cb Callback) {
	baseline := ""
	if content := m.reader.Capture(0); content != "" {
		baseline = hashContent(content)
	}

	m.mu.Lock()
	m.callback = cb
	m.startedAt = time.Now()
	m.lastHash = baseline
	m.sawOutput = false
	m.done = false
	m.mu.Unlock()
}

func (m *sessionMonitor) run() {
	ticker := time.NewTicker(m.registry.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll performs one capture-and-classify cycle. Capture failures are logged
// and skipped; intermittent failures must not kill the state machine.
func (m *sessionMonitor) poll() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	startedAt := m.startedAt
	m.mu.Unlock()

	state, ok := m.registry.State(m.name)
	if !ok {
		return
	}

	content := m.reader.Capture(0)
	if content == "" {
		monLog.Debug("poll_capture_empty", slog.String("session", m.name))
		return
	}

	switch state {
	case StateStarting:
		m.pollStarting(content)
	case StateWorking:
		m.pollWorking(content, startedAt)
	}
}

// pollStarting waits for the assistant's ready pattern, then moves to
// working. Emits a soft waitingForInput marker that callers use to know the
// session came up; it carries no snapshot and triggers no notification.
func (m *sessionMonitor) pollStarting(content string) {
	detector := m.registry.opts.Detector
	if !detector.DetectIdle(content) {
		return
	}

	m.registry.transition(m.name, StateWorking)
	monLog.Info("session_ready", slog.String("session", m.name))

	m.emit(Event{
		Type:        EventWaitingForInput,
		SessionName: m.name,
		State:       StateWorking,
		Ready:       true,
		At:          time.Now(),
	})
}

// pollWorking tracks output and watches for the idle pattern's reappearance.
func (m *sessionMonitor) pollWorking(content string, startedAt time.Time) {
	h := hashContent(content)

	m.mu.Lock()
	first := m.lastHash == ""
	changed := !first && h != m.lastHash
	m.lastHash = h
	if changed {
		m.sawOutput = true
	}
	sawOutput := m.sawOutput
	m.mu.Unlock()

	// Idle signals inside the startup grace window are ignored: banner
	// chrome can resemble the prompt box.
	if time.Since(startedAt) < m.registry.opts.StartupGrace {
		return
	}

	if !m.registry.opts.Detector.DetectIdle(content) {
		return
	}

	if sawOutput {
		// Output was produced and the prompt box is back: debounce,
		// extract, and emit completion. The stabilization wait is the
		// debounce against the pattern matching mid-stream.
		m.finishWithSnapshot()
		return
	}

	if !first && !changed {
		// Idle with no output ever produced: the assistant wants input.
		m.finishCycle(StateWaiting)
	}
}

// finishWithSnapshot runs the stabilization wait, extracts the
// conversation, and emits taskCompleted. A stabilization timeout degrades
// soft: we proceed with whatever content is there.
func (m *sessionMonitor) finishWithSnapshot() {
	if !WaitForStable(m.reader, m.registry.opts.PollInterval, m.registry.opts.StabilizeTimeout) {
		monLog.Warn("completing_without_stable_buffer", slog.String("session", m.name))
	}

	full, err := m.reader.CaptureFullHistory()
	if err != nil || full == "" {
		full = m.reader.Capture(0)
	}
	snap := conversation.Extract(full)

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.mu.Unlock()

	m.registry.transition(m.name, StateCompleted)
	monLog.Info("task_completed",
		slog.String("session", m.name),
		slog.Int("response_len", len(snap.AssistantResponse)))

	m.emit(Event{
		Type:        EventTaskCompleted,
		SessionName: m.name,
		State:       StateCompleted,
		Snapshot:    snap,
		At:          time.Now(),
	})
	m.detach()
}

// finishCycle ends the cycle in a terminal state without a snapshot.
func (m *sessionMonitor) finishCycle(to State) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.mu.Unlock()

	m.registry.transition(m.name, to)
	monLog.Info("session_waiting", slog.String("session", m.name))

	m.emit(Event{
		Type:        EventWaitingForInput,
		SessionName: m.name,
		State:       to,
		At:          time.Now(),
	})
	m.detach()
}

func (m *sessionMonitor) emit(ev Event) {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// detach drops the callback once the cycle hit a terminal state, so a stale
// handler from this cycle can never fire into the next one.
func (m *sessionMonitor) detach() {
	m.mu.Lock()
	m.callback = nil
	m.mu.Unlock()
}
