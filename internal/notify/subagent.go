package notify

import (
	"strings"
	"sync"
)

// SubagentTracker buffers sub-task activity per session. Sub-agents go
// idle between steps constantly; surfacing each pause as a "waiting"
// notification is noise. Unless notifySubagents is set, waiting events
// for a session with buffered sub-activity are swallowed and the
// activity is folded into that session's next completed notification.
type SubagentTracker struct {
	notifySubagents bool

	mu       sync.Mutex
	activity map[string][]string
}

func NewSubagentTracker(notifySubagents bool) *SubagentTracker {
	return &SubagentTracker{
		notifySubagents: notifySubagents,
		activity:        make(map[string][]string),
	}
}

// Record buffers one line of sub-task activity for a session.
func (t *SubagentTracker) Record(sessionName, line string) {
	line = strings.TrimSpace(line)
	if sessionName == "" || line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activity[sessionName] = append(t.activity[sessionName], line)
}

// SuppressWaiting reports whether a waiting notification for this
// session should be swallowed.
func (t *SubagentTracker) SuppressWaiting(sessionName string) bool {
	if t.notifySubagents {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activity[sessionName]) > 0
}

// Drain returns the buffered activity for a session joined into one
// block and clears the buffer.
func (t *SubagentTracker) Drain(sessionName string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.activity[sessionName]
	if len(lines) == 0 {
		return ""
	}
	delete(t.activity, sessionName)
	return strings.Join(lines, "\n")
}

// HasActivity reports whether a session has buffered sub-activity.
func (t *SubagentTracker) HasActivity(sessionName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activity[sessionName]) > 0
}
