package tmux

import (
	"log/slog"
	"strings"
	"time"
)

// DefaultIdlePattern is the separator the assistant's terminal UI renders
// around its input prompt box. Its reappearance after output was produced
// is the idle signal. This is a rendering heuristic, not a protocol: if the
// assistant UI changes its chrome, override the pattern in config.
const DefaultIdlePattern = "───"

// IdleDetector decides whether captured pane content shows the assistant
// sitting at its input prompt. The matching rule is isolated here so it can
// be swapped or tested independently of any polling loop.
type IdleDetector struct {
	pattern string
}

// NewIdleDetector builds a detector for the given separator pattern.
// An empty pattern falls back to the default.
func NewIdleDetector(pattern string) *IdleDetector {
	if pattern == "" {
		pattern = DefaultIdlePattern
	}
	return &IdleDetector{pattern: pattern}
}

// Pattern returns the configured separator pattern.
func (d *IdleDetector) Pattern() string {
	return d.pattern
}

// DetectIdle reports whether the tail of the content shows the prompt box.
// Only the last lines are inspected: the separator also appears higher up
// in scrollback around earlier prompts.
func (d *IdleDetector) DetectIdle(content string) bool {
	if content == "" {
		return false
	}
	for _, line := range lastNLines(content, 8) {
		if strings.Contains(line, d.pattern) {
			return true
		}
	}
	return false
}

// HasPromptMarker checks for the assistant's input prompt ("> ") in the
// tail of the content. Used for ready detection at startup, where the
// separator alone is not enough (the startup banner draws boxes too).
func HasPromptMarker(content string) bool {
	for _, line := range lastNLines(content, 6) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "> ") || trimmed == ">" {
			return true
		}
	}
	return false
}

// lastNLines returns up to the last n lines of content, skipping trailing
// blank lines.
func lastNLines(content string, n int) []string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return lines[start:end]
}

// WaitForReady polls the pane until the assistant's input prompt appears.
// Returns false on timeout. Callers treat a timeout as a soft failure and
// proceed with a best-effort send rather than blocking the relay.
func (s *Session) WaitForReady(detector *IdleDetector, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	pollInterval := 500 * time.Millisecond
	attempts := 0

	for time.Now().Before(deadline) {
		attempts++
		content := s.Capture(0)
		if content != "" && (HasPromptMarker(content) || detector.DetectIdle(content)) {
			tmuxLog.Debug("ready_detected",
				slog.String("session", s.Name),
				slog.Int("attempts", attempts))
			return true
		}
		time.Sleep(pollInterval)
	}

	tmuxLog.Warn("ready_timeout",
		slog.String("session", s.Name),
		slog.Int("attempts", attempts))
	return false
}
