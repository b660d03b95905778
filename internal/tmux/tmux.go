package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agentrelay/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when CapturePane exceeds its timeout.
// Callers should preserve previous state rather than treating the session
// as gone.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// SessionPrefix namespaces every session this process creates.
const SessionPrefix = "relay_"

// contentCacheTTL bounds how stale a cached capture may be. Pollers run at
// 1s, so a 300ms TTL only dedupes concurrent callers, never a poll cycle.
const contentCacheTTL = 300 * time.Millisecond

// Session wraps a named tmux session. All operations shell out to the tmux
// binary; there is no persistent connection.
type Session struct {
	Name    string
	WorkDir string
	Created time.Time

	cacheMu      sync.RWMutex
	cacheContent string
	cacheTime    time.Time
	captureSf    singleflight.Group
}

// NewSession creates a Session handle. The tmux session itself is not
// created until Start is called.
func NewSession(name, workDir string) *Session {
	return &Session{
		Name:    name,
		WorkDir: workDir,
		Created: time.Now(),
	}
}

// IsTmuxAvailable checks if tmux is installed and accessible.
func IsTmuxAvailable() error {
	cmd := exec.Command("tmux", "-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// Start creates the tmux session in detached mode and launches command in it.
func (s *Session) Start(command string) error {
	s.invalidateCache()
	s.Created = time.Now()

	workDir := s.WorkDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}

	cmd := exec.Command("tmux", "new-session", "-d", "-s", s.Name, "-c", workDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create tmux session: %w (output: %s)", err, string(output))
	}

	// Large scrollback matters here: conversation extraction reads history,
	// and assistant output can be long. escape-time keeps sends snappy.
	_ = exec.Command("tmux",
		"set-option", "-t", s.Name, "history-limit", "10000", ";",
		"set-option", "-t", s.Name, "escape-time", "10", ";",
		"set-option", "-t", s.Name, "-q", "allow-passthrough", "on").Run()

	if command != "" {
		if err := s.SendPrompt(command); err != nil {
			return fmt.Errorf("failed to send startup command: %w", err)
		}
	}

	return nil
}

// Exists checks if the tmux session exists.
func (s *Session) Exists() bool {
	return SessionExists(s.Name)
}

// SessionExists reports whether a tmux session with the given name exists.
func SessionExists(name string) bool {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// Kill terminates the tmux session. Killing an already-dead session is not
// an error.
func (s *Session) Kill() error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "kill-session", "-t", s.Name)
	if err := cmd.Run(); err != nil {
		if !s.Exists() {
			return nil
		}
		return fmt.Errorf("failed to kill session %s: %w", s.Name, err)
	}
	return nil
}

// CapturePane returns the visible pane content. Concurrent callers within
// the cache TTL share a single tmux invocation via singleflight.
func (s *Session) CapturePane() (string, error) {
	s.cacheMu.RLock()
	if s.cacheContent != "" && time.Since(s.cacheTime) < contentCacheTTL {
		content := s.cacheContent
		s.cacheMu.RUnlock()
		return content, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.captureSf.Do("capture", func() (interface{}, error) {
		s.cacheMu.RLock()
		if s.cacheContent != "" && time.Since(s.cacheTime) < contentCacheTTL {
			content := s.cacheContent
			s.cacheMu.RUnlock()
			return content, nil
		}
		s.cacheMu.RUnlock()

		// -J joins wrapped lines so hashes don't change on resize
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", s.Name, "-p", "-J")
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("failed to capture pane: %w", err)
		}

		content := string(output)
		s.cacheMu.Lock()
		s.cacheContent = content
		s.cacheTime = time.Now()
		s.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Capture returns up to maxLines of scrollback plus the visible pane.
// A failed capture (session vanished, tmux gone) yields an empty string,
// not an error: session teardown races with polling are expected and the
// callers treat no content as a normal condition.
func (s *Session) Capture(maxLines int) string {
	if maxLines <= 0 {
		content, err := s.CapturePane()
		if err != nil {
			tmuxLog.Debug("capture_failed",
				slog.String("session", s.Name),
				slog.String("error", err.Error()))
			return ""
		}
		return content
	}

	cmd := exec.Command("tmux", "capture-pane", "-t", s.Name, "-p", "-J",
		"-S", "-"+strconv.Itoa(maxLines))
	output, err := cmd.Output()
	if err != nil {
		tmuxLog.Debug("capture_failed",
			slog.String("session", s.Name),
			slog.String("error", err.Error()))
		return ""
	}
	return string(output)
}

// CaptureFullHistory captures the scrollback history, limited to the last
// 2000 lines. Long assistant conversations fit comfortably in that window.
func (s *Session) CaptureFullHistory() (string, error) {
	cmd := exec.Command("tmux", "capture-pane", "-t", s.Name, "-p", "-J", "-S", "-2000")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to capture history: %w", err)
	}
	return string(output), nil
}

// SendKeys transmits literal text to the session. The -l flag makes tmux
// treat the string as literal text, not key names, and -- stops option
// parsing so leading dashes in the text survive.
func (s *Session) SendKeys(keys string) error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-l", "-t", s.Name, "--", keys)
	return cmd.Run()
}

// SendEnter sends an Enter key to the session.
func (s *Session) SendEnter() error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-t", s.Name, "Enter")
	return cmd.Run()
}

// SendCtrlC sends Ctrl+C (interrupt) to the session.
func (s *Session) SendCtrlC() error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-t", s.Name, "C-c")
	return cmd.Run()
}

func (s *Session) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheContent = ""
	s.cacheTime = time.Time{}
	s.cacheMu.Unlock()
}

// GetWorkDir returns the live working directory of the pane, which may
// differ from the WorkDir the session was created with.
func (s *Session) GetWorkDir() string {
	if !s.Exists() {
		return ""
	}
	cmd := exec.Command("tmux", "display-message", "-t", s.Name, "-p", "#{pane_current_path}")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func runTmux(args ...string) error {
	return exec.Command("tmux", args...).Run()
}

// ListRelaySessions returns the names of all relay-managed tmux sessions.
func ListRelaySessions() ([]string, error) {
	cmd := exec.Command("tmux", "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// No server running means no sessions, not a failure
		if strings.Contains(err.Error(), "no server running") ||
			strings.Contains(err.Error(), "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
