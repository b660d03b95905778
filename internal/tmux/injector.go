package tmux

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Delays between injection steps. The assistant's input widget runs inside
// an async TUI framework; each step needs to land in its own PTY read or
// keys get swallowed (tmux 3.2+ wraps send-keys -l in bracketed paste).
const (
	injectStepDelay  = 150 * time.Millisecond
	injectChunkSize  = 4096
	injectChunkDelay = 50 * time.Millisecond
)

// SanitizePrompt prepares text for injection into the assistant's input box.
// Embedded newlines are collapsed to single spaces: a literal newline would
// flip the input widget into multi-line composition mode before the command
// is complete. Control characters are stripped for the same reason.
func SanitizePrompt(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// SendPrompt injects a command into the session's input box and executes it.
//
// Sequence: focus the pane, send the sanitized text literally, then send
// Enter twice with a pause between them. A single Enter can leave the
// assistant's input widget in multi-line composition mode for certain
// content; the second Enter after a delay deterministically flushes it back
// to single-shot execution. The double Enter is idempotent for content that
// executed on the first one; the second lands on an empty input line.
//
// Failures propagate: if the session vanished mid-send the caller decides
// whether to surface that to the user. There is no automatic retry.
func (s *Session) SendPrompt(text string) error {
	sanitized := SanitizePrompt(text)
	if sanitized == "" {
		return fmt.Errorf("empty prompt after sanitization")
	}

	// Focus the target pane so keys land in the right place when the
	// session has been split manually.
	_ = s.focusPane()

	if err := s.sendKeysChunked(sanitized); err != nil {
		return fmt.Errorf("send prompt text: %w", err)
	}

	time.Sleep(injectStepDelay)
	if err := s.SendEnter(); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}

	time.Sleep(injectStepDelay)
	if err := s.SendEnter(); err != nil {
		return fmt.Errorf("send second enter: %w", err)
	}

	tmuxLog.Debug("prompt_injected",
		slog.String("session", s.Name),
		slog.Int("length", len(sanitized)))
	return nil
}

// focusPane selects the session's first window and pane. Best effort; a
// session with a single pane doesn't need it.
func (s *Session) focusPane() error {
	return runTmux("select-window", "-t", s.Name+":0")
}

// sendKeysChunked sends large content in chunks to avoid tmux/OS buffer
// limits. Content at or under the chunk size is sent directly.
func (s *Session) sendKeysChunked(content string) error {
	if len(content) <= injectChunkSize {
		return s.SendKeys(content)
	}

	chunks := splitIntoChunks(content, injectChunkSize)
	for i, chunk := range chunks {
		if err := s.SendKeys(chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(injectChunkDelay)
		}
	}
	return nil
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring to split at space boundaries so words stay intact.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		cut := strings.LastIndex(remaining[:maxSize], " ")
		if cut <= 0 {
			cut = maxSize
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}
