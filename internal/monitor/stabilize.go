package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// PaneReader is the slice of a tmux session the monitor needs. Capture
// returns empty content on failure; teardown races are expected and are
// not errors here.
type PaneReader interface {
	Capture(maxLines int) string
	CaptureFullHistory() (string, error)
	Exists() bool
}

// stableThreshold is how many consecutive unchanged snapshots count as
// stable. Terminal output arrives in bursts with rendering/flush delays; a
// single unchanged sample is not evidence of completion, two are a cheap
// debounce.
const stableThreshold = 2

// WaitForStable polls the pane until content stops changing for
// stableThreshold consecutive checks, or maxWait elapses. Returns false on
// timeout. Callers treat a timeout as soft degradation and proceed as if
// stable rather than blocking the pipeline.
func WaitForStable(reader PaneReader, interval, maxWait time.Duration) bool {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(maxWait)

	var lastHash string
	consecutive := 0
	var lastContent string

	for time.Now().Before(deadline) {
		content := reader.Capture(0)
		if content == "" {
			// Capture failure mid-poll: keep polling, don't reset the counter
			time.Sleep(interval)
			continue
		}
		lastContent = content

		h := hashContent(content)
		if h == lastHash {
			consecutive++
			if consecutive >= stableThreshold-1 {
				return true
			}
		} else {
			lastHash = h
			consecutive = 0
		}
		time.Sleep(interval)
	}

	monLog.Warn("stabilize_timeout",
		slog.Duration("max_wait", maxWait),
		slog.String("tail", contentTail(lastContent, 5)))
	return false
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// contentTail returns the last n lines for diagnostics.
func contentTail(content string, n int) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
