// Package relayqueue persists the email-relay command queue: commands
// accepted from an external channel that are pending, executing, or done.
// The status vocabulary is a contract with the CLI surface that consumes
// the file; entries only ever move forward to a terminal status.
package relayqueue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentrelay/internal/logging"
)

var queueLog = logging.ForComponent(logging.CompQueue)

// QueueFileName is the queue file inside the agentrelay directory.
const QueueFileName = "relay-queue.json"

// Status values for a queued command.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Entry is one queued relay command.
type Entry struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      string     `json:"status"`
	QueuedAt    time.Time  `json:"queuedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsTerminal reports whether the entry reached a final status.
func (e Entry) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type queueFile struct {
	Entries []Entry `json:"entries"`
}

// Queue is a file-backed command queue. Operations are serialized through
// one mutex; every mutation rewrites the file atomically.
type Queue struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

// Open loads (or initializes) the queue at path. An unreadable or corrupt
// file logs a warning and starts empty.
func Open(path string) *Queue {
	q := &Queue{path: path}
	q.load()
	return q
}

// DefaultPath returns the queue file path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, QueueFileName)
}

// Enqueue appends a pending command and returns its entry.
func (q *Queue) Enqueue(command string) (Entry, error) {
	entry := Entry{
		ID:       newEntryID(),
		Command:  command,
		Status:   StatusPending,
		QueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	if err := q.saveLocked(); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		return Entry{}, fmt.Errorf("persist queue entry: %w", err)
	}
	return entry, nil
}

// SetStatus advances an entry's status. Terminal statuses also stamp
// CompletedAt. Moving an already-terminal entry is rejected.
func (q *Queue) SetStatus(id, status string) error {
	switch status {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("unknown queue status %q", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID != id {
			continue
		}
		if q.entries[i].IsTerminal() {
			return fmt.Errorf("entry %s already %s", id, q.entries[i].Status)
		}
		q.entries[i].Status = status
		if (Entry{Status: status}).IsTerminal() {
			now := time.Now()
			q.entries[i].CompletedAt = &now
		}
		return q.saveLocked()
	}
	return fmt.Errorf("queue entry %s not found", id)
}

// Get returns an entry by id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns a copy of all entries in queue order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Pending returns entries still awaiting execution, oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out
}

// Prune removes terminal entries older than maxAge (by CompletedAt, or
// QueuedAt when the completion stamp is missing). Non-terminal entries are
// never pruned regardless of age. Returns the number removed.
func (q *Queue) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		ref := e.QueuedAt
		if e.CompletedAt != nil {
			ref = *e.CompletedAt
		}
		if e.IsTerminal() && ref.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept

	if removed > 0 {
		if err := q.saveLocked(); err != nil {
			queueLog.Warn("save_after_prune_failed", slog.String("error", err.Error()))
		}
		queueLog.Info("queue_pruned", slog.Int("removed", removed))
	}
	return removed
}

func (q *Queue) load() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			queueLog.Warn("queue_file_unreadable",
				slog.String("path", q.path),
				slog.String("error", err.Error()))
		}
		return
	}
	var f queueFile
	if err := json.Unmarshal(data, &f); err != nil {
		queueLog.Warn("queue_file_corrupt",
			slog.String("path", q.path),
			slog.String("error", err.Error()))
		return
	}
	q.entries = f.Entries
}

func (q *Queue) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(queueFile{Entries: q.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func newEntryID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("q%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
