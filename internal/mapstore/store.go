// Package mapstore persists the mapping from external conversation threads
// (Slack channel+thread, Telegram chat, email message-id) to tmux session
// names. The backing store is a single flat JSON document, read fully at
// startup and rewritten atomically on every mutation. That is safe for one
// process; concurrent writers from other processes risk lost updates. The
// optional file watcher softens that by reloading after outside rewrites.
package mapstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/logging"
	"agentrelay/internal/tmux"
)

var storeLog = logging.ForComponent(logging.CompMapStore)

// StoreFileName is the mapping file inside the agentrelay directory.
const StoreFileName = "thread-sessions.json"

// Terminals abstracts the tmux operations the store needs, so staleness
// checks and session creation can be faked in tests.
type Terminals interface {
	SessionExists(name string) bool
	CreateSession(name, workDir string) error
	KillSession(name string) error
}

// TmuxTerminals is the real implementation backed by the tmux binary.
type TmuxTerminals struct{}

func (TmuxTerminals) SessionExists(name string) bool {
	return tmux.SessionExists(name)
}

func (TmuxTerminals) CreateSession(name, workDir string) error {
	return tmux.NewSession(name, workDir).Start("")
}

func (TmuxTerminals) KillSession(name string) error {
	return tmux.NewSession(name, "").Kill()
}

// Resolution is what GetOrCreate returns to the caller.
type Resolution struct {
	SessionName string
	WorkingDir  string
	IsNew       bool
}

// Store is the in-process mapping store. All operations are serialized
// through a single mutex; reads come from memory, every mutation rewrites
// the file.
type Store struct {
	path      string
	terminals Terminals
	workDir   string // working dir for newly created sessions

	mu       sync.Mutex
	mappings map[string]Mapping

	// saveHook runs after every successful file rewrite. The file
	// watcher registers itself here so it can tell our own renames
	// apart from another process's.
	saveHook func()
}

// New loads (or initializes) the store at path. An unreadable or corrupt
// file logs a warning and starts empty rather than failing the process.
func New(path string, terminals Terminals, workDir string) *Store {
	s := &Store{
		path:      path,
		terminals: terminals,
		workDir:   workDir,
		mappings:  make(map[string]Mapping),
	}
	s.load()
	return s
}

// DefaultPath returns the mapping file path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, StoreFileName)
}

// GetOrCreate resolves an external thread identifier to a live session,
// creating the session and the mapping when none exists. A mapping whose
// tmux session has died out-of-band is purged and recreated with a freshly
// derived name.
func (s *Store) GetOrCreate(externalID string) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.mappings[externalID]; ok {
		if s.terminals.SessionExists(m.SessionName) {
			return Resolution{SessionName: m.SessionName, WorkingDir: m.WorkingDir}, nil
		}
		// Stale: underlying session is gone. Purge and fall through.
		storeLog.Info("purging_stale_mapping",
			slog.String("external_id", externalID),
			slog.String("session", m.SessionName))
		delete(s.mappings, externalID)
		if err := s.saveLocked(); err != nil {
			storeLog.Warn("save_after_purge_failed", slog.String("error", err.Error()))
		}
	}

	name := DeriveSessionName(externalID)
	if err := s.terminals.CreateSession(name, s.workDir); err != nil {
		return Resolution{}, fmt.Errorf("create session for %s: %w", externalID, err)
	}

	s.mappings[externalID] = Mapping{
		SessionName: name,
		WorkingDir:  s.workDir,
		CreatedAt:   time.Now(),
	}
	if err := s.saveLocked(); err != nil {
		return Resolution{}, fmt.Errorf("persist mapping for %s: %w", externalID, err)
	}

	storeLog.Info("mapping_created",
		slog.String("external_id", externalID),
		slog.String("session", name))
	return Resolution{SessionName: name, WorkingDir: s.workDir, IsNew: true}, nil
}

// Get returns the mapping for an external identifier, or nil. Applies the
// same staleness check as GetOrCreate but never creates.
func (s *Store) Get(externalID string) *Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[externalID]
	if !ok {
		return nil
	}
	if !s.terminals.SessionExists(m.SessionName) {
		delete(s.mappings, externalID)
		if err := s.saveLocked(); err != nil {
			storeLog.Warn("save_after_purge_failed", slog.String("error", err.Error()))
		}
		return nil
	}
	out := m
	return &out
}

// Remove deletes a mapping. The caller is responsible for killing the
// underlying tmux session first (use RemoveAndKill for both).
func (s *Store) Remove(externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mappings[externalID]; !ok {
		return nil
	}
	delete(s.mappings, externalID)
	return s.saveLocked()
}

// RemoveAndKill kills the underlying session, then removes the mapping.
func (s *Store) RemoveAndKill(externalID string) error {
	s.mu.Lock()
	m, ok := s.mappings[externalID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.terminals.KillSession(m.SessionName); err != nil {
		storeLog.Warn("kill_session_failed",
			slog.String("session", m.SessionName),
			slog.String("error", err.Error()))
	}
	return s.Remove(externalID)
}

// CleanupStale purges every mapping whose tmux session no longer exists.
// Returns the number purged.
func (s *Store) CleanupStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, m := range s.mappings {
		if !s.terminals.SessionExists(m.SessionName) {
			delete(s.mappings, id)
			purged++
		}
	}
	if purged > 0 {
		if err := s.saveLocked(); err != nil {
			storeLog.Warn("save_after_cleanup_failed", slog.String("error", err.Error()))
		}
		storeLog.Info("stale_mappings_purged", slog.Int("count", purged))
	}
	return purged
}

// CleanupIdle purges (and kills) mappings older than maxAge. Returns the
// number purged. Age is measured from CreatedAt, which is set once and
// never mutated.
func (s *Store) CleanupIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var victims []string
	for id, m := range s.mappings {
		if m.CreatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		m := s.mappings[id]
		if err := s.terminals.KillSession(m.SessionName); err != nil {
			storeLog.Warn("idle_kill_failed",
				slog.String("session", m.SessionName),
				slog.String("error", err.Error()))
		}
		delete(s.mappings, id)
	}
	if len(victims) > 0 {
		if err := s.saveLocked(); err != nil {
			storeLog.Warn("save_after_cleanup_failed", slog.String("error", err.Error()))
		}
		storeLog.Info("idle_mappings_purged", slog.Int("count", len(victims)))
	}
	s.mu.Unlock()

	return len(victims)
}

// Len returns the number of live mappings (no staleness check).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

// All returns a copy of every mapping keyed by external identifier.
func (s *Store) All() map[string]Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Mapping, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out
}

// StartJanitor runs stale+idle cleanup on a fixed interval until stop is
// closed. An immediate first pass runs at boot.
func (s *Store) StartJanitor(interval, maxAge time.Duration, stop <-chan struct{}) {
	go func() {
		s.CleanupStale()
		s.CleanupIdle(maxAge)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.CleanupStale()
				s.CleanupIdle(maxAge)
			}
		}
	}()
}

// load reads the whole mapping file into memory. Missing file starts empty;
// corrupt file logs and starts empty.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			storeLog.Warn("mapping_file_unreadable",
				slog.String("path", s.path),
				slog.String("error", err.Error()))
		}
		return
	}

	var mappings map[string]Mapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		storeLog.Warn("mapping_file_corrupt",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return
	}
	if mappings != nil {
		s.mappings = mappings
	}
}

// Reload replaces the in-memory view from disk. Used by the file watcher
// when another process rewrites the store.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = make(map[string]Mapping)
	s.load()
}

// saveLocked rewrites the whole file through a temp file + rename so a
// crash mid-write can never leave a half-written document behind.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.mappings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if s.saveHook != nil {
		s.saveHook()
	}
	return nil
}

// setSaveHook registers fn to run after each successful rewrite.
func (s *Store) setSaveHook(fn func()) {
	s.mu.Lock()
	s.saveHook = fn
	s.mu.Unlock()
}

// sessionNameDisallowed matches everything outside the charset tmux
// session names tolerate without quoting trouble.
var sessionNameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DeriveSessionName deterministically maps an external thread identifier to
// a tmux session name: sanitize to the allowed charset, cap the length, and
// suffix with a short content hash of the full identifier so two ids that
// sanitize identically still get distinct names.
func DeriveSessionName(externalID string) string {
	sanitized := sessionNameDisallowed.ReplaceAllString(externalID, "_")
	sanitized = strings.Trim(sanitized, "_")
	if len(sanitized) > 32 {
		sanitized = sanitized[:32]
	}
	if sanitized == "" {
		sanitized = "thread"
	}

	sum := sha256.Sum256([]byte(externalID))
	suffix := hex.EncodeToString(sum[:4])

	return tmux.SessionPrefix + sanitized + "_" + suffix
}
