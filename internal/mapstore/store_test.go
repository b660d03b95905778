package mapstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/tmux"
)

// fakeTerminals tracks created/killed sessions in memory.
type fakeTerminals struct {
	mu       sync.Mutex
	sessions map[string]bool
	killed   []string
	failNext bool
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{sessions: make(map[string]bool)}
}

func (f *fakeTerminals) SessionExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeTerminals) CreateSession(name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return os.ErrPermission
	}
	f.sessions[name] = true
	return nil
}

func (f *fakeTerminals) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeTerminals) kill(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

func newTestStore(t *testing.T) (*Store, *fakeTerminals) {
	t.Helper()
	terms := newFakeTerminals()
	path := filepath.Join(t.TempDir(), "thread-sessions.json")
	return New(path, terms, "/tmp/work"), terms
}

func TestGetOrCreate_SameIDSameSession(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.GetOrCreate("C042:1712.003")
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := store.GetOrCreate("C042:1712.003")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.SessionName, second.SessionName)
}

func TestGetOrCreate_StaleSessionRecreated(t *testing.T) {
	store, terms := newTestStore(t)

	first, err := store.GetOrCreate("chat-99")
	require.NoError(t, err)

	// Session dies out-of-band
	terms.kill(first.SessionName)

	second, err := store.GetOrCreate("chat-99")
	require.NoError(t, err)
	assert.True(t, second.IsNew, "stale mapping must be purged and recreated")
	assert.True(t, terms.SessionExists(second.SessionName))
}

func TestGet_NonCreating(t *testing.T) {
	store, terms := newTestStore(t)

	assert.Nil(t, store.Get("nothing"))

	res, err := store.GetOrCreate("thread-1")
	require.NoError(t, err)

	m := store.Get("thread-1")
	require.NotNil(t, m)
	assert.Equal(t, res.SessionName, m.SessionName)

	terms.kill(res.SessionName)
	assert.Nil(t, store.Get("thread-1"), "stale mapping purged on read")
	assert.Equal(t, 0, store.Len())
}

func TestCleanupIdle_AgeBuckets(t *testing.T) {
	store, terms := newTestStore(t)

	ages := map[string]time.Duration{
		"t-1h":   time.Hour,
		"t-23h":  23 * time.Hour,
		"t-25h":  25 * time.Hour,
		"t-100h": 100 * time.Hour,
	}
	for id, age := range ages {
		_, err := store.GetOrCreate(id)
		require.NoError(t, err)
		// Backdate the record
		store.mu.Lock()
		m := store.mappings[id]
		m.CreatedAt = time.Now().Add(-age)
		store.mappings[id] = m
		store.mu.Unlock()
	}

	purged := store.CleanupIdle(24 * time.Hour)
	assert.Equal(t, 2, purged)
	assert.NotNil(t, store.Get("t-1h"))
	assert.NotNil(t, store.Get("t-23h"))
	assert.Nil(t, store.Get("t-25h"))
	assert.Nil(t, store.Get("t-100h"))
	assert.Len(t, terms.killed, 2)
}

func TestCleanupStale(t *testing.T) {
	store, terms := newTestStore(t)

	a, _ := store.GetOrCreate("a")
	_, err := store.GetOrCreate("b")
	require.NoError(t, err)

	terms.kill(a.SessionName)

	assert.Equal(t, 1, store.CleanupStale())
	assert.Equal(t, 1, store.Len())
}

func TestStartJanitor_NonBlocking(t *testing.T) {
	store, terms := newTestStore(t)
	_, err := store.GetOrCreate("dead-thread")
	require.NoError(t, err)
	for name := range terms.sessions {
		terms.kill(name)
	}

	stop := make(chan struct{})
	defer close(stop)

	// StartJanitor spawns its own goroutine; the call itself returns
	// immediately and the first cleanup pass runs at boot.
	returned := make(chan struct{})
	go func() {
		store.StartJanitor(time.Hour, time.Hour, stop)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("StartJanitor blocked the caller")
	}

	deadline := time.After(2 * time.Second)
	for store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("boot cleanup pass never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	terms := newFakeTerminals()
	path := filepath.Join(t.TempDir(), "thread-sessions.json")

	store := New(path, terms, "/tmp/work")
	res, err := store.GetOrCreate("persisted-thread")
	require.NoError(t, err)

	// Fresh store instance reads the same mapping back
	store2 := New(path, terms, "/tmp/work")
	m := store2.Get("persisted-thread")
	require.NotNil(t, m)
	assert.Equal(t, res.SessionName, m.SessionName)
	assert.Equal(t, "/tmp/work", m.WorkingDir)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestPersistence_UnknownFieldsPreserved(t *testing.T) {
	terms := newFakeTerminals()
	terms.sessions["relay_existing_cafe0000"] = true
	path := filepath.Join(t.TempDir(), "thread-sessions.json")

	seed := `{
		"thread-x": {
			"sessionName": "relay_existing_cafe0000",
			"workingDir": "/srv",
			"createdAt": "2026-08-29T10:00:00Z",
			"labels": {"team": "infra"},
			"schemaHint": 3
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	store := New(path, terms, "/tmp/work")
	// Any mutation triggers a full rewrite
	_, err := store.GetOrCreate("another-thread")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	rec := out["thread-x"]
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"team": "infra"}`, string(rec["labels"]))
	assert.Equal(t, "3", string(rec["schemaHint"]))
	assert.JSONEq(t, `"relay_existing_cafe0000"`, string(rec["sessionName"]))
}

func TestLoad_CorruptFileStartsEmpty(t *testing.T) {
	terms := newFakeTerminals()
	path := filepath.Join(t.TempDir(), "thread-sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := New(path, terms, "/tmp/work")
	assert.Equal(t, 0, store.Len())

	// And the store still works after the bad load
	_, err := store.GetOrCreate("fresh")
	require.NoError(t, err)
}

func TestDeriveSessionName_Deterministic(t *testing.T) {
	a := DeriveSessionName("C042:1712.003")
	b := DeriveSessionName("C042:1712.003")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, tmux.SessionPrefix))
}

func TestDeriveSessionName_DistinctAfterSanitization(t *testing.T) {
	// These differ only in characters outside the allowed charset
	a := DeriveSessionName("chan:123.456")
	b := DeriveSessionName("chan.123:456")
	assert.NotEqual(t, a, b)
}

func TestDeriveSessionName_LengthCapAndCharset(t *testing.T) {
	name := DeriveSessionName(strings.Repeat("mail — message@example.com/", 20))
	assert.LessOrEqual(t, len(name), len(tmux.SessionPrefix)+32+1+8)
	for _, r := range strings.TrimPrefix(name, tmux.SessionPrefix) {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "bad rune %q in %q", r, name)
	}
}

func TestRemove(t *testing.T) {
	store, terms := newTestStore(t)
	res, _ := store.GetOrCreate("gone")

	require.NoError(t, store.RemoveAndKill("gone"))
	assert.Nil(t, store.Get("gone"))
	assert.Contains(t, terms.killed, res.SessionName)

	// Removing a missing mapping is fine
	require.NoError(t, store.Remove("never-existed"))
}

func TestGetOrCreate_CreateFailurePropagates(t *testing.T) {
	store, terms := newTestStore(t)
	terms.failNext = true

	_, err := store.GetOrCreate("doomed")
	require.Error(t, err)
	assert.Equal(t, 0, store.Len(), "failed creation must not persist a mapping")
}
