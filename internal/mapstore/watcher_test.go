package mapstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_OwnSavesMarked(t *testing.T) {
	store, _ := newTestStore(t)
	w, err := NewFileWatcher(store)
	require.NoError(t, err)
	defer w.Close()

	// Every store mutation must land inside the self-write window so
	// the watcher doesn't reload the file this process just wrote.
	_, err = store.GetOrCreate("thread-a")
	require.NoError(t, err)

	w.saveMu.RLock()
	lastSave := w.lastSave
	w.saveMu.RUnlock()
	require.False(t, lastSave.IsZero(), "save hook never fired")
	assert.Less(t, time.Since(lastSave), selfWriteIgnoreWindow)
}

func TestWatcher_ExternalRewriteReloaded(t *testing.T) {
	terms := newFakeTerminals()
	terms.sessions["relay_ext_cafe0000"] = true
	path := filepath.Join(t.TempDir(), "thread-sessions.json")

	store := New(path, terms, "/tmp/work")
	w, err := NewFileWatcher(store)
	require.NoError(t, err)
	defer w.Close()
	w.Start()

	// No local save happened, so the rewrite is seen as external.
	seed := `{
		"thread-ext": {
			"sessionName": "relay_ext_cafe0000",
			"workingDir": "/srv",
			"createdAt": "2026-08-29T10:00:00Z"
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	deadline := time.After(3 * time.Second)
	for store.Get("thread-ext") == nil {
		select {
		case <-deadline:
			t.Fatal("external rewrite never reloaded")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
