package relayqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "relay-queue.json"))
}

func TestEnqueueAndList(t *testing.T) {
	q := newTestQueue(t)

	e1, err := q.Enqueue("run the tests")
	require.NoError(t, err)
	e2, err := q.Enqueue("deploy to staging")
	require.NoError(t, err)

	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, StatusPending, e1.Status)

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, "run the tests", list[0].Command)
	assert.Equal(t, "deploy to staging", list[1].Command)
}

func TestStatusLifecycle(t *testing.T) {
	q := newTestQueue(t)
	e, _ := q.Enqueue("cmd")

	require.NoError(t, q.SetStatus(e.ID, StatusExecuting))
	require.NoError(t, q.SetStatus(e.ID, StatusCompleted))

	got, ok := q.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal entries are frozen
	err := q.SetStatus(e.ID, StatusFailed)
	assert.Error(t, err)
}

func TestSetStatus_Validation(t *testing.T) {
	q := newTestQueue(t)
	e, _ := q.Enqueue("cmd")

	assert.Error(t, q.SetStatus(e.ID, "done"))
	assert.Error(t, q.SetStatus("missing-id", StatusExecuting))
}

func TestPending(t *testing.T) {
	q := newTestQueue(t)
	a, _ := q.Enqueue("a")
	b, _ := q.Enqueue("b")
	require.NoError(t, q.SetStatus(a.ID, StatusExecuting))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestPrune_AgeAndStatus(t *testing.T) {
	q := newTestQueue(t)

	oldDone, _ := q.Enqueue("old done")
	require.NoError(t, q.SetStatus(oldDone.ID, StatusCompleted))
	oldPending, _ := q.Enqueue("old pending")
	freshDone, _ := q.Enqueue("fresh done")
	require.NoError(t, q.SetStatus(freshDone.ID, StatusCancelled))

	// Backdate the old entries
	q.mu.Lock()
	past := time.Now().Add(-72 * time.Hour)
	for i := range q.entries {
		if q.entries[i].ID == oldDone.ID {
			q.entries[i].CompletedAt = &past
		}
		if q.entries[i].ID == oldPending.ID {
			q.entries[i].QueuedAt = past
		}
	}
	q.mu.Unlock()

	removed := q.Prune(48 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := q.Get(oldDone.ID)
	assert.False(t, ok, "old terminal entry pruned")
	_, ok = q.Get(oldPending.ID)
	assert.True(t, ok, "non-terminal entries survive regardless of age")
	_, ok = q.Get(freshDone.ID)
	assert.True(t, ok, "fresh terminal entries survive")
}

func TestPersistence_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-queue.json")

	q := Open(path)
	e, err := q.Enqueue("persisted")
	require.NoError(t, err)
	require.NoError(t, q.SetStatus(e.ID, StatusExecuting))

	q2 := Open(path)
	got, ok := q2.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Command)
	assert.Equal(t, StatusExecuting, got.Status)
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-queue.json")
	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o644))

	q := Open(path)
	assert.Empty(t, q.List())

	_, err := q.Enqueue("still works")
	require.NoError(t, err)
}
