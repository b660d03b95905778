package statedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())

	v, err := db.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestTransitionsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	base := time.Now().Add(-time.Minute)
	db.RecordTransition("relay_alpha", "", "starting", base)
	db.RecordTransition("relay_alpha", "starting", "working", base.Add(time.Second))
	db.RecordTransition("relay_alpha", "working", "completed", base.Add(5*time.Second))
	db.RecordTransition("relay_beta", "", "starting", base)

	got, err := db.SessionTransitions("relay_alpha")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "starting", got[0].ToState)
	assert.Equal(t, "working", got[1].ToState)
	assert.Equal(t, "completed", got[2].ToState)
	assert.Equal(t, "working", got[2].FromState)

	recent, err := db.RecentTransitions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "relay_beta", recent[0].SessionName)
}

func TestDeliveries(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	require.NoError(t, db.RecordDelivery("relay_alpha", "telegram", "taskCompleted", true, "", now))
	require.NoError(t, db.RecordDelivery("relay_alpha", "slack", "taskCompleted", false, "webhook returned 500", now))

	got, err := db.RecentDeliveries(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "slack", got[0].Channel)
	assert.False(t, got[0].OK)
	assert.Equal(t, "webhook returned 500", got[0].Error)
	assert.Equal(t, "telegram", got[1].Channel)
	assert.True(t, got[1].OK)
}

func TestPruneBefore(t *testing.T) {
	db := openTestDB(t)

	old := time.Now().Add(-72 * time.Hour)
	fresh := time.Now()
	db.RecordTransition("relay_old", "", "starting", old)
	db.RecordTransition("relay_new", "", "starting", fresh)
	require.NoError(t, db.RecordDelivery("relay_old", "email", "taskCompleted", true, "", old))

	require.NoError(t, db.PruneBefore(time.Now().Add(-48*time.Hour)))

	trs, err := db.RecentTransitions(10)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "relay_new", trs[0].SessionName)

	dels, err := db.RecentDeliveries(10)
	require.NoError(t, err)
	assert.Empty(t, dels)
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)

	v, err := db.GetMeta("missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, db.SetMeta("last_boot", "2026-08-30"))
	v, err = db.GetMeta("last_boot")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30", v)
}
