package ridelog

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/routelock/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ridelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	for _, table := range []string{"sessions", "transitions", "notifications"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.MigrateDown(Migrations()))
	version, _, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp(Migrations()))
	require.NoError(t, db.MigrateUp(Migrations()), "no change is not an error")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridelog.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.StartSession(1, 2, "ride", "route", time.Unix(100, 0))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	sessions, err := db.Sessions(0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	start := time.Unix(1700000000, 0).UTC()

	id, err := db.StartSession(7, 100, "Morning ride", "corridor", start)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	require.NoError(t, db.RecordTransition(id, "InGame", "OnRoute", "", start.Add(time.Second)))
	require.NoError(t, db.RecordTransition(id, "OnRoute", "Errored", "boom", start.Add(2*time.Second)))
	require.NoError(t, db.EndSession(id, "Errored", start.Add(3*time.Second)))
	require.Error(t, db.EndSession(id, "Errored", start.Add(4*time.Second)), "already ended")

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, uint64(7), s.RiderID)
	assert.Equal(t, uint64(100), s.ActivityID)
	assert.Equal(t, "Morning ride", s.ActivityName)
	assert.Equal(t, "corridor", s.Route)
	assert.True(t, s.StartedAt.Equal(start))
	require.NotNil(t, s.EndedAt)
	assert.True(t, s.EndedAt.Equal(start.Add(3*time.Second)))
	assert.Equal(t, "Errored", s.FinalState)

	transitions, err := db.Transitions(id)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "OnRoute", transitions[0].To)
	assert.Empty(t, transitions[0].Error)
	assert.Equal(t, "boom", transitions[1].Error)
}

func TestTransitionWithoutSession(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordTransition("", "NotInGame", "ConnectionError", "reset", time.Now()))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transitions WHERE session_id IS NULL`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestForeignKeyEnforced(t *testing.T) {
	db := openTestDB(t)
	err := db.RecordTransition("no-such-session", "A", "B", "", time.Now())
	assert.Error(t, err)
}

func TestRecordNotification(t *testing.T) {
	db := openTestDB(t)
	id, err := db.StartSession(1, 1, "", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, db.RecordNotification(id, "segment_changed", map[string]string{"segment": "seg-1"}, time.Now()))
	require.NoError(t, db.RecordNotification(id, "segment_changed", map[string]string{"segment": "seg-2"}, time.Now()))
	require.NoError(t, db.RecordNotification(id, "direction_changed", nil, time.Now()))

	require.Error(t, db.RecordNotification(id, "bad", func() {}, time.Now()), "unencodable payload")

	counts, err := db.NotificationCounts(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"segment_changed": 2, "direction_changed": 1}, counts)

	var payload string
	require.NoError(t, db.QueryRow(`SELECT payload FROM notifications WHERE kind = 'segment_changed' ORDER BY notification_id LIMIT 1`).Scan(&payload))
	assert.JSONEq(t, `{"segment":"seg-1"}`, payload)
}

func TestSessionsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)
	base := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		_, err := db.StartSession(1, uint64(i), "", "", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	sessions, err := db.Sessions(2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, uint64(2), sessions[0].ActivityID)
	assert.Equal(t, uint64(1), sessions[1].ActivityID)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	_, err := db.StartSession(3, 4, "ride", "", time.Now())
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	for _, tc := range []struct {
		target string
		want   int
	}{
		{"/debug/sessions", http.StatusOK},
		{"/debug/sessions?limit=1", http.StatusOK},
		{"/debug/sessions?limit=x", http.StatusBadRequest},
	} {
		t.Run(tc.target, func(t *testing.T) {
			assert.Equal(t, tc.want, testutil.ServeLocal(mux, tc.target).Code)
		})
	}
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "ridelog.db"))
	assert.Error(t, err)
}
