package idempotency

import (
	"context"
	"testing"
	"time"

	glebarezSqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(glebarezSqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestBeginProceedsOnFirstCall(t *testing.T) {
	store := New(newTestDB(t))
	outcome, record, err := store.Begin(context.Background(), "POST /mandates", "key-1", Fingerprint([]byte(`{"a":1}`)))
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)
	require.Equal(t, "IN_FLIGHT", record.Status)
}

func TestBeginReplaysOnMatchingFingerprintAfterComplete(t *testing.T) {
	store := New(newTestDB(t))
	fp := Fingerprint([]byte(`{"a":1}`))

	_, _, err := store.Begin(context.Background(), "POST /mandates", "key-2", fp)
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "POST /mandates", "key-2", 201, []byte(`{"id":"m1"}`)))

	outcome, record, err := store.Begin(context.Background(), "POST /mandates", "key-2", fp)
	require.NoError(t, err)
	require.Equal(t, Replay, outcome)
	require.Equal(t, 201, record.StatusCode)
	require.Equal(t, []byte(`{"id":"m1"}`), record.ResponseBody)
}

func TestBeginConflictsOnMismatchedFingerprintAfterComplete(t *testing.T) {
	store := New(newTestDB(t))
	_, _, err := store.Begin(context.Background(), "POST /mandates", "key-3", Fingerprint([]byte(`{"a":1}`)))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "POST /mandates", "key-3", 201, []byte(`{}`)))

	_, _, err = store.Begin(context.Background(), "POST /mandates", "key-3", Fingerprint([]byte(`{"a":2}`)))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindIdempotencyConflict, apiErr.Kind)
}

func TestBeginConflictsOnConcurrentInFlight(t *testing.T) {
	store := New(newTestDB(t))
	fp := Fingerprint([]byte(`{"a":1}`))
	_, _, err := store.Begin(context.Background(), "POST /mandates", "key-4", fp)
	require.NoError(t, err)

	_, _, err = store.Begin(context.Background(), "POST /mandates", "key-4", fp)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInFlightConflict, apiErr.Kind)
}

func TestBeginTakesOverAbandonedInFlightPastTTL(t *testing.T) {
	store := New(newTestDB(t))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	store.SetClock(func() time.Time { return clock })

	fp := Fingerprint([]byte(`{"a":1}`))
	_, _, err := store.Begin(context.Background(), "POST /mandates", "key-5", fp)
	require.NoError(t, err)

	clock = start.Add(InFlightTTL + time.Second)
	outcome, record, err := store.Begin(context.Background(), "POST /mandates", "key-5", fp)
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)
	require.Equal(t, "IN_FLIGHT", record.Status)
}

func TestPurgeRemovesOnlyExpiredDoneRecords(t *testing.T) {
	store := New(newTestDB(t))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	store.SetClock(func() time.Time { return clock })

	_, _, err := store.Begin(context.Background(), "POST /mandates", "old-key", Fingerprint([]byte(`{}`)))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "POST /mandates", "old-key", 200, []byte(`{}`)))

	clock = start.Add(RetentionWindow + time.Hour)
	_, _, err = store.Begin(context.Background(), "POST /mandates", "new-key", Fingerprint([]byte(`{}`)))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "POST /mandates", "new-key", 200, []byte(`{}`)))

	purged, err := store.Purge(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}
