package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/models"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts StoreOptions) (*Store, *DB, *clockwork.FakeClock) {
	t.Helper()
	database, err := OpenMemory(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := clockwork.NewFakeClockAt(testEpoch)
	if opts.Clock == nil {
		opts.Clock = clock
	}
	store := NewStore(database, opts)
	t.Cleanup(func() { store.Close() })
	return store, database, clock
}

func newRecord(id string, createdAt time.Time) *models.InvoiceRecord {
	return models.NewInvoiceRecord(id, "Acme", []models.LineItem{
		{Description: "coffee", Quantity: 2, UnitPrice: 3.5, VATRate: 0.2},
	}, createdAt)
}

func TestStore_AppendAndGet(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	rec := newRecord("inv-1", testEpoch)
	require.NoError(t, store.Append(ctx, rec))

	got, err := store.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.False(t, got.Synced)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Nil(t, got.ServerID)
	assert.Equal(t, rec.Items, got.Items)
	assert.Equal(t, "Acme", got.CustomerName)
	assert.InDelta(t, 8.4, got.Total, 1e-9)
	assert.Equal(t, testEpoch.UnixMilli(), got.CreatedAt)
}

func TestStore_Append_rejects(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("dup", testEpoch)))
	err := store.Append(ctx, newRecord("dup", testEpoch))
	assert.True(t, errors.Is(err, errors.ErrDuplicate), "got %v", err)

	err = store.Append(ctx, models.NewInvoiceRecord("empty", "", nil, testEpoch))
	assert.True(t, errors.Is(err, errors.ErrValidation))

	synced := newRecord("synced", testEpoch)
	sid := "srv"
	synced.ServerID = &sid
	synced.Status = models.StatusStamped
	err = store.Append(ctx, synced)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	assert.True(t, errors.Is(store.Append(ctx, nil), errors.ErrInvalid))
}

func TestStore_Get_notFound(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStore_ListDue_orderAndFilter(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	// Inserted out of creation order.
	require.NoError(t, store.Append(ctx, newRecord("c", testEpoch.Add(3*time.Minute))))
	require.NoError(t, store.Append(ctx, newRecord("a", testEpoch.Add(1*time.Minute))))
	require.NoError(t, store.Append(ctx, newRecord("b", testEpoch.Add(2*time.Minute))))
	require.NoError(t, store.Append(ctx, newRecord("future", testEpoch)))
	require.NoError(t, store.Append(ctx, newRecord("failed", testEpoch)))
	require.NoError(t, store.Append(ctx, newRecord("done", testEpoch)))
	require.NoError(t, store.Append(ctx, newRecord("orphan", testEpoch.Add(4*time.Minute))))

	later := clock.Now().Add(time.Hour)
	require.NoError(t, store.SetRetryMetadata(ctx, "future", 1, &later))
	require.NoError(t, store.SetStatus(ctx, "failed", models.StatusFailed))
	require.NoError(t, store.MarkSynced(ctx, "done", "srv-done", models.StatusStamped))
	require.NoError(t, store.SetStatus(ctx, "orphan", models.StatusProcessing))

	due, err := store.ListDue(ctx, clock.Now())
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "orphan"}, ids)

	// Due exactly at the deadline.
	due, err = store.ListDue(ctx, later)
	require.NoError(t, err)
	assert.Len(t, due, 5)
	assert.Equal(t, "future", due[0].ID)
}

func TestStore_ListDue_tieBrokenByID(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("y", testEpoch)))
	require.NoError(t, store.Append(ctx, newRecord("x", testEpoch)))

	due, err := store.ListDue(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "x", due[0].ID)
	assert.Equal(t, "y", due[1].ID)
}

func TestStore_MarkSynced(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv", testEpoch)))
	next := clock.Now().Add(time.Minute)
	require.NoError(t, store.SetRetryMetadata(ctx, "inv", 3, &next))
	require.NoError(t, store.SetLastError(ctx, "inv", "503"))

	require.NoError(t, store.MarkSynced(ctx, "inv", "srv-1", models.StatusStamped))

	got, err := store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, models.StatusStamped, got.Status)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "srv-1", *got.ServerID)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Empty(t, got.LastError)
	assert.Equal(t, got.IsSynced(), got.Synced)

	// Synced records cannot carry retry metadata.
	err = store.SetRetryMetadata(ctx, "inv", 1, &next)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	err = store.SetStatus(ctx, "inv", models.StatusQueued)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestStore_MarkSynced_serverRejected(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv", testEpoch)))
	require.NoError(t, store.MarkSynced(ctx, "inv", "srv-9", models.StatusFailed))

	got, err := store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "srv-9", *got.ServerID)
	assert.Contains(t, got.LastError, string(errors.ErrRemoteRejected))
	assert.Equal(t, got.IsSynced(), got.Synced)
}

func TestStore_Requeue_clearsRejectedServerID(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv-1", testEpoch)))
	require.NoError(t, store.MarkSynced(ctx, "inv-1", "srv-9", models.StatusFailed))
	require.NoError(t, store.Requeue(ctx, "inv-1"))

	got, err := store.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Nil(t, got.ServerID)
	assert.False(t, got.Synced)
	assert.Equal(t, got.IsSynced(), got.Synced)

	due, err := store.ListDue(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "inv-1", due[0].ID)
}

func TestStore_MarkSynced_invalid(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	assert.True(t, errors.Is(store.MarkSynced(ctx, "x", "", models.StatusStamped), errors.ErrInvalid))
	assert.True(t, errors.Is(store.MarkSynced(ctx, "x", "s", models.StatusQueued), errors.ErrInvalid))
	assert.True(t, errors.Is(store.MarkSynced(ctx, "x", "s", models.StatusStamped), errors.ErrNotFound))
}

func TestStore_SetRetryMetadata(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv", testEpoch)))
	next := clock.Now().Add(2 * time.Minute)
	require.NoError(t, store.SetRetryMetadata(ctx, "inv", 2, &next))

	got, err := store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, next.UnixMilli(), *got.NextRetryAt)

	require.NoError(t, store.SetRetryMetadata(ctx, "inv", 3, nil))
	got, err = store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.NextRetryAt)

	assert.True(t, errors.Is(store.SetRetryMetadata(ctx, "inv", -1, nil), errors.ErrInvalid))
	assert.True(t, errors.Is(store.SetRetryMetadata(ctx, "missing", 1, nil), errors.ErrNotFound))
}

func TestStore_SetStatus_invalid(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	err := store.SetStatus(context.Background(), "x", "archived")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestStore_UpdatedAtUsesClock(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv", testEpoch)))
	clock.Advance(time.Hour)
	require.NoError(t, store.SetStatus(ctx, "inv", models.StatusProcessing))

	got, err := store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(time.Hour).UnixMilli(), got.UpdatedAt)
}

func TestStore_Requeue(t *testing.T) {
	store, _, clock := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("inv", testEpoch)))
	require.NoError(t, store.SetRetryMetadata(ctx, "inv", 5, nil))
	require.NoError(t, store.SetStatus(ctx, "inv", models.StatusFailed))

	require.NoError(t, store.Requeue(ctx, "inv"))
	got, err := store.Get(ctx, "inv")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 5, got.Attempts, "attempts are kept")
	assert.Nil(t, got.NextRetryAt)

	// A deferred record becomes due immediately.
	next := clock.Now().Add(time.Hour)
	require.NoError(t, store.SetRetryMetadata(ctx, "inv", 1, &next))
	require.NoError(t, store.Requeue(ctx, "inv"))
	due, err := store.ListDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, store.SetStatus(ctx, "inv", models.StatusProcessing))
	assert.True(t, errors.Is(store.Requeue(ctx, "inv"), errors.ErrSyncInProgress))

	require.NoError(t, store.MarkSynced(ctx, "inv", "srv", models.StatusStamped))
	assert.True(t, errors.Is(store.Requeue(ctx, "inv"), errors.ErrInvalid))

	assert.True(t, errors.Is(store.Requeue(ctx, "missing"), errors.ErrNotFound))
}

func TestStore_RecoverInterrupted(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, newRecord(fmt.Sprintf("inv-%d", i), testEpoch)))
	}
	require.NoError(t, store.SetStatus(ctx, "inv-0", models.StatusProcessing))
	require.NoError(t, store.SetStatus(ctx, "inv-1", models.StatusProcessing))

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	for _, r := range all {
		assert.Equal(t, models.StatusQueued, r.Status)
	}
}

func TestStore_PruneSynced(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newRecord("old-synced", testEpoch.Add(-40*24*time.Hour))))
	require.NoError(t, store.Append(ctx, newRecord("old-unsynced", testEpoch.Add(-40*24*time.Hour))))
	require.NoError(t, store.Append(ctx, newRecord("new-synced", testEpoch)))
	require.NoError(t, store.MarkSynced(ctx, "old-synced", "s1", models.StatusStamped))
	require.NoError(t, store.MarkSynced(ctx, "new-synced", "s2", models.StatusStamped))

	n, err := store.PruneSynced(ctx, testEpoch.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Get(ctx, "old-synced")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = store.Get(ctx, "old-unsynced")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "new-synced")
	assert.NoError(t, err)
}

func TestStore_Stats(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "f", "s"} {
		require.NoError(t, store.Append(ctx, newRecord(id, testEpoch)))
	}
	require.NoError(t, store.SetStatus(ctx, "f", models.StatusFailed))
	require.NoError(t, store.MarkSynced(ctx, "s", "srv", models.StatusStamped))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.Total)
	assert.EqualValues(t, 2, st.Queued)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Stamped)
	assert.EqualValues(t, 3, st.Unsynced)
	assert.Positive(t, st.SizeBytes)
	assert.NotEmpty(t, st.HumanSize())
}

func TestStore_Settings(t *testing.T) {
	store, _, _ := newTestStore(t, StoreOptions{})
	ctx := context.Background()

	_, ok, err := store.GetSetting(ctx, models.SettingDeviceID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetSetting(ctx, models.SettingDeviceID, "dev-1"))
	require.NoError(t, store.SetSetting(ctx, models.SettingDeviceID, "dev-2"))
	v, ok, err := store.GetSetting(ctx, models.SettingDeviceID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dev-2", v)

	require.NoError(t, store.DeleteSetting(ctx, models.SettingDeviceID))
	require.NoError(t, store.DeleteSetting(ctx, models.SettingDeviceID))
	_, ok, err = store.GetSetting(ctx, models.SettingDeviceID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, errors.Is(store.SetSetting(ctx, "", "v"), errors.ErrInvalid))
}

func TestStore_survivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	database, err := Open(dir, Options{})
	require.NoError(t, err)
	store := NewStore(database, StoreOptions{})
	require.NoError(t, store.Append(ctx, newRecord("persisted", testEpoch)))
	require.NoError(t, store.Close())
	require.NoError(t, database.Close())

	database, err = Open(dir, Options{})
	require.NoError(t, err)
	defer database.Close()
	store = NewStore(database, StoreOptions{})
	defer store.Close()

	got, err := store.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}
