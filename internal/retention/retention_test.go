package retention

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/memory"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

var now = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (f *fakeDeleter) Delete(_ context.Context, key string) (storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	if f.fail[key] {
		return storage.Result{StatusCode: 503, Attempts: 3}, &storage.Error{Op: "delete", Key: key, StatusCode: 503, Attempts: 3, Kind: storage.ErrTransient, Err: errors.New("http 503")}
	}
	return storage.Result{StatusCode: 204, Attempts: 1}, nil
}

func record(id string, expiresAt *time.Time) models.ImageRecord {
	created := now.Add(-48 * time.Hour)
	return models.ImageRecord{
		ID:          id,
		ContentHash: "hash-" + id,
		SizeBytes:   10,
		MimeType:    "image/png",
		CreatedAt:   created,
		Derivatives: map[string]models.Derivative{
			"original": {StorageKey: models.StorageKey(created, id, "original", "png")},
			"thumb":    {StorageKey: models.StorageKey(created, id, "thumb", "png")},
		},
		ScheduledDeletionAt: expiresAt,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func seed(t *testing.T, store metastore.Store, recs ...models.ImageRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, store.PutNew(context.Background(), rec))
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	store := memory.New(2)
	seed(t, store,
		record("old1", ptr(now.Add(-time.Hour))),
		record("old2", ptr(now.Add(-time.Minute))),
		record("old3", ptr(now)),
		record("future", ptr(now.Add(time.Minute))),
		record("forever", nil),
	)
	objects := &fakeDeleter{}

	summary, err := NewSweeper(store, objects, zerolog.Nop()).WithClock(func() time.Time { return now }).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Checked)
	assert.Equal(t, 3, summary.Deleted)
	assert.Len(t, objects.deleted, 6)
	require.Len(t, summary.Outcomes, 3)
	assert.Equal(t, "old1", summary.Outcomes[0].RecordID)

	for _, id := range []string{"old1", "old2", "old3"} {
		_, err := store.Get(context.Background(), id)
		assert.ErrorIs(t, err, metastore.ErrNotFound, id)
	}
	for _, id := range []string{"future", "forever"} {
		_, err := store.Get(context.Background(), id)
		assert.NoError(t, err, id)
	}
}

func TestSweepDeletesRecordEvenWhenStorageFails(t *testing.T) {
	store := memory.New(10)
	rec := record("stuck", ptr(now.Add(-time.Hour)))
	seed(t, store, rec)
	thumbKey := rec.Derivatives["thumb"].StorageKey
	objects := &fakeDeleter{fail: map[string]bool{thumbKey: true}}

	summary, err := NewSweeper(store, objects, zerolog.Nop()).WithClock(func() time.Time { return now }).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.OK())
	assert.Equal(t, []string{thumbKey}, summary.FailedKeys)
	assert.Equal(t, 1, summary.Deleted)
	assert.Len(t, objects.deleted, 2, "every key is attempted")
	assert.True(t, summary.Outcomes[0].RecordDeleted)

	_, err = store.Get(context.Background(), "stuck")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := memory.New(10)
	seed(t, store, record("gone", ptr(now.Add(-time.Hour))))
	sweeper := NewSweeper(store, &fakeDeleter{}, zerolog.Nop()).WithClock(func() time.Time { return now })

	first, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Deleted)

	second, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Checked)
	assert.True(t, second.OK())
}

func TestSweepDryRun(t *testing.T) {
	store := memory.New(10)
	seed(t, store, record("old", ptr(now.Add(-time.Hour))))
	objects := &fakeDeleter{}

	summary, err := NewSweeper(store, objects, zerolog.Nop()).WithClock(func() time.Time { return now }).DryRun(true).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Zero(t, summary.Deleted)
	assert.Len(t, summary.Outcomes[0].Keys, 2)
	assert.Empty(t, objects.deleted)
	assert.Equal(t, 1, store.Len())
}

func TestSweepStopsOnCancel(t *testing.T) {
	store := memory.New(10)
	seed(t, store, record("a", ptr(now.Add(-time.Hour))), record("b", ptr(now.Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSweeper(store, &fakeDeleter{}, zerolog.Nop()).WithClock(func() time.Time { return now }).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, store.Len())
}

type fakeLister []storage.ObjectInfo

func (f fakeLister) List(context.Context, string) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		for _, obj := range f {
			if !yield(obj, nil) {
				return
			}
		}
	}
}

func TestReconcilerDeletesOrphans(t *testing.T) {
	store := memory.New(10)
	live := record("live", nil)
	seed(t, store, live)

	old := now.Add(-24 * time.Hour)
	created := now.Add(-48 * time.Hour)
	objects := fakeLister{
		{Key: live.Derivatives["original"].StorageKey, LastModified: old},
		{Key: live.Derivatives["thumb"].StorageKey, LastModified: old},
		{Key: models.StorageKey(created, "live", "stale", "png"), LastModified: old},
		{Key: models.StorageKey(created, "ghost", "original", "png"), LastModified: old},
		{Key: models.StorageKey(created, "ghost", "thumb", "png"), LastModified: old},
		{Key: models.StorageKey(now, "fresh", "original", "png"), LastModified: now.Add(-time.Minute)},
		{Key: "unrelated/readme.txt", LastModified: old},
	}
	deleter := &fakeDeleter{}

	summary, err := NewReconciler(store, objects, deleter, 6*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return now }).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Scanned)
	assert.Equal(t, 3, summary.Orphans)
	assert.Equal(t, 3, summary.Deleted)
	assert.ElementsMatch(t, []string{
		models.StorageKey(created, "live", "stale", "png"),
		models.StorageKey(created, "ghost", "original", "png"),
		models.StorageKey(created, "ghost", "thumb", "png"),
	}, deleter.deleted)
}
