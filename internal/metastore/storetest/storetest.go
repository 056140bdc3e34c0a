// Package storetest holds the behavioural suite every metastore backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

// Opener returns an empty store configured with a page size of 2 so that
// paging is exercised.
type Opener func(t *testing.T) metastore.Store

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Opener) {
	t.Run("PutNewAndGet", func(t *testing.T) { testPutNewAndGet(t, open(t)) })
	t.Run("PutNewDuplicateID", func(t *testing.T) { testDuplicateID(t, open(t)) })
	t.Run("PutNewDuplicateContent", func(t *testing.T) { testDuplicateContent(t, open(t)) })
	t.Run("FindActiveByHash", func(t *testing.T) { testFindActiveByHash(t, open(t)) })
	t.Run("ListExpired", func(t *testing.T) { testListExpired(t, open(t)) })
	t.Run("ListExpiredWhileDeleting", func(t *testing.T) { testListExpiredWhileDeleting(t, open(t)) })
	t.Run("DeleteByID", func(t *testing.T) { testDeleteByID(t, open(t)) })
	t.Run("ConcurrentPutNew", func(t *testing.T) { testConcurrentPutNew(t, open(t)) })
}

// Record builds a complete record. A zero expiresIn means no scheduled
// deletion.
func Record(id, hash string, expiresIn time.Duration) models.ImageRecord {
	owner := "user-1"
	rec := models.ImageRecord{
		ID:               id,
		OwnerID:          &owner,
		ContentHash:      hash,
		OriginalFilename: id + ".png",
		MimeType:         "image/png",
		SizeBytes:        1234,
		Width:            640,
		Height:           480,
		Derivatives: map[string]models.Derivative{
			models.OriginalProfile: {
				StorageKey:  "2024/05/01/" + id + "_original.png",
				URL:         "https://cdn.example.com/2024/05/01/" + id + "_original.png",
				Width:       640,
				Height:      480,
				SizeBytes:   1234,
				ContentType: "image/png",
			},
			"thumb": {
				StorageKey:  "2024/05/01/" + id + "_thumb.png",
				URL:         "https://cdn.example.com/2024/05/01/" + id + "_thumb.png",
				Width:       150,
				Height:      113,
				SizeBytes:   321,
				ContentType: "image/png",
			},
		},
		CreatedAt: base,
		SourceIP:  "203.0.113.7",
	}
	if expiresIn != 0 {
		at := base.Add(expiresIn)
		rec.ScheduledDeletionAt = &at
	}
	return rec
}

func AssertSameRecord(t *testing.T, want, got models.ImageRecord) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.OwnerID, got.OwnerID)
	assert.Equal(t, want.ContentHash, got.ContentHash)
	assert.Equal(t, want.OriginalFilename, got.OriginalFilename)
	assert.Equal(t, want.MimeType, got.MimeType)
	assert.Equal(t, want.SizeBytes, got.SizeBytes)
	assert.Equal(t, want.Width, got.Width)
	assert.Equal(t, want.Height, got.Height)
	assert.Equal(t, want.Derivatives, got.Derivatives)
	assert.Equal(t, want.SourceIP, got.SourceIP)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	if want.ScheduledDeletionAt == nil {
		assert.Nil(t, got.ScheduledDeletionAt)
	} else if assert.NotNil(t, got.ScheduledDeletionAt) {
		assert.True(t, want.ScheduledDeletionAt.Equal(*got.ScheduledDeletionAt))
	}
}

func testPutNewAndGet(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	withOwner := Record("img-a", "hash-a", time.Hour)
	anonymous := Record("img-b", "hash-b", 0)
	anonymous.OwnerID = nil

	require.NoError(t, s.PutNew(ctx, withOwner))
	require.NoError(t, s.PutNew(ctx, anonymous))

	got, err := s.Get(ctx, "img-a")
	require.NoError(t, err)
	AssertSameRecord(t, withOwner, got)

	got, err = s.Get(ctx, "img-b")
	require.NoError(t, err)
	AssertSameRecord(t, anonymous, got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func testDuplicateID(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutNew(ctx, Record("img-a", "hash-a", 0)))
	err := s.PutNew(ctx, Record("img-a", "hash-other", 0))
	assert.ErrorIs(t, err, metastore.ErrAlreadyExists)

	got, err := s.Get(ctx, "img-a")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", got.ContentHash)
}

func testDuplicateContent(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutNew(ctx, Record("img-a", "same", time.Hour)))
	assert.ErrorIs(t, s.PutNew(ctx, Record("img-b", "same", 0)), metastore.ErrDuplicateContent)

	// a different size is different content
	other := Record("img-c", "same", 0)
	other.SizeBytes++
	assert.NoError(t, s.PutNew(ctx, other))

	// expired holders of the hash do not block a new record
	require.NoError(t, s.PutNew(ctx, Record("img-d", "old", -time.Hour)))
	assert.NoError(t, s.PutNew(ctx, Record("img-e", "old", 0)))

	// legacy records without a hash never collide
	require.NoError(t, s.PutNew(ctx, Record("img-f", "", 0)))
	assert.NoError(t, s.PutNew(ctx, Record("img-g", "", 0)))
}

func testFindActiveByHash(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutNew(ctx, Record("live", "h-live", time.Hour)))
	require.NoError(t, s.PutNew(ctx, Record("forever", "h-forever", 0)))
	require.NoError(t, s.PutNew(ctx, Record("dead", "h-dead", -time.Minute)))
	require.NoError(t, s.PutNew(ctx, Record("legacy", "", 0)))

	got, err := s.FindActiveByHash(ctx, "h-live", 1234, base)
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)

	got, err = s.FindActiveByHash(ctx, "h-forever", 1234, base.Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "forever", got.ID)

	_, err = s.FindActiveByHash(ctx, "h-live", 1234, base.Add(time.Hour))
	assert.ErrorIs(t, err, metastore.ErrNotFound, "expiry instant counts as expired")

	_, err = s.FindActiveByHash(ctx, "h-live", 999, base)
	assert.ErrorIs(t, err, metastore.ErrNotFound)

	_, err = s.FindActiveByHash(ctx, "h-dead", 1234, base)
	assert.ErrorIs(t, err, metastore.ErrNotFound)

	_, err = s.FindActiveByHash(ctx, "", 1234, base)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func testListExpired(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	for i := 5; i >= 1; i-- {
		require.NoError(t, s.PutNew(ctx, Record(fmt.Sprintf("exp-%d", i), fmt.Sprintf("h%d", i), time.Duration(i)*time.Minute)))
	}
	// same deletion instant, ordered by id
	require.NoError(t, s.PutNew(ctx, Record("exp-3b", "h3b", 3*time.Minute)))
	require.NoError(t, s.PutNew(ctx, Record("future", "hf", time.Hour)))
	require.NoError(t, s.PutNew(ctx, Record("never", "hn", 0)))

	now := base.Add(10 * time.Minute)
	var ids []string
	for rec, err := range s.ListExpired(ctx, now) {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"exp-1", "exp-2", "exp-3", "exp-3b", "exp-4", "exp-5"}, ids)

	var none []string
	for rec, err := range s.ListExpired(ctx, base) {
		require.NoError(t, err)
		none = append(none, rec.ID)
	}
	assert.Empty(t, none)

	// stopping early is honoured
	count := 0
	for _, err := range s.ListExpired(ctx, now) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func testListExpiredWhileDeleting(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		require.NoError(t, s.PutNew(ctx, Record(fmt.Sprintf("r%d", i), fmt.Sprintf("h%d", i), -time.Duration(i)*time.Second)))
	}

	seen := 0
	for rec, err := range s.ListExpired(ctx, base) {
		require.NoError(t, err)
		require.NoError(t, s.DeleteByID(ctx, rec.ID))
		seen++
	}
	assert.Equal(t, 7, seen)

	for _, err := range s.ListExpired(ctx, base) {
		require.NoError(t, err)
		t.Fatal("store should be empty")
	}
}

func testDeleteByID(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutNew(ctx, Record("img-a", "hash-a", 0)))
	require.NoError(t, s.DeleteByID(ctx, "img-a"))
	assert.ErrorIs(t, s.DeleteByID(ctx, "img-a"), metastore.ErrNotFound)

	_, err := s.Get(ctx, "img-a")
	assert.ErrorIs(t, err, metastore.ErrNotFound)

	_, err = s.FindActiveByHash(ctx, "hash-a", 1234, base)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func testConcurrentPutNew(t *testing.T, s metastore.Store) {
	ctx := context.Background()

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		dupes    int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.PutNew(ctx, Record(fmt.Sprintf("racer-%d", i), "contended", 0))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, metastore.ErrDuplicateContent):
				dupes++
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, dupes)
}
