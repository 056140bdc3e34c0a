// Package metastore defines the durable record store for ingested images.
//
// Every mutation is atomic per key. Backends live in subpackages: postgres
// for shared deployments, sqlite for single-node installs and memory for
// tests.
package metastore

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

var (
	ErrNotFound         = errors.New("image record not found")
	ErrAlreadyExists    = errors.New("image id already exists")
	ErrDuplicateContent = errors.New("active image with identical content exists")
)

const DefaultPageSize = 100

type Store interface {
	Get(ctx context.Context, id string) (models.ImageRecord, error)
	// PutNew inserts rec. It fails with ErrAlreadyExists when the id is
	// taken and with ErrDuplicateContent when a record with the same hash
	// and size is still active at rec.CreatedAt.
	PutNew(ctx context.Context, rec models.ImageRecord) error
	// ListExpired lazily yields records whose scheduled deletion is at or
	// before now, oldest first. Records deleted while iterating are safe.
	ListExpired(ctx context.Context, now time.Time) iter.Seq2[models.ImageRecord, error]
	DeleteByID(ctx context.Context, id string) error
	// FindActiveByHash returns a record with exactly this hash and size
	// that is still active at now. Empty hashes never match.
	FindActiveByHash(ctx context.Context, hash string, size int64, now time.Time) (models.ImageRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cursor marks the last record of a ListExpired page.
type Cursor struct {
	At time.Time
	ID string
}

// PageFunc fetches up to limit expired records ordered by (deletion time,
// id) strictly after cursor. A nil cursor starts from the beginning.
type PageFunc func(ctx context.Context, after *Cursor, limit int) ([]models.ImageRecord, error)

// Paginate turns a keyset page fetcher into a lazy sequence. Fetching stops
// when a short page comes back, the consumer stops, or an error occurs.
func Paginate(ctx context.Context, pageSize int, fetch PageFunc) iter.Seq2[models.ImageRecord, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(models.ImageRecord, error) bool) {
		var after *Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(models.ImageRecord{}, err)
				return
			}
			page, err := fetch(ctx, after, pageSize)
			if err != nil {
				yield(models.ImageRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			after = &Cursor{At: *last.ScheduledDeletionAt, ID: last.ID}
		}
	}
}

// After reports whether rec sorts strictly after c in expiry order.
func (c *Cursor) After(rec models.ImageRecord) bool {
	if c == nil {
		return true
	}
	at := *rec.ScheduledDeletionAt
	if at.Equal(c.At) {
		return rec.ID > c.ID
	}
	return at.After(c.At)
}
