// Package memory is a process-local metastore.Store used by tests and the
// "memory" metadata driver.
package memory

import (
	"context"
	"iter"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

type Store struct {
	mu       sync.RWMutex
	records  map[string]models.ImageRecord
	pageSize int
}

func New(pageSize int) *Store {
	return &Store{
		records:  make(map[string]models.ImageRecord),
		pageSize: pageSize,
	}
}

func (s *Store) Get(_ context.Context, id string) (models.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return models.ImageRecord{}, metastore.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) PutNew(_ context.Context, rec models.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return metastore.ErrAlreadyExists
	}
	if _, found := s.findActive(rec.ContentHash, rec.SizeBytes, rec.CreatedAt); found {
		return metastore.ErrDuplicateContent
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[models.ImageRecord, error] {
	return metastore.Paginate(ctx, s.pageSize, func(_ context.Context, after *metastore.Cursor, limit int) ([]models.ImageRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var page []models.ImageRecord
		for _, rec := range s.records {
			if rec.Active(now) || !after.After(rec) {
				continue
			}
			page = append(page, clone(rec))
		}
		sort.Slice(page, func(i, j int) bool {
			a, b := *page[i].ScheduledDeletionAt, *page[j].ScheduledDeletionAt
			if a.Equal(b) {
				return page[i].ID < page[j].ID
			}
			return a.Before(b)
		})
		if len(page) > limit {
			page = page[:limit]
		}
		return page, nil
	})
}

func (s *Store) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return metastore.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) FindActiveByHash(_ context.Context, hash string, size int64, now time.Time) (models.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.findActive(hash, size, now)
	if !ok {
		return models.ImageRecord{}, metastore.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Len is the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) findActive(hash string, size int64, now time.Time) (models.ImageRecord, bool) {
	if hash == "" {
		return models.ImageRecord{}, false
	}
	var best models.ImageRecord
	found := false
	for _, rec := range s.records {
		if rec.ContentHash != hash || rec.SizeBytes != size || !rec.Active(now) {
			continue
		}
		if !found || rec.CreatedAt.Before(best.CreatedAt) {
			best, found = rec, true
		}
	}
	return best, found
}

func clone(rec models.ImageRecord) models.ImageRecord {
	rec.Derivatives = maps.Clone(rec.Derivatives)
	if rec.OwnerID != nil {
		owner := *rec.OwnerID
		rec.OwnerID = &owner
	}
	if rec.ScheduledDeletionAt != nil {
		at := *rec.ScheduledDeletionAt
		rec.ScheduledDeletionAt = &at
	}
	return rec
}
