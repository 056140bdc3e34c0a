// Package retention removes expired images and storage objects that no
// record points at.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

type Deleter interface {
	Delete(ctx context.Context, key string) (storage.Result, error)
}

type KeyOutcome struct {
	Key        string
	StatusCode int
	Err        error
}

type Outcome struct {
	RecordID      string
	Keys          []KeyOutcome
	RecordDeleted bool
	Err           error
}

type Summary struct {
	Checked      int
	Deleted      int
	FailedKeys   []string
	RecordErrors int
	Outcomes     []Outcome
}

// OK reports whether every storage delete and record removal succeeded.
func (s Summary) OK() bool {
	return len(s.FailedKeys) == 0 && s.RecordErrors == 0
}

type Sweeper struct {
	store   metastore.Store
	objects Deleter
	now     func() time.Time
	dryRun  bool
	log     zerolog.Logger
}

func NewSweeper(store metastore.Store, objects Deleter, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		objects: objects,
		now:     time.Now,
		log:     log.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// DryRun makes Run report what it would delete without deleting anything.
func (s *Sweeper) DryRun(v bool) *Sweeper {
	s.dryRun = v
	return s
}

// Run makes one pass over every record expired at the time of the call.
// Storage delete failures are logged and reported but never keep a record
// alive: the record is removed once every key has been attempted.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	now := s.now()
	start := time.Now()

	for rec, err := range s.store.ListExpired(ctx, now) {
		if err != nil {
			return summary, fmt.Errorf("list expired: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		outcome := Outcome{RecordID: rec.ID}
		keys := rec.StorageKeys()
		sort.Strings(keys)

		if s.dryRun {
			for _, key := range keys {
				outcome.Keys = append(outcome.Keys, KeyOutcome{Key: key})
			}
			summary.Outcomes = append(summary.Outcomes, outcome)
			continue
		}

		for _, key := range keys {
			res, err := s.objects.Delete(ctx, key)
			ko := KeyOutcome{Key: key, StatusCode: res.StatusCode, Err: err}
			outcome.Keys = append(outcome.Keys, ko)
			if err != nil {
				summary.FailedKeys = append(summary.FailedKeys, key)
				s.log.Warn().Err(err).Str("image_id", rec.ID).Str("key", key).Int("status", res.StatusCode).Msg("storage delete failed")
				continue
			}
			s.log.Debug().Str("image_id", rec.ID).Str("key", key).Int("status", res.StatusCode).Msg("storage object deleted")
		}

		switch err := s.store.DeleteByID(ctx, rec.ID); {
		case err == nil, errors.Is(err, metastore.ErrNotFound):
			outcome.RecordDeleted = true
			summary.Deleted++
		default:
			outcome.Err = err
			summary.RecordErrors++
			s.log.Error().Err(err).Str("image_id", rec.ID).Msg("delete record failed")
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	s.log.Info().
		Int("checked", summary.Checked).
		Int("deleted", summary.Deleted).
		Int("failed_keys", len(summary.FailedKeys)).
		Bool("dry_run", s.dryRun).
		Dur("took", time.Since(start)).
		Msg("retention sweep finished")
	return summary, nil
}
