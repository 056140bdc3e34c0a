package retention

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

type Lister interface {
	List(ctx context.Context, prefix string) iter.Seq2[storage.ObjectInfo, error]
}

type RecordGetter interface {
	Get(ctx context.Context, id string) (models.ImageRecord, error)
}

type ReconcileSummary struct {
	Scanned int
	Orphans int
	Deleted int
	Failed  []string
}

// Reconciler deletes storage objects left behind by failed ingestions:
// objects whose key names an image id with no record, or a record that
// does not reference that key.
type Reconciler struct {
	records RecordGetter
	lister  Lister
	objects Deleter
	grace   time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewReconciler ignores objects younger than grace so that in-flight
// ingestions are never touched.
func NewReconciler(records RecordGetter, lister Lister, objects Deleter, grace time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		records: records,
		lister:  lister,
		objects: objects,
		grace:   grace,
		now:     time.Now,
		log:     log.With().Str("component", "reconciler").Logger(),
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	cutoff := r.now().Add(-r.grace)
	known := make(map[string]map[string]struct{})

	for obj, err := range r.lister.List(ctx, "") {
		if err != nil {
			return summary, err
		}
		summary.Scanned++

		if obj.LastModified.After(cutoff) {
			continue
		}
		id, _, ok := models.ParseStorageKey(obj.Key)
		if !ok {
			continue
		}

		keys, cached := known[id]
		if !cached {
			rec, err := r.records.Get(ctx, id)
			switch {
			case err == nil:
				keys = make(map[string]struct{}, len(rec.Derivatives))
				for _, k := range rec.StorageKeys() {
					keys[k] = struct{}{}
				}
			case errors.Is(err, metastore.ErrNotFound):
				keys = nil
			default:
				return summary, fmt.Errorf("get record %s: %w", id, err)
			}
			known[id] = keys
		}
		if _, referenced := keys[obj.Key]; referenced {
			continue
		}

		summary.Orphans++
		if _, err := r.objects.Delete(ctx, obj.Key); err != nil {
			summary.Failed = append(summary.Failed, obj.Key)
			r.log.Warn().Err(err).Str("key", obj.Key).Msg("orphan delete failed")
			continue
		}
		summary.Deleted++
		r.log.Info().Str("key", obj.Key).Str("image_id", id).Msg("orphan object deleted")
	}

	r.log.Info().
		Int("scanned", summary.Scanned).
		Int("orphans", summary.Orphans).
		Int("deleted", summary.Deleted).
		Msg("reconcile finished")
	return summary, nil
}
