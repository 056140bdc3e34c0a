// Package dedup finds an existing, still-active record for byte-identical
// content so repeat uploads short-circuit.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

// Fingerprint identifies raw upload bytes. Size is a cheap sanity check on
// top of the hash.
type Fingerprint struct {
	Hash string
	Size int64
}

func Compute(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint{Hash: hex.EncodeToString(sum[:]), Size: int64(len(data))}
}

type Finder interface {
	FindActiveByHash(ctx context.Context, hash string, size int64, now time.Time) (models.ImageRecord, error)
}

type Deduplicator struct {
	finder Finder
	now    func() time.Time
}

func New(finder Finder) *Deduplicator {
	return &Deduplicator{finder: finder, now: time.Now}
}

// WithClock overrides the clock used for the expiry check.
func (d *Deduplicator) WithClock(now func() time.Time) *Deduplicator {
	d.now = now
	return d
}

// Lookup returns the active record holding fp, if any. Records without a
// content hash are never matched, even when the size agrees.
func (d *Deduplicator) Lookup(ctx context.Context, fp Fingerprint) (models.ImageRecord, bool, error) {
	if fp.Hash == "" {
		return models.ImageRecord{}, false, nil
	}

	now := d.now()
	rec, err := d.finder.FindActiveByHash(ctx, fp.Hash, fp.Size, now)
	if errors.Is(err, metastore.ErrNotFound) {
		return models.ImageRecord{}, false, nil
	}
	if err != nil {
		return models.ImageRecord{}, false, err
	}
	if rec.ContentHash != fp.Hash || rec.SizeBytes != fp.Size || !rec.Active(now) {
		return models.ImageRecord{}, false, nil
	}
	return rec, true, nil
}
