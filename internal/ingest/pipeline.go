// Package ingest turns one uploaded byte stream into stored derivatives and
// a metadata record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/dedup"
	"github.com/navi-crwn/pixelhop-sub000/internal/ids"
	"github.com/navi-crwn/pixelhop-sub000/internal/media/decode"
	"github.com/navi-crwn/pixelhop-sub000/internal/media/derivative"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

type State string

const (
	StateReceivingInput        State = "receiving_input"
	StateValidating            State = "validating"
	StateCheckingDuplicate     State = "checking_duplicate"
	StateShortCircuitFound     State = "short_circuit_found"
	StateGeneratingDerivatives State = "generating_derivatives"
	StateUploadingDerivatives  State = "uploading_derivatives"
	StatePersistingMetadata    State = "persisting_metadata"
	StateDone                  State = "done"
	StateFailed                State = "failed"
)

const compensateTimeout = 30 * time.Second

type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (storage.Result, error)
	Delete(ctx context.Context, key string) (storage.Result, error)
	PublicURL(key string) string
}

type Generator interface {
	Generate(src decode.Image, profiles []models.DerivativeProfile) ([]derivative.Output, error)
}

type Input struct {
	Data         []byte
	DeclaredMIME string
	Filename     string
	OwnerID      *string
	SourceIP     string
	// DeleteAfter schedules deletion relative to ingestion; zero keeps the
	// image forever.
	DeleteAfter time.Duration
}

type Result struct {
	Record    models.ImageRecord
	Duplicate bool
	Path      []State
}

type Options struct {
	Profiles     []models.DerivativeProfile
	AllowedTypes []string
	MaxBytes     int64
}

type Pipeline struct {
	store     metastore.Store
	objects   ObjectStore
	generator Generator
	dedup     *dedup.Deduplicator
	profiles  []models.DerivativeProfile
	allowed   map[string]bool
	maxBytes  int64
	newID     func() string
	now       func() time.Time
	log       zerolog.Logger
}

func New(store metastore.Store, objects ObjectStore, generator Generator, opts Options, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		store:     store,
		objects:   objects,
		generator: generator,
		profiles:  opts.Profiles,
		maxBytes:  opts.MaxBytes,
		newID:     ids.New,
		now:       time.Now,
		log:       log.With().Str("component", "ingest").Logger(),
	}
	if len(opts.AllowedTypes) > 0 {
		p.allowed = make(map[string]bool, len(opts.AllowedTypes))
		for _, t := range opts.AllowedTypes {
			p.allowed[strings.ToLower(t)] = true
		}
	}
	p.dedup = dedup.New(store).WithClock(func() time.Time { return p.now() })
	return p
}

// WithClock and WithIDs replace the time and id sources; used by tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func (p *Pipeline) WithIDs(newID func() string) *Pipeline {
	p.newID = newID
	return p
}

type run struct {
	path []State
	log  zerolog.Logger
}

func (r *run) enter(s State) {
	r.path = append(r.path, s)
	r.log.Debug().Str("stage", string(s)).Msg("ingest transition")
}

func (r *run) fail(stage State, kind, err error) (Result, error) {
	r.path = append(r.path, StateFailed)
	return Result{Path: r.path}, fail(stage, kind, err)
}

// Ingest runs the full pipeline for one upload. A duplicate of an active
// image returns that image with Duplicate set and makes no storage writes.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (Result, error) {
	r := &run{log: p.log.With().Str("filename", in.Filename).Logger()}

	r.enter(StateReceivingInput)
	if len(in.Data) == 0 {
		return r.fail(StateReceivingInput, ErrInvalidInput, errors.New("empty upload"))
	}
	if p.maxBytes > 0 && int64(len(in.Data)) > p.maxBytes {
		return r.fail(StateReceivingInput, ErrInvalidInput, fmt.Errorf("upload of %d bytes exceeds limit of %d", len(in.Data), p.maxBytes))
	}

	r.enter(StateValidating)
	src, err := decode.Decode(in.Data, in.DeclaredMIME)
	if err != nil {
		return r.fail(StateValidating, ErrInvalidInput, err)
	}
	if p.allowed != nil && !p.allowed[src.MIME] {
		return r.fail(StateValidating, ErrInvalidInput, fmt.Errorf("type %s not allowed", src.MIME))
	}

	r.enter(StateCheckingDuplicate)
	fp := dedup.Compute(in.Data)
	existing, found, err := p.dedup.Lookup(ctx, fp)
	if err != nil {
		return r.fail(StateCheckingDuplicate, ErrMetadata, err)
	}
	if found {
		r.enter(StateShortCircuitFound)
		r.enter(StateDone)
		r.log.Info().Str("image_id", existing.ID).Msg("duplicate upload short-circuited")
		return Result{Record: existing, Duplicate: true, Path: r.path}, nil
	}

	r.enter(StateGeneratingDerivatives)
	outputs, err := p.generator.Generate(src, p.profiles)
	if err != nil {
		return r.fail(StateGeneratingDerivatives, ErrProcessing, err)
	}
	mimeType, width, height := src.MIME, src.Width, src.Height
	// drop the decoded pixels before the network phase
	src = decode.Image{}

	id := p.newID()
	createdAt := p.now().UTC()
	r.log = r.log.With().Str("image_id", id).Logger()

	r.enter(StateUploadingDerivatives)
	derivatives := make(map[string]models.Derivative, len(outputs))
	uploaded := make([]string, 0, len(outputs))
	for _, out := range outputs {
		key := models.StorageKey(createdAt, id, out.Profile, out.Extension)
		res, err := p.objects.Put(ctx, key, out.Data, out.ContentType)
		if err != nil {
			r.log.Error().Err(err).Str("key", key).Int("attempts", res.Attempts).Msg("derivative upload failed")
			p.compensate(ctx, r.log, uploaded)
			return r.fail(StateUploadingDerivatives, ErrStorage, err)
		}
		uploaded = append(uploaded, key)
		derivatives[out.Profile] = models.Derivative{
			StorageKey:  key,
			URL:         p.objects.PublicURL(key),
			Width:       out.Width,
			Height:      out.Height,
			SizeBytes:   int64(len(out.Data)),
			ContentType: out.ContentType,
		}
	}

	r.enter(StatePersistingMetadata)
	rec := models.ImageRecord{
		ID:               id,
		OwnerID:          in.OwnerID,
		ContentHash:      fp.Hash,
		OriginalFilename: in.Filename,
		MimeType:         mimeType,
		SizeBytes:        fp.Size,
		Width:            width,
		Height:           height,
		Derivatives:      derivatives,
		CreatedAt:        createdAt,
		SourceIP:         in.SourceIP,
	}
	if in.DeleteAfter > 0 {
		at := createdAt.Add(in.DeleteAfter)
		rec.ScheduledDeletionAt = &at
	}

	if err := p.store.PutNew(ctx, rec); err != nil {
		p.compensate(ctx, r.log, uploaded)
		if errors.Is(err, metastore.ErrDuplicateContent) {
			winner, found, lookupErr := p.dedup.Lookup(ctx, fp)
			if lookupErr == nil && found {
				r.enter(StateShortCircuitFound)
				r.enter(StateDone)
				r.log.Info().Str("winner_id", winner.ID).Msg("lost duplicate race, returning existing image")
				return Result{Record: winner, Duplicate: true, Path: r.path}, nil
			}
		}
		r.log.Error().Err(err).Msg("metadata persistence failed")
		return r.fail(StatePersistingMetadata, ErrMetadata, err)
	}

	r.enter(StateDone)
	r.log.Info().Int("derivatives", len(derivatives)).Int64("size", rec.SizeBytes).Msg("image ingested")
	return Result{Record: rec, Path: r.path}, nil
}

// compensate deletes objects written by a failed run. It outlives a
// cancelled request context; leftovers are picked up by the reconciler.
func (p *Pipeline) compensate(ctx context.Context, log zerolog.Logger, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	for _, key := range keys {
		if _, err := p.objects.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("compensating delete failed")
			continue
		}
		log.Debug().Str("key", key).Msg("compensating delete")
	}
}
