// Package postgres is the shared metastore.Store backed by PostgreSQL.
//
// PutNew takes a transaction-scoped advisory lock on the content hash so two
// API replicas ingesting the same bytes cannot both insert an active record.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

const selectColumns = `
	id, owner_id, content_hash, original_filename, mime_type, size_bytes,
	width, height, derivatives, created_at, scheduled_deletion_at, source_ip`

const uniqueViolation = "23505"

type Store struct {
	pool     *pgxpool.Pool
	pageSize int
}

func New(pool *pgxpool.Pool, pageSize int) *Store {
	return &Store{pool: pool, pageSize: pageSize}
}

func (s *Store) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	const query = `SELECT ` + selectColumns + ` FROM images WHERE id = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) PutNew(ctx context.Context, rec models.ImageRecord) error {
	derivatives, err := json.Marshal(rec.Derivatives)
	if err != nil {
		return fmt.Errorf("marshal derivatives: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if rec.ContentHash != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, rec.ContentHash); err != nil {
			return fmt.Errorf("lock content hash: %w", err)
		}
		_, err := findActive(ctx, tx, rec.ContentHash, rec.SizeBytes, rec.CreatedAt)
		if err == nil {
			return metastore.ErrDuplicateContent
		}
		if !errors.Is(err, metastore.ErrNotFound) {
			return err
		}
	}

	const insert = `
		INSERT INTO images (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert,
		rec.ID,
		rec.OwnerID,
		rec.ContentHash,
		rec.OriginalFilename,
		rec.MimeType,
		rec.SizeBytes,
		rec.Width,
		rec.Height,
		derivatives,
		rec.CreatedAt,
		rec.ScheduledDeletionAt,
		rec.SourceIP,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return metastore.ErrAlreadyExists
		}
		return fmt.Errorf("insert image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return metastore.ErrAlreadyExists
	}

	return tx.Commit(ctx)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[models.ImageRecord, error] {
	return metastore.Paginate(ctx, s.pageSize, func(ctx context.Context, after *metastore.Cursor, limit int) ([]models.ImageRecord, error) {
		const first = `
			SELECT ` + selectColumns + `
			FROM images
			WHERE scheduled_deletion_at IS NOT NULL AND scheduled_deletion_at <= $1
			ORDER BY scheduled_deletion_at, id
			LIMIT $2
		`
		const next = `
			SELECT ` + selectColumns + `
			FROM images
			WHERE scheduled_deletion_at IS NOT NULL AND scheduled_deletion_at <= $1
			  AND (scheduled_deletion_at, id) > ($3, $4)
			ORDER BY scheduled_deletion_at, id
			LIMIT $2
		`

		var (
			rows pgx.Rows
			err  error
		)
		if after == nil {
			rows, err = s.pool.Query(ctx, first, now, limit)
		} else {
			rows, err = s.pool.Query(ctx, next, now, limit, after.At, after.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("list expired: %w", err)
		}
		defer rows.Close()

		var page []models.ImageRecord
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return nil, err
			}
			page = append(page, rec)
		}
		return page, rows.Err()
	})
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return metastore.ErrNotFound
	}
	return nil
}

func (s *Store) FindActiveByHash(ctx context.Context, hash string, size int64, now time.Time) (models.ImageRecord, error) {
	return findActive(ctx, s.pool, hash, size, now)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findActive(ctx context.Context, q querier, hash string, size int64, now time.Time) (models.ImageRecord, error) {
	if hash == "" {
		return models.ImageRecord{}, metastore.ErrNotFound
	}
	const query = `
		SELECT ` + selectColumns + `
		FROM images
		WHERE content_hash = $1 AND size_bytes = $2
		  AND (scheduled_deletion_at IS NULL OR scheduled_deletion_at > $3)
		ORDER BY created_at, id
		LIMIT 1
	`
	return scanRecord(q.QueryRow(ctx, query, hash, size, now))
}

func scanRecord(row pgx.Row) (models.ImageRecord, error) {
	var (
		rec         models.ImageRecord
		derivatives []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.ContentHash,
		&rec.OriginalFilename,
		&rec.MimeType,
		&rec.SizeBytes,
		&rec.Width,
		&rec.Height,
		&derivatives,
		&rec.CreatedAt,
		&rec.ScheduledDeletionAt,
		&rec.SourceIP,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImageRecord{}, metastore.ErrNotFound
		}
		return models.ImageRecord{}, err
	}
	if err := json.Unmarshal(derivatives, &rec.Derivatives); err != nil {
		return models.ImageRecord{}, fmt.Errorf("decode derivatives of %s: %w", rec.ID, err)
	}
	return rec, nil
}
