// Package sqlitestore stores image records in an embedded SQLite database. Writes
// run in IMMEDIATE transactions, so concurrent ingestions in one process
// serialise on the database write lock rather than racing.
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT,
	content_hash          TEXT NOT NULL DEFAULT '',
	original_filename     TEXT NOT NULL DEFAULT '',
	mime_type             TEXT NOT NULL,
	size_bytes            INTEGER NOT NULL,
	width                 INTEGER NOT NULL,
	height                INTEGER NOT NULL,
	derivatives           TEXT NOT NULL DEFAULT '{}',
	created_at            INTEGER NOT NULL,
	scheduled_deletion_at INTEGER,
	source_ip             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS images_content_hash_idx
	ON images (content_hash, size_bytes) WHERE content_hash <> '';

CREATE INDEX IF NOT EXISTS images_expiry_idx
	ON images (scheduled_deletion_at, id) WHERE scheduled_deletion_at IS NOT NULL;
`

const selectColumns = `id, owner_id, content_hash, original_filename, mime_type, size_bytes,
	width, height, derivatives, created_at, scheduled_deletion_at, source_ip`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

type Store struct {
	pool     *sqlitex.Pool
	pageSize int
	log      zerolog.Logger
}

func Open(ctx context.Context, cfg config.SQLiteConfig, pageSize int, log zerolog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite metastore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite metastore: create dir: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite metastore: open %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, pageSize: pageSize, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	log.Info().Str("path", cfg.Path).Int("pool_size", poolSize).Msg("sqlite metastore opened")
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite metastore: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite metastore: schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return models.ImageRecord{}, err
	}
	defer s.pool.Put(conn)

	return getByID(conn, id)
}

func (s *Store) PutNew(ctx context.Context, rec models.ImageRecord) (err error) {
	derivatives, err := json.Marshal(rec.Derivatives)
	if err != nil {
		return fmt.Errorf("marshal derivatives: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if _, err = getByID(conn, rec.ID); err == nil {
		return metastore.ErrAlreadyExists
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return err
	}

	if _, err = findActive(conn, rec.ContentHash, rec.SizeBytes, rec.CreatedAt); err == nil {
		return metastore.ErrDuplicateContent
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return err
	}

	var owner any
	if rec.OwnerID != nil {
		owner = *rec.OwnerID
	}
	var scheduled any
	if rec.ScheduledDeletionAt != nil {
		scheduled = rec.ScheduledDeletionAt.UnixNano()
	}

	err = sqlitex.Execute(conn, `INSERT INTO images (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			rec.ID,
			owner,
			rec.ContentHash,
			rec.OriginalFilename,
			rec.MimeType,
			rec.SizeBytes,
			int64(rec.Width),
			int64(rec.Height),
			string(derivatives),
			rec.CreatedAt.UnixNano(),
			scheduled,
			rec.SourceIP,
		},
	})
	if err != nil {
		if code := sqlite.ErrCode(err); code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique {
			return metastore.ErrAlreadyExists
		}
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[models.ImageRecord, error] {
	return metastore.Paginate(ctx, s.pageSize, func(ctx context.Context, after *metastore.Cursor, limit int) ([]models.ImageRecord, error) {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			return nil, err
		}
		defer s.pool.Put(conn)

		query := `SELECT ` + selectColumns + ` FROM images
			WHERE scheduled_deletion_at IS NOT NULL AND scheduled_deletion_at <= ?`
		args := []any{now.UnixNano()}
		if after != nil {
			query += ` AND (scheduled_deletion_at > ? OR (scheduled_deletion_at = ? AND id > ?))`
			at := after.At.UnixNano()
			args = append(args, at, at, after.ID)
		}
		query += ` ORDER BY scheduled_deletion_at, id LIMIT ?`
		args = append(args, int64(limit))

		var page []models.ImageRecord
		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				page = append(page, rec)
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("list expired: %w", err)
		}
		return page, nil
	})
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM images WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if conn.Changes() == 0 {
		return metastore.ErrNotFound
	}
	return nil
}

func (s *Store) FindActiveByHash(ctx context.Context, hash string, size int64, now time.Time) (models.ImageRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return models.ImageRecord{}, err
	}
	defer s.pool.Put(conn)

	return findActive(conn, hash, size, now)
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func getByID(conn *sqlite.Conn, id string) (models.ImageRecord, error) {
	return queryOne(conn, `SELECT `+selectColumns+` FROM images WHERE id = ?`, id)
}

func findActive(conn *sqlite.Conn, hash string, size int64, now time.Time) (models.ImageRecord, error) {
	if hash == "" {
		return models.ImageRecord{}, metastore.ErrNotFound
	}
	return queryOne(conn, `SELECT `+selectColumns+` FROM images
		WHERE content_hash = ? AND size_bytes = ?
		  AND (scheduled_deletion_at IS NULL OR scheduled_deletion_at > ?)
		ORDER BY created_at, id LIMIT 1`, hash, size, now.UnixNano())
}

func queryOne(conn *sqlite.Conn, query string, args ...any) (models.ImageRecord, error) {
	var (
		rec   models.ImageRecord
		found bool
	)
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			rec, err = scanRecord(stmt)
			found = true
			return err
		},
	})
	if err != nil {
		return models.ImageRecord{}, err
	}
	if !found {
		return models.ImageRecord{}, metastore.ErrNotFound
	}
	return rec, nil
}

func scanRecord(stmt *sqlite.Stmt) (models.ImageRecord, error) {
	rec := models.ImageRecord{
		ID:               stmt.ColumnText(0),
		ContentHash:      stmt.ColumnText(2),
		OriginalFilename: stmt.ColumnText(3),
		MimeType:         stmt.ColumnText(4),
		SizeBytes:        stmt.ColumnInt64(5),
		Width:            stmt.ColumnInt(6),
		Height:           stmt.ColumnInt(7),
		CreatedAt:        time.Unix(0, stmt.ColumnInt64(9)).UTC(),
		SourceIP:         stmt.ColumnText(11),
	}
	if stmt.ColumnType(1) != sqlite.TypeNull {
		owner := stmt.ColumnText(1)
		rec.OwnerID = &owner
	}
	if stmt.ColumnType(10) != sqlite.TypeNull {
		at := time.Unix(0, stmt.ColumnInt64(10)).UTC()
		rec.ScheduledDeletionAt = &at
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &rec.Derivatives); err != nil {
		return models.ImageRecord{}, fmt.Errorf("decode derivatives of %s: %w", rec.ID, err)
	}
	return rec, nil
}
