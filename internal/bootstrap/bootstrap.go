// Package bootstrap wires the long-lived collaborators shared by the api,
// worker and sweep binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/database"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/memory"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/postgres"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/sqlitestore"
	"github.com/navi-crwn/pixelhop-sub000/internal/retention"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
)

// OpenMetastore opens the backend named by cfg.Metadata.Driver. Postgres
// schemas are migrated first when AutoMigrate is set.
func OpenMetastore(ctx context.Context, cfg config.MetadataConfig, log zerolog.Logger) (metastore.Store, error) {
	switch cfg.Driver {
	case config.MetadataPostgres:
		if cfg.Postgres.AutoMigrate {
			if err := database.Migrate(cfg.Postgres.DSN); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info().Str("driver", cfg.Driver).Msg("metadata store ready")
		return postgres.New(pool, cfg.PageSize), nil

	case config.MetadataSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLite, cfg.PageSize, log)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info().Str("driver", cfg.Driver).Str("path", cfg.SQLite.Path).Msg("metadata store ready")
		return store, nil

	case config.MetadataMemory:
		log.Warn().Msg("metadata store is in-memory; records are lost on restart")
		return memory.New(cfg.PageSize), nil
	}
	return nil, fmt.Errorf("unknown metadata driver %q", cfg.Driver)
}

// Retention holds the sweep and, when bucket listing is available, the
// orphan reconciler.
type Retention struct {
	Sweeper    *retention.Sweeper
	Reconciler *retention.Reconciler
}

func NewRetention(cfg *config.AppConfig, store metastore.Store, client *storage.Client, log zerolog.Logger) (Retention, error) {
	r := Retention{Sweeper: retention.NewSweeper(store, client, log)}

	lister, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		return r, fmt.Errorf("object store: %w", err)
	}
	r.Reconciler = retention.NewReconciler(store, lister, client, cfg.Retention.OrphanGrace, log)
	return r, nil
}
