package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/database"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/storetest"
)

// Runs against a disposable database named by PIXELHOP_TEST_POSTGRES_DSN.
func TestStore(t *testing.T) {
	dsn := os.Getenv("PIXELHOP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIXELHOP_TEST_POSTGRES_DSN not set")
	}

	require.NoError(t, database.Migrate(dsn))

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, config.PostgresConfig{DSN: dsn, MaxOpen: 10})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) metastore.Store {
		_, err := pool.Exec(ctx, `TRUNCATE images`)
		require.NoError(t, err)
		return New(pool, 2)
	})
}
