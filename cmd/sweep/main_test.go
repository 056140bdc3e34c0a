package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore/sqlitestore"
	"github.com/navi-crwn/pixelhop-sub000/internal/models"
)

type bucket struct {
	mu      sync.Mutex
	deleted []string
	deny    string
}

func (b *bucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deny != "" && strings.HasSuffix(r.URL.Path, b.deny) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code></Error>"))
		return
	}
	b.deleted = append(b.deleted, r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}

func writeConfig(t *testing.T, endpoint string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "meta.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`environment: test
logging:
  level: error
metadata:
  driver: sqlite
  sqlite:
    path: %s
storage:
  endpoint: %s
  bucket: media
  accesskey: AKID
  secretkey: SECRET
  maxattempts: 1
`, dbPath, endpoint)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

func seed(t *testing.T, dbPath string, recs ...models.ImageRecord) {
	t.Helper()
	store, err := sqlitestore.Open(context.Background(), config.SQLiteConfig{Path: dbPath, PoolSize: 1}, 10, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	for _, rec := range recs {
		require.NoError(t, store.PutNew(context.Background(), rec))
	}
}

func expired(id string) models.ImageRecord {
	created := time.Now().Add(-48 * time.Hour).UTC()
	at := time.Now().Add(-time.Hour)
	return models.ImageRecord{
		ID:          id,
		ContentHash: "hash-" + id,
		SizeBytes:   1,
		CreatedAt:   created,
		Derivatives: map[string]models.Derivative{
			"original": {StorageKey: models.StorageKey(created, id, "original", "png")},
			"thumb":    {StorageKey: models.StorageKey(created, id, "thumb", "png")},
		},
		ScheduledDeletionAt: &at,
	}
}

func TestSweepCommand(t *testing.T) {
	b := &bucket{}
	srv := httptest.NewServer(b)
	defer srv.Close()

	cfgPath, dbPath := writeConfig(t, srv.URL)
	keep := expired("keep")
	keep.ScheduledDeletionAt = nil
	keep.ContentHash = "hash-keep"
	seed(t, dbPath, expired("gone"), keep)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "record gone deleted")
	assert.Contains(t, out, "gone_original.png deleted status=204")
	assert.Contains(t, out, "gone_thumb.png deleted status=204")
	assert.Contains(t, out, "checked=1 deleted=1 failed_keys=0")
	assert.Len(t, b.deleted, 2)

	store, err := sqlitestore.Open(context.Background(), config.SQLiteConfig{Path: dbPath, PoolSize: 1}, 10, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Get(context.Background(), "gone")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
	_, err = store.Get(context.Background(), "keep")
	assert.NoError(t, err)
}

func TestSweepCommandFailsOnStorageErrors(t *testing.T) {
	b := &bucket{deny: "_thumb.png"}
	srv := httptest.NewServer(b)
	defer srv.Close()

	cfgPath, dbPath := writeConfig(t, srv.URL)
	seed(t, dbPath, expired("stuck"))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "stuck_thumb.png failed status=403")
	assert.Contains(t, stdout.String(), "record stuck deleted")
}

func TestSweepCommandDryRun(t *testing.T) {
	b := &bucket{}
	srv := httptest.NewServer(b)
	defer srv.Close()

	cfgPath, dbPath := writeConfig(t, srv.URL)
	seed(t, dbPath, expired("later"))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath, "--dry-run"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "record later would be deleted")
	assert.Empty(t, b.deleted)
}

func TestSweepCommandBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), []string{"--nope"}, &stdout, &stderr))
}
