package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, MetadataPostgres, cfg.Metadata.Driver)
	assert.Equal(t, 3, cfg.Storage.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Storage.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Storage.ConnectTimeout)
	assert.Equal(t, 120*time.Second, cfg.Storage.RequestTimeout)
	assert.Equal(t, int64(10*1024*1024), cfg.Images.MaxBytes)

	profiles := cfg.DerivativeProfiles()
	require.Len(t, profiles, 4)
	assert.Equal(t, "original", profiles[0].Name)
	assert.True(t, profiles[0].IsOriginal())
	assert.Equal(t, "large", profiles[1].Name)
	assert.Equal(t, 1200, profiles[1].MaxWidth)
	assert.Equal(t, 85, profiles[1].Quality)
	assert.Equal(t, "thumb", profiles[3].Name)
	assert.Equal(t, 150, profiles[3].MaxHeight)
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
metadata:
  driver: sqlite
  sqlite:
    path: /tmp/x.db
storage:
  endpoint: https://s3.example.com
  bucket: media
  maxattempts: 5
  initialbackoff: 250ms
images:
  quality: 70
  profiles:
    - name: original
    - name: preview
      width: 320
      height: 240
      format: jpeg
      background: "#000000"
      quality: 60
`))
	require.NoError(t, err)

	assert.Equal(t, MetadataSQLite, cfg.Metadata.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Metadata.SQLite.Path)
	assert.Equal(t, 5, cfg.Storage.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.InitialBackoff)

	profiles := cfg.DerivativeProfiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "preview", profiles[1].Name)
	assert.Equal(t, 60, profiles[1].Quality)
	assert.Equal(t, "jpeg", profiles[1].Format)
	assert.Equal(t, 70, profiles[0].Quality)
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("PIXELHOP_STORAGE_ACCESSKEY", "from-env")
	t.Setenv("PIXELHOP_STORAGE_BUCKET", "env-bucket")

	cfg, err := LoadFile(writeConfig(t, "environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Storage.AccessKey)
	assert.Equal(t, "env-bucket", cfg.Storage.Bucket)
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `
images:
  profiles:
    - name: thumb
      width: 150
      height: 150
    - name: thumb
      width: 100
      height: 100
`))
	assert.ErrorContains(t, err, "duplicate image profile")

	_, err = LoadFile(writeConfig(t, `
images:
  profiles:
    - name: large
`))
	assert.ErrorContains(t, err, "needs width and height")

	_, err = LoadFile(writeConfig(t, "metadata:\n  driver: mongo\n"))
	assert.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
