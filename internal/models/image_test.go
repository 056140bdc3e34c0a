package models

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStorageKeyRoundTrip(t *testing.T) {
	at := time.Date(2024, 2, 9, 23, 30, 0, 0, time.FixedZone("X", -3*3600))
	key := StorageKey(at, "2Zx9AbC", "thumb", "jpg")
	assert.Equal(t, "2024/02/10/2Zx9AbC_thumb.jpg", key)

	id, profile, ok := ParseStorageKey(key)
	assert.True(t, ok)
	assert.Equal(t, "2Zx9AbC", id)
	assert.Equal(t, "thumb", profile)

	id, profile, ok = ParseStorageKey("2024/02/10/abc_extra_large.webp")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "extra_large", profile)

	for _, bad := range []string{"", "thumb.jpg", "2024/02/10/noseparator.png", "a/b/c/d/e_f.png", "2024/02/10/_thumb.png"} {
		_, _, ok := ParseStorageKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestImageRecordActive(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Second), now.Add(time.Second)

	assert.True(t, ImageRecord{}.Active(now))
	assert.True(t, ImageRecord{ScheduledDeletionAt: &future}.Active(now))
	assert.False(t, ImageRecord{ScheduledDeletionAt: &past}.Active(now))
	assert.False(t, ImageRecord{ScheduledDeletionAt: &now}.Active(now))
}

func TestStorageKeys(t *testing.T) {
	rec := ImageRecord{Derivatives: map[string]Derivative{
		"original": {StorageKey: "k1"},
		"thumb":    {StorageKey: "k2"},
		"broken":   {},
	}}
	keys := rec.StorageKeys()
	sort.Strings(keys)
	assert.Equal(t, []string{"k1", "k2"}, keys)
}
