package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/model"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acoustid.json")
	c := NewCache(path)

	match := &model.FingerprintMatch{
		Provider:    "acoustid",
		Score:       0.97,
		RecordingID: "rec-1",
		Artist:      "Artist",
		Title:       "Title",
		Applied:     true,
	}
	require.NoError(t, c.Put("key-1", match))

	// A fresh cache instance reads the persisted file.
	got, ok := NewCache(path).Get("key-1")
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "rec-1", got.RecordingID)
	assert.False(t, got.Applied, "applied flag is per-call and not persisted")
}

func TestCacheNegativeEntry(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "acoustid.json"))
	require.NoError(t, c.Put("miss", nil))

	got, ok := c.Get("miss")
	assert.True(t, ok)
	assert.Nil(t, got)

	_, ok = c.Get("never-stored")
	assert.False(t, ok)
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "acoustid.json"))
	for i := 0; i < cacheMaxEntries+10; i++ {
		require.NoError(t, c.Put(fmt.Sprintf("key-%d", i), nil))
	}

	assert.LessOrEqual(t, len(c.entries), cacheMaxEntries)
	_, ok := c.Get(fmt.Sprintf("key-%d", cacheMaxEntries+9))
	assert.True(t, ok, "newest entry survives eviction")
}

func TestCacheIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acoustid.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c := NewCache(path)
	_, ok := c.Get("anything")
	assert.False(t, ok)
	assert.NoError(t, c.Put("k", nil))
}

func TestCacheKeyStable(t *testing.T) {
	assert.Equal(t, cacheKey(248, "abc"), cacheKey(248, "abc"))
	assert.NotEqual(t, cacheKey(248, "abc"), cacheKey(247, "abc"))
}
