package metadatacache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurehub/featurehub/pkg/metadatacache"
	"github.com/featurehub/featurehub/pkg/models"
	"github.com/featurehub/featurehub/pkg/observability"
)

func newTestCache(t *testing.T, ttl time.Duration) *metadatacache.Cache {
	c, err := metadatacache.New(metadatacache.Config{Capacity: 16, TTL: ttl}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)
	return c
}

func TestCache_SetGet(t *testing.T) {
	c := newTestCache(t, time.Minute)
	m := &models.FeatureMetadata{KeyName: "k1", StorageTier: models.TierHot}
	c.Set(m)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, m, got)
}

func TestCache_Get_Miss(t *testing.T) {
	c := newTestCache(t, time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCache_Get_ExpiredEntryEvicted(t *testing.T) {
	c := newTestCache(t, time.Millisecond)
	c.Set(&models.FeatureMetadata{KeyName: "k1"})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_BatchGet_SplitsHitsAndMisses(t *testing.T) {
	c := newTestCache(t, time.Minute)
	c.Set(&models.FeatureMetadata{KeyName: "a"})
	c.Set(&models.FeatureMetadata{KeyName: "b"})

	hits, misses := c.BatchGet([]string{"a", "b", "c"})
	assert.Len(t, hits, 2)
	assert.ElementsMatch(t, []string{"c"}, misses)
}

func TestCache_BatchSet(t *testing.T) {
	c := newTestCache(t, time.Minute)
	c.BatchSet(map[string]*models.FeatureMetadata{
		"a": {KeyName: "a"},
		"b": {KeyName: "b"},
	})
	assert.Equal(t, 2, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	c := newTestCache(t, time.Minute)
	c.Set(&models.FeatureMetadata{KeyName: "k1"})
	c.Invalidate("k1")

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestCache_DefaultConfigAppliedWhenZero(t *testing.T) {
	c, err := metadatacache.New(metadatacache.Config{}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)
	c.Set(&models.FeatureMetadata{KeyName: "k1"})

	_, ok := c.Get("k1")
	assert.True(t, ok)
}
