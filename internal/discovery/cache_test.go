package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"scanfleet/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Hour), mr
}

func baseConfig() models.ScanConfig {
	return models.ScanConfig{
		Provider:      models.ProviderGitHub,
		Organizations: []string{"acme"},
		Scanners:      []string{"semgrep"},
		Filters:       models.Filters{MaxRepoMBSize: intPtr(50)},
	}
}

func TestCacheKeyIgnoresScanners(t *testing.T) {
	a := baseConfig()
	b := baseConfig()
	b.Scanners = []string{"trufflehog", "semgrep"}
	require.Equal(t, CacheKey(a), CacheKey(b), "scanner choice must not affect the discovery key")
}

func TestCacheKeyVariesWithTargetAndFilters(t *testing.T) {
	a := baseConfig()

	b := baseConfig()
	b.Organizations = []string{"other"}
	require.NotEqual(t, CacheKey(a), CacheKey(b))

	c := baseConfig()
	c.Filters.MaxRepoMBSize = intPtr(10)
	require.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := CacheKey(baseConfig())

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	projects := []models.Project{{Path: "acme/app", CloneURL: "https://x/app.git", SizeMB: 10}}
	require.NoError(t, cache.Put(ctx, key, projects))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, projects, got)
}

func TestCacheEntryExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	key := CacheKey(baseConfig())

	require.NoError(t, cache.Put(ctx, key, []models.Project{{Path: "acme/app"}}))
	mr.FastForward(2 * time.Hour)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheEntriesAndPurge(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cfgA := baseConfig()
	cfgB := baseConfig()
	cfgB.Organizations = []string{"other"}
	require.NoError(t, cache.Put(ctx, CacheKey(cfgA), []models.Project{{Path: "acme/app"}}))
	require.NoError(t, cache.Put(ctx, CacheKey(cfgB), []models.Project{{Path: "other/lib"}, {Path: "other/app"}}))

	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	purged, err := cache.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	entries, err = cache.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}
