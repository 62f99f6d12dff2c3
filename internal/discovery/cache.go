package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scanfleet/internal/models"
)

const cacheKeyPrefix = "projects:"

// Cache keeps discovered project sets keyed by the discovery query (target
// plus filter set) so repeated scans against the same target skip the
// provider round trips. Entries are pure snapshots with a TTL; concurrent
// discoveries racing to populate the same key are last-write-wins.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a cache with the given entry TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// CacheKey derives the cache key for a scan configuration. Scanners are not
// part of the key: two scans over the same target and filters share one
// discovered set regardless of what they run on it.
func CacheKey(cfg models.ScanConfig) string {
	query := struct {
		Provider      models.Provider `json:"provider"`
		Organizations []string        `json:"organizations,omitempty"`
		Repositories  []string        `json:"repositories,omitempty"`
		Groups        []string        `json:"groups,omitempty"`
		Filters       models.Filters  `json:"filters"`
	}{cfg.Provider, cfg.Organizations, cfg.Repositories, cfg.Groups, cfg.Filters}
	raw, _ := json.Marshal(query)
	sum := sha256.Sum256(raw)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached project set for key, if present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) ([]models.Project, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read project cache: %w", err)
	}
	var projects []models.Project
	if err := json.Unmarshal(raw, &projects); err != nil {
		return nil, false, fmt.Errorf("decode project cache: %w", err)
	}
	return projects, true, nil
}

// Put stores the project set under key with the cache TTL.
func (c *Cache) Put(ctx context.Context, key string, projects []models.Project) error {
	raw, err := json.Marshal(projects)
	if err != nil {
		return fmt.Errorf("encode project cache: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write project cache: %w", err)
	}
	return nil
}

// Entry summarizes one cached discovery set for the control plane.
type Entry struct {
	Key      string   `json:"key"`
	Projects []string `json:"projects"`
}

// Entries lists all cached discovery sets.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	iter := c.client.Scan(ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		projects, ok, err := c.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		entry := Entry{Key: key, Projects: make([]string, 0, len(projects))}
		for _, p := range projects {
			entry.Projects = append(entry.Projects, p.Path)
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan project cache: %w", err)
	}
	return entries, nil
}

// Purge invalidates every cached discovery set and returns how many entries
// were dropped.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan project cache: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("purge project cache: %w", err)
	}
	return len(keys), nil
}
