// Package results implements the result store and its query engine. One raw
// findings document is kept per (scan, project, scanner) triple; writes
// overwrite whole documents, which keeps storage idempotent under
// at-least-once job execution.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"scanfleet/internal/config"
)

// Store is the Redis-backed result keyspace.
type Store struct {
	client *redis.Client
}

// New builds a store client from config.
func New(cfg config.Config) *Store {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))
}

// NewWithClient wraps an existing Redis client; used by tests and by
// services that share one connection.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func resultsKey(scanID, project string) string { return "scan:" + scanID + ":results:" + project }
func projectsKey(scanID string) string         { return "scan:" + scanID + ":resultprojects" }
func rulesKey(scanID string) string            { return "scan:" + scanID + ":rules" }

// Put stores the findings document for one (scan, project, scanner) triple,
// replacing any previous document for the same triple.
func (s *Store) Put(ctx context.Context, scanID, project, scanner string, doc json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, resultsKey(scanID, project), scanner, string(doc))
	pipe.SAdd(ctx, projectsKey(scanID), project)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store result %s/%s/%s: %w", scanID, project, scanner, err)
	}
	return nil
}

// Filter narrows a result query. Zero values select everything.
type Filter struct {
	// Project is matched as a substring of the stored project identifier.
	Project string
	// Scanner is matched exactly against the scanner name.
	Scanner string
	// Query is a gjson path evaluated against each matching findings
	// document; only the selected sub-structure is returned. A path that
	// matches nothing in a document drops that document from the output.
	Query string
}

// ProjectResults holds the (possibly query-narrowed) documents of one
// project, keyed by scanner name.
type ProjectResults struct {
	Results map[string]json.RawMessage `json:"results"`
}

// ScanResults is the query engine's output.
type ScanResults struct {
	ScanID   string                    `json:"scan_id"`
	Projects map[string]ProjectResults `json:"projects"`
}

// Query returns the scan's findings matching the filter.
func (s *Store) Query(ctx context.Context, scanID string, f Filter) (*ScanResults, error) {
	projects, err := s.client.SMembers(ctx, projectsKey(scanID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list result projects: %w", err)
	}
	sort.Strings(projects)

	out := &ScanResults{ScanID: scanID, Projects: map[string]ProjectResults{}}
	for _, project := range projects {
		if f.Project != "" && !strings.Contains(project, f.Project) {
			continue
		}
		docs, err := s.client.HGetAll(ctx, resultsKey(scanID, project)).Result()
		if err != nil {
			return nil, fmt.Errorf("read results for %s: %w", project, err)
		}
		matched := map[string]json.RawMessage{}
		for scanner, doc := range docs {
			if f.Scanner != "" && scanner != f.Scanner {
				continue
			}
			if f.Query != "" {
				res := gjson.Get(doc, f.Query)
				if !res.Exists() {
					continue
				}
				matched[scanner] = json.RawMessage(res.Raw)
				continue
			}
			matched[scanner] = json.RawMessage(doc)
		}
		if len(matched) > 0 {
			out.Projects[project] = ProjectResults{Results: matched}
		}
	}
	return out, nil
}

// PutRules uploads the scan's rule files (name -> content) for workers to
// materialize on disk before running rule-driven scanners.
func (s *Store) PutRules(ctx context.Context, scanID string, rules map[string]string) error {
	if len(rules) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(rules))
	for name, content := range rules {
		fields[name] = content
	}
	if err := s.client.HSet(ctx, rulesKey(scanID), fields).Err(); err != nil {
		return fmt.Errorf("store rules for %s: %w", scanID, err)
	}
	return nil
}

// DeleteRules drops the scan's uploaded rule files.
func (s *Store) DeleteRules(ctx context.Context, scanID string) error {
	if err := s.client.Del(ctx, rulesKey(scanID)).Err(); err != nil {
		return fmt.Errorf("delete rules for %s: %w", scanID, err)
	}
	return nil
}

// Rules fetches the scan's rule files.
func (s *Store) Rules(ctx context.Context, scanID string) (map[string]string, error) {
	rules, err := s.client.HGetAll(ctx, rulesKey(scanID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read rules for %s: %w", scanID, err)
	}
	return rules, nil
}
