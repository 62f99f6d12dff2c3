// Package discovery drives the provider adapters: it enumerates candidate
// repositories for a scan, applies the scan's filters, and turns qualifying
// projects into jobs page by page, so workers start scanning before the
// listing finishes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
	"scanfleet/internal/provider"
	"scanfleet/internal/queue"
	"scanfleet/internal/telemetry"
)

// ScanTracker records discovery progress on the scan record.
type ScanTracker interface {
	SetDiscoveryStatus(ctx context.Context, scanID string, status models.DiscoveryStatus, discovered int, message string) error
	AppendEvent(ctx context.Context, scanID, event, detail string) error
}

// Engine runs discovery for one scan at a time.
type Engine struct {
	cfg     config.Config
	queue   *queue.Queue
	cache   *Cache
	tracker ScanTracker

	// newProvider is swappable in tests.
	newProvider func(models.Provider) (provider.Provider, error)
}

// NewEngine wires a discovery engine against the shared stores.
func NewEngine(cfg config.Config, q *queue.Queue, cache *Cache, tracker ScanTracker) *Engine {
	return &Engine{
		cfg:     cfg,
		queue:   q,
		cache:   cache,
		tracker: tracker,
		newProvider: func(p models.Provider) (provider.Provider, error) {
			return provider.New(cfg, p)
		},
	}
}

// Run discovers the scan's projects and enqueues one job per qualifying
// project. Provider failures are retried with backoff; on exhaustion the
// scan's discovery is marked failed without discarding jobs already
// enqueued.
func (e *Engine) Run(ctx context.Context, scan models.Scan) {
	logger := slog.With("scan_id", scan.ID)
	logger.InfoContext(ctx, "discovery started", "provider", scan.Config.Provider)
	_ = e.tracker.AppendEvent(ctx, scan.ID, "discovery_started", string(scan.Config.Provider))

	enqueued, err := e.discover(ctx, scan, logger)
	if err != nil {
		logger.ErrorContext(ctx, "discovery failed", "enqueued", enqueued, "error", err)
		_ = e.tracker.SetDiscoveryStatus(ctx, scan.ID, models.DiscoveryFailed, enqueued, err.Error())
		_ = e.tracker.AppendEvent(ctx, scan.ID, "discovery_failed", err.Error())
		return
	}
	logger.InfoContext(ctx, "discovery finished", "enqueued", enqueued)
	_ = e.tracker.SetDiscoveryStatus(ctx, scan.ID, models.DiscoveryFinished, enqueued, "")
	_ = e.tracker.AppendEvent(ctx, scan.ID, "discovery_finished", fmt.Sprintf("jobs=%d", enqueued))
}

func (e *Engine) discover(ctx context.Context, scan models.Scan, logger *slog.Logger) (int, error) {
	key := CacheKey(scan.Config)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		logger.InfoContext(ctx, "project cache hit", "projects", len(cached))
		return e.enqueuePage(ctx, scan, cached)
	}

	prov, err := e.newProvider(scan.Config.Provider)
	if err != nil {
		return 0, err
	}
	target := provider.Target{
		Organizations: scan.Config.Organizations,
		Repositories:  scan.Config.Repositories,
		Groups:        scan.Config.Groups,
		NeedSizes:     scan.Config.Filters.MaxRepoMBSize != nil,
	}

	now := time.Now()
	seen := map[string]bool{}
	var discovered []models.Project
	enqueued := 0

	listErr := e.listWithRetry(ctx, prov, target, func(page []models.Project) error {
		qualifying := make([]models.Project, 0, len(page))
		for _, p := range page {
			if seen[p.Path] || !Match(scan.Config.Filters, p, now) {
				continue
			}
			seen[p.Path] = true
			qualifying = append(qualifying, p)
		}
		telemetry.ProjectsDiscovered.Add(float64(len(page)))
		discovered = append(discovered, qualifying...)
		n, err := e.enqueuePage(ctx, scan, qualifying)
		enqueued += n
		return err
	})
	if listErr != nil {
		return enqueued, listErr
	}

	if err := e.cache.Put(ctx, key, discovered); err != nil {
		// Cache population is best effort; the scan itself is unaffected.
		logger.WarnContext(ctx, "project cache write failed", "error", err)
	}
	return enqueued, nil
}

// listWithRetry retries provider failures with exponential backoff. Job
// dedup in the queue makes a retried listing idempotent: pages enqueued
// before the failure are skipped as duplicates on the next pass.
func (e *Engine) listWithRetry(ctx context.Context, prov provider.Provider, target provider.Target, emit func([]models.Project) error) error {
	attempt := 0
	for {
		err := prov.ListProjects(ctx, target, emit)
		if err == nil {
			return nil
		}
		var perr *provider.Error
		if !errors.As(err, &perr) {
			// Not a provider failure: the emit callback (job store) errored.
			return err
		}
		attempt++
		if attempt > e.cfg.DiscoveryMaxRetries {
			return fmt.Errorf("discovery retries exhausted after %d attempts: %w", attempt, err)
		}
		telemetry.DiscoveryRetries.Inc()
		wait := backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempt)
		slog.WarnContext(ctx, "provider error, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (e *Engine) enqueuePage(ctx context.Context, scan models.Scan, projects []models.Project) (int, error) {
	enqueued := 0
	for _, p := range projects {
		job := models.Job{
			ScanID:            scan.ID,
			Project:           p.Path,
			Provider:          p.Provider,
			CloneURL:          p.CloneURL,
			DefaultBranch:     p.DefaultBranch,
			Scanners:          scan.Config.Scanners,
			IgnorePathRegexes: scan.Config.Filters.IgnorePathRegexes,
			MustPathRegexes:   scan.Config.Filters.MustPathRegexes,
			MaxAttempts:       e.cfg.MaxAttempts,
		}
		err := e.queue.Enqueue(ctx, job)
		if errors.Is(err, queue.ErrDuplicateJob) {
			// Either a retried listing replaying a page, or a discovery bug.
			slog.WarnContext(ctx, "duplicate job skipped", "scan_id", scan.ID, "project", p.Path)
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", p.Path, err)
		}
		enqueued++
		telemetry.JobsEnqueued.Inc()
	}
	return enqueued, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
