// Package worker leases jobs, checks out repositories and fans each one
// through the configured scanners, reporting findings and outcomes back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
	"scanfleet/internal/queue"
	"scanfleet/internal/results"
	"scanfleet/internal/telemetry"
)

// Runner drives one worker execution loop.
type Runner struct {
	cfg      config.Config
	queue    *queue.Queue
	results  *results.Store
	scanners map[string]Scanner
	checkout CheckoutFunc
	workerID string
	logger   *slog.Logger
}

// NewRunner creates a runner with the built-in scanner set and git checkout.
func NewRunner(cfg config.Config, q *queue.Queue, res *results.Store, workerID string, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		queue:    q,
		results:  res,
		scanners: DefaultScanners(),
		checkout: GitCheckout(cfg),
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// Run executes the main worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reclaimed, err := r.queue.RequeueExpired(ctx, time.Now(), 100)
		if err != nil {
			r.logger.Error("requeue expired", "error", err)
		} else if len(reclaimed) > 0 {
			telemetry.LeaseReclaims.Add(float64(len(reclaimed)))
			r.logger.Warn("requeued expired leases", "count", len(reclaimed))
		}
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		lease, err := r.queue.Lease(ctx, r.workerID, time.Now())
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				r.logger.Error("lease job", "error", err)
			}
			if !sleepCtx(ctx, r.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		r.process(ctx, lease)
	}
}

func (r *Runner) process(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	logger := r.logger.With("job_id", job.ID, "scan_id", job.ScanID, "project", job.Project)

	// The job context is cancelled when the lease is lost, so a scanner
	// cannot keep writing after another worker takes over.
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go r.heartbeat(jobCtx, cancel, job.ID, lease.Token, hbDone)
	defer func() {
		cancel()
		<-hbDone
	}()

	if err := r.queue.MarkRunning(jobCtx, job.ID, lease.Token); err != nil {
		if errors.Is(err, queue.ErrJobGone) || errors.Is(err, queue.ErrLeaseExpired) {
			logger.Warn("job no longer held, abandoning", "error", err)
			return
		}
		logger.Error("mark running", "error", err)
		return
	}

	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	logger.Info("job started", "attempt", job.Attempts+1, "scanners", strings.Join(job.Scanners, ","))
	outcome := r.execute(jobCtx, job, logger)

	// Report on the loop context: jobCtx may already be cancelled by a
	// lost lease, and the queue decides staleness from the token anyway.
	err := r.queue.Complete(ctx, job.ID, lease.Token, outcome)
	switch {
	case errors.Is(err, queue.ErrJobGone):
		logger.Info("job removed while running, result discarded")
	case errors.Is(err, queue.ErrLeaseExpired):
		logger.Warn("lease lost while running, result discarded")
	case err != nil:
		logger.Error("report outcome", "error", err)
	case outcome.Succeeded:
		telemetry.JobsSucceeded.Inc()
		logger.Info("job succeeded")
	default:
		telemetry.JobsFailed.Inc()
		logger.Warn("job failed", "error", outcome.Error)
	}
}

// heartbeat extends the lease until the job context ends. A gone job is left
// running so its final report can no-op; a stale token cancels the job.
func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID, token string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastExtended := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.queue.Heartbeat(ctx, jobID, token, time.Now())
			switch {
			case err == nil:
				lastExtended = time.Now()
			case errors.Is(err, queue.ErrJobGone):
				// Cleanup deleted the job out from under us.
				lastExtended = time.Now()
			case errors.Is(err, queue.ErrLeaseExpired):
				r.logger.Warn("lease stolen, cancelling job", "job_id", jobID)
				cancel()
				return
			default:
				r.logger.Error("heartbeat", "job_id", jobID, "error", err)
				// Retry across transient store errors, but once the
				// lease must have lapsed the job may be re-leased
				// elsewhere and work has to stop.
				if r.cfg.LeaseTTL > 0 && time.Since(lastExtended) > r.cfg.LeaseTTL {
					r.logger.Warn("heartbeat unreachable past lease deadline, cancelling job", "job_id", jobID)
					cancel()
					return
				}
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, job models.Job, logger *slog.Logger) queue.Outcome {
	spec, specCleanup, err := r.buildSpec(ctx, job)
	if err != nil {
		return queue.Outcome{Error: err.Error()}
	}
	defer specCleanup()

	fullHistory := false
	for _, name := range job.Scanners {
		if sc, ok := r.scanners[name]; ok && sc.NeedsFullHistory() {
			fullHistory = true
		}
	}

	dir, cleanup, err := r.checkout(ctx, job, fullHistory)
	if err != nil {
		return queue.Outcome{Error: fmt.Sprintf("checkout: %v", err)}
	}
	defer cleanup()

	var failures []string
	succeeded := 0
	for _, name := range job.Scanners {
		sc, ok := r.scanners[name]
		if !ok {
			failures = append(failures, name+": scanner not registered")
			telemetry.ScannerFailures.Inc()
			continue
		}

		runCtx := ctx
		var runCancel context.CancelFunc = func() {}
		if r.cfg.ScannerTimeout > 0 {
			runCtx, runCancel = context.WithTimeout(ctx, r.cfg.ScannerTimeout)
		}
		doc, err := sc.Run(runCtx, dir, spec)
		runCancel()
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			telemetry.ScannerFailures.Inc()
			logger.Warn("scanner failed", "scanner", name, "error", err)
			continue
		}
		if err := r.results.Put(ctx, job.ScanID, job.Project, name, doc); err != nil {
			failures = append(failures, fmt.Sprintf("%s: store results: %v", name, err))
			continue
		}
		succeeded++
	}

	switch {
	case len(failures) == 0:
		return queue.Outcome{Succeeded: true}
	case r.cfg.ScannerFailurePolicy == config.PolicyPartial && succeeded > 0:
		logger.Warn("partial success", "failed_scanners", strings.Join(failures, "; "))
		return queue.Outcome{Succeeded: true}
	default:
		return queue.Outcome{Error: strings.Join(failures, "; ")}
	}
}

// buildSpec compiles the job's path filters and materializes any uploaded
// rule files onto disk for scanners that read rule directories.
func (r *Runner) buildSpec(ctx context.Context, job models.Job) (ScanSpec, func(), error) {
	spec := ScanSpec{Job: job}
	cleanup := func() {}

	for _, p := range job.IgnorePathRegexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return spec, cleanup, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		spec.Ignore = append(spec.Ignore, re)
	}
	for _, p := range job.MustPathRegexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return spec, cleanup, fmt.Errorf("compile must pattern %q: %w", p, err)
		}
		spec.Must = append(spec.Must, re)
	}

	rules, err := r.results.Rules(ctx, job.ScanID)
	if err != nil {
		return spec, cleanup, fmt.Errorf("fetch rule files: %w", err)
	}
	if len(rules) > 0 {
		dir, err := os.MkdirTemp("", "rules-")
		if err != nil {
			return spec, cleanup, fmt.Errorf("create rules dir: %w", err)
		}
		cleanup = func() { _ = os.RemoveAll(dir) }
		for name, content := range rules {
			// Uploaded names are untrusted, keep only the base name.
			path := filepath.Join(dir, filepath.Base(name))
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return spec, cleanup, fmt.Errorf("write rule file %s: %w", name, err)
			}
		}
		spec.RulesDir = dir
	}
	return spec, cleanup, nil
}

// sleepCtx waits d or until ctx ends, reporting whether the wait completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
