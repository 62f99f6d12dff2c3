// Package queue implements the shared job store: one entry per
// (scan, project) pair with a lease-based claim protocol. All state
// transitions run as Redis Lua scripts so that concurrent workers observe a
// single point of truth for job ownership. The lease token minted at claim
// time is the lock: every mutation must present the token that is currently
// recorded on the job, so a worker whose lease expired and was reassigned
// cannot corrupt a peer's progress.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
)

var (
	// ErrDuplicateJob means a job for the same (scan, project) pair already
	// exists. Correct discovery never triggers it; treat it as a bug signal.
	ErrDuplicateJob = errors.New("duplicate job for project within scan")
	// ErrEmpty means no queued job (and no expired lease) is available.
	ErrEmpty = errors.New("no jobs available")
	// ErrLeaseExpired means the presented lease token is no longer the one
	// recorded on the job: the lease timed out and another worker holds it.
	ErrLeaseExpired = errors.New("lease expired or reassigned")
	// ErrJobGone means the job record no longer exists, typically because
	// the queue was cleaned up while the worker was executing.
	ErrJobGone = errors.New("job no longer exists")
)

const jobKeyPrefix = "job:"

// Lease is a time-bounded exclusive claim on one job.
type Lease struct {
	Job   models.Job
	Token string
}

// Outcome is the aggregate result a worker reports on completion.
type Outcome struct {
	Succeeded bool
	Error     string
}

// Queue is the Redis-backed job store shared by the control plane, the
// discovery engine, and all workers.
type Queue struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.LeaseTTL)
}

// NewWithClient wraps an existing Redis client; used by tests.
func NewWithClient(client *redis.Client, leaseTTL time.Duration) *Queue {
	if leaseTTL == 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Queue{client: client, leaseTTL: leaseTTL}
}

func jobKey(id string) string          { return jobKeyPrefix + id }
func scanJobsKey(scanID string) string { return "scan:" + scanID + ":jobs" }
func dedupKey(scanID string) string    { return "scan:" + scanID + ":projects" }

const (
	readyKey    = "queue:ready"
	inflightKey = "queue:inflight"
	scansKey    = "queue:scans"
)

// Enqueue inserts a queued job. It fails with ErrDuplicateJob when the scan
// already holds a job for the same project.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	job.State = models.JobQueued

	fields, err := hashFields(job)
	if err != nil {
		return err
	}
	argv := make([]interface{}, 0, 3+len(fields))
	argv = append(argv, job.Project, job.ID, job.ScanID)
	argv = append(argv, fields...)

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{dedupKey(job.ScanID), jobKey(job.ID), scanJobsKey(job.ScanID), readyKey, scansKey},
		argv...).Result()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if res == "dup" {
		return fmt.Errorf("%w: scan=%s project=%s", ErrDuplicateJob, job.ScanID, job.Project)
	}
	return nil
}

// Lease atomically claims one queued job for workerID and returns it together
// with a freshly minted lease token. ErrEmpty when nothing is claimable.
func (q *Queue) Lease(ctx context.Context, workerID string, now time.Time) (*Lease, error) {
	token := uuid.New().String()
	expiry := now.Add(q.leaseTTL).UnixMilli()

	res, err := leaseScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		token, expiry, workerID, jobKeyPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from lease script: %T", res)
	}

	data, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leased job %s: %w", id, err)
	}
	job, err := jobFromHash(data)
	if err != nil {
		return nil, fmt.Errorf("decode leased job %s: %w", id, err)
	}
	return &Lease{Job: job, Token: token}, nil
}

// Heartbeat pushes the lease deadline forward. ErrLeaseExpired when the job
// was reclaimed by another worker, ErrJobGone when it was cleaned up.
func (q *Queue) Heartbeat(ctx context.Context, jobID, token string, now time.Time) error {
	expiry := now.Add(q.leaseTTL).UnixMilli()
	res, err := heartbeatScript.Run(ctx, q.client,
		[]string{jobKey(jobID), inflightKey},
		token, expiry, jobID).Result()
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	return guardResult(res)
}

// MarkRunning transitions a leased job to running. Same token guard as
// Heartbeat.
func (q *Queue) MarkRunning(ctx context.Context, jobID, token string) error {
	res, err := markRunningScript.Run(ctx, q.client,
		[]string{jobKey(jobID)},
		token).Result()
	if err != nil {
		return fmt.Errorf("mark running job %s: %w", jobID, err)
	}
	return guardResult(res)
}

// Complete reports the aggregate outcome of a leased job. A failed job whose
// attempt counter has not reached the maximum returns to queued; otherwise
// the terminal state is recorded. ErrJobGone means the job was removed while
// leased (queue cleanup) and the caller should discard its result silently.
func (q *Queue) Complete(ctx context.Context, jobID, token string, outcome Outcome) error {
	verdict := models.JobFailed
	if outcome.Succeeded {
		verdict = models.JobSucceeded
	}
	res, err := completeScript.Run(ctx, q.client,
		[]string{jobKey(jobID), inflightKey, readyKey},
		token, jobID, verdict, outcome.Error).Result()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return guardResult(res)
}

// RequeueExpired rolls jobs whose lease deadline passed back to queued,
// clearing their tokens so any late writes from the previous holder are
// rejected. Returns the reclaimed job IDs.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{inflightKey, readyKey},
		now.UnixMilli(), limit, jobKeyPrefix).Result()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// GetJob fetches one job record. ErrJobGone when it does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	data, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(data) == 0 {
		return models.Job{}, ErrJobGone
	}
	return jobFromHash(data)
}

// Counts aggregates the scan's jobs by state.
func (q *Queue) Counts(ctx context.Context, scanID string) (models.JobCounts, error) {
	ids, err := q.client.SMembers(ctx, scanJobsKey(scanID)).Result()
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("list scan jobs: %w", err)
	}
	var counts models.JobCounts
	if len(ids) == 0 {
		return counts, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, jobKey(id), "state")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.JobCounts{}, fmt.Errorf("read job states: %w", err)
	}
	for _, cmd := range cmds {
		switch cmd.Val() {
		case models.JobQueued:
			counts.Queued++
		case models.JobLeased:
			counts.Leased++
		case models.JobRunning:
			counts.Running++
		case models.JobSucceeded:
			counts.Succeeded++
		case models.JobFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// CleanupScan removes the scan's non-terminal jobs from the store. Jobs
// whose lease a worker currently holds are removed as well; that worker's
// eventual Complete observes ErrJobGone and discards the outcome. Returns
// how many jobs were removed.
func (q *Queue) CleanupScan(ctx context.Context, scanID string) (int, error) {
	res, err := cleanupScript.Run(ctx, q.client,
		[]string{scanJobsKey(scanID), dedupKey(scanID), readyKey, inflightKey, scansKey},
		jobKeyPrefix, scanID).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup scan %s: %w", scanID, err)
	}
	n, _ := res.(int64)
	return int(n), nil
}

// CleanupAll runs CleanupScan for every scan known to the queue.
func (q *Queue) CleanupAll(ctx context.Context) (int, error) {
	scanIDs, err := q.client.SMembers(ctx, scansKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list scans: %w", err)
	}
	total := 0
	for _, id := range scanIDs {
		n, err := q.CleanupScan(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Depth returns the length of the ready queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

func guardResult(res interface{}) error {
	switch res {
	case "gone":
		return ErrJobGone
	case "stale":
		return ErrLeaseExpired
	default:
		return nil
	}
}

func hashFields(job models.Job) ([]interface{}, error) {
	scanners, err := json.Marshal(job.Scanners)
	if err != nil {
		return nil, fmt.Errorf("marshal scanners: %w", err)
	}
	ignore, err := json.Marshal(job.IgnorePathRegexes)
	if err != nil {
		return nil, fmt.Errorf("marshal ignore regexes: %w", err)
	}
	must, err := json.Marshal(job.MustPathRegexes)
	if err != nil {
		return nil, fmt.Errorf("marshal must regexes: %w", err)
	}
	return []interface{}{
		"id", job.ID,
		"scan_id", job.ScanID,
		"project", job.Project,
		"provider", string(job.Provider),
		"clone_url", job.CloneURL,
		"default_branch", job.DefaultBranch,
		"scanners", string(scanners),
		"ignore_path_regexes", string(ignore),
		"must_path_regexes", string(must),
		"state", models.JobQueued,
		"attempts", "0",
		"max_attempts", fmt.Sprintf("%d", job.MaxAttempts),
		"last_error", "",
		"enqueued_at", job.EnqueuedAt.Format(time.RFC3339Nano),
	}, nil
}

func jobFromHash(data map[string]string) (models.Job, error) {
	if len(data) == 0 {
		return models.Job{}, ErrJobGone
	}
	job := models.Job{
		ID:            data["id"],
		ScanID:        data["scan_id"],
		Project:       data["project"],
		Provider:      models.Provider(data["provider"]),
		CloneURL:      data["clone_url"],
		DefaultBranch: data["default_branch"],
		State:         data["state"],
		WorkerID:      data["worker_id"],
		LastError:     data["last_error"],
	}
	if v := data["scanners"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Scanners); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal scanners: %w", err)
		}
	}
	if v := data["ignore_path_regexes"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &job.IgnorePathRegexes); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal ignore regexes: %w", err)
		}
	}
	if v := data["must_path_regexes"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &job.MustPathRegexes); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal must regexes: %w", err)
		}
	}
	fmt.Sscanf(data["attempts"], "%d", &job.Attempts)
	fmt.Sscanf(data["max_attempts"], "%d", &job.MaxAttempts)
	if v := data["enqueued_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.EnqueuedAt = t
		}
	}
	return job, nil
}
