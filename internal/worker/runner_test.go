package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"scanfleet/internal/config"
	"scanfleet/internal/models"
	"scanfleet/internal/queue"
	"scanfleet/internal/results"
)

type fakeScanner struct {
	name string
	full bool
	run  func(ctx context.Context, dir string, spec ScanSpec) (json.RawMessage, error)
}

func (f fakeScanner) Name() string           { return f.name }
func (f fakeScanner) NeedsFullHistory() bool { return f.full }
func (f fakeScanner) Run(ctx context.Context, dir string, spec ScanSpec) (json.RawMessage, error) {
	return f.run(ctx, dir, spec)
}

func okScanner(name string) fakeScanner {
	return fakeScanner{name: name, run: func(context.Context, string, ScanSpec) (json.RawMessage, error) {
		return json.RawMessage(`{"results":[]}`), nil
	}}
}

func failScanner(name string) fakeScanner {
	return fakeScanner{name: name, run: func(context.Context, string, ScanSpec) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}}
}

type testHarness struct {
	runner *Runner
	queue  *queue.Queue
	res    *results.Store
}

func newHarness(t *testing.T, policy string, scanners ...Scanner) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewWithClient(client, 5*time.Minute)
	res := results.NewWithClient(client)
	cfg := config.Config{
		LeaseTTL:             5 * time.Minute,
		HeartbeatInterval:    50 * time.Millisecond,
		WorkerPollInterval:   10 * time.Millisecond,
		ScannerFailurePolicy: policy,
	}
	r := &Runner{
		cfg:      cfg,
		queue:    q,
		results:  res,
		scanners: map[string]Scanner{},
		checkout: func(_ context.Context, _ models.Job, _ bool) (string, func(), error) {
			return t.TempDir(), func() {}, nil
		},
		workerID: "worker-test",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, sc := range scanners {
		r.scanners[sc.Name()] = sc
	}
	return &testHarness{runner: r, queue: q, res: res}
}

func (h *testHarness) enqueue(t *testing.T, scanners ...string) models.Job {
	t.Helper()
	job := models.Job{
		ID:          "job-1",
		ScanID:      "SCAN-20260101-000000-abc123",
		Project:     "acme/app",
		Provider:    models.ProviderGitHub,
		CloneURL:    "https://example.com/acme/app.git",
		Scanners:    scanners,
		State:       models.JobQueued,
		MaxAttempts: 3,
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	return job
}

func (h *testHarness) leaseAndProcess(t *testing.T) models.Job {
	t.Helper()
	ctx := context.Background()
	lease, err := h.queue.Lease(ctx, "worker-test", time.Now())
	require.NoError(t, err)
	h.runner.process(ctx, lease)
	job, err := h.queue.GetJob(ctx, lease.Job.ID)
	require.NoError(t, err)
	return job
}

func TestProcessSucceeds(t *testing.T) {
	h := newHarness(t, config.PolicyFailJob, okScanner("semgrep"))
	h.enqueue(t, "semgrep")

	job := h.leaseAndProcess(t)
	require.Equal(t, models.JobSucceeded, job.State)

	res, err := h.res.Query(context.Background(), job.ScanID, results.Filter{})
	require.NoError(t, err)
	require.Contains(t, res.Projects, "acme/app")
	require.Contains(t, res.Projects["acme/app"].Results, "semgrep")
}

func TestScannerFailureKeepsSiblingFindings(t *testing.T) {
	h := newHarness(t, config.PolicyFailJob, okScanner("semgrep"), failScanner("trufflehog"))
	h.enqueue(t, "semgrep", "trufflehog")

	job := h.leaseAndProcess(t)

	// Default policy retries the job, but findings already collected stay.
	require.Equal(t, models.JobQueued, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Contains(t, job.LastError, "trufflehog")

	res, err := h.res.Query(context.Background(), job.ScanID, results.Filter{})
	require.NoError(t, err)
	require.Contains(t, res.Projects["acme/app"].Results, "semgrep")
	require.NotContains(t, res.Projects["acme/app"].Results, "trufflehog")
}

func TestPartialPolicySucceedsWithOneCleanScanner(t *testing.T) {
	h := newHarness(t, config.PolicyPartial, okScanner("semgrep"), failScanner("trufflehog"))
	h.enqueue(t, "semgrep", "trufflehog")

	job := h.leaseAndProcess(t)
	require.Equal(t, models.JobSucceeded, job.State)
}

func TestPartialPolicyFailsWhenAllScannersFail(t *testing.T) {
	h := newHarness(t, config.PolicyPartial, failScanner("semgrep"))
	h.enqueue(t, "semgrep")

	job := h.leaseAndProcess(t)
	require.Equal(t, models.JobQueued, job.State)
	require.Equal(t, 1, job.Attempts)
}

func TestUnregisteredScannerFailsJob(t *testing.T) {
	h := newHarness(t, config.PolicyFailJob, okScanner("semgrep"))
	h.enqueue(t, "semgrep", "dependency-confusion")

	job := h.leaseAndProcess(t)
	require.Equal(t, models.JobQueued, job.State)
	require.Contains(t, job.LastError, "dependency-confusion")
}

func TestCheckoutFailureFailsJob(t *testing.T) {
	h := newHarness(t, config.PolicyFailJob, okScanner("semgrep"))
	h.runner.checkout = func(context.Context, models.Job, bool) (string, func(), error) {
		return "", nil, errors.New("auth required")
	}
	h.enqueue(t, "semgrep")

	job := h.leaseAndProcess(t)
	require.Equal(t, models.JobQueued, job.State)
	require.Contains(t, job.LastError, "checkout")
}

func TestCleanedUpJobIsDiscarded(t *testing.T) {
	h := newHarness(t, config.PolicyFailJob, okScanner("semgrep"))
	seed := h.enqueue(t, "semgrep")
	ctx := context.Background()

	lease, err := h.queue.Lease(ctx, "worker-test", time.Now())
	require.NoError(t, err)

	// Queue cleanup removes the leased job while the worker still holds it.
	removed, err := h.queue.CleanupScan(ctx, seed.ScanID)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// Processing must not recreate the job or error out.
	h.runner.process(ctx, lease)
	_, err = h.queue.GetJob(ctx, seed.ID)
	require.Error(t, err)
}

func TestUnreachableStoreErrorsAreLogged(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	r := &Runner{
		cfg: config.Config{
			LeaseTTL:           time.Minute,
			HeartbeatInterval:  50 * time.Millisecond,
			WorkerPollInterval: 5 * time.Millisecond,
		},
		queue:    queue.NewWithClient(client, time.Minute),
		results:  results.NewWithClient(client),
		scanners: map[string]Scanner{},
		workerID: "worker-test",
		logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	}
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	require.Contains(t, buf.String(), "requeue expired")
	require.Contains(t, buf.String(), "lease job")
}

func TestRuleFilesReachScanner(t *testing.T) {
	var gotRulesDir string
	sc := fakeScanner{name: "semgrep", run: func(_ context.Context, _ string, spec ScanSpec) (json.RawMessage, error) {
		gotRulesDir = spec.RulesDir
		return json.RawMessage(`{}`), nil
	}}
	h := newHarness(t, config.PolicyFailJob, sc)
	job := h.enqueue(t, "semgrep")
	require.NoError(t, h.res.PutRules(context.Background(), job.ScanID, map[string]string{"custom.yaml": "rules: []"}))

	h.leaseAndProcess(t)
	require.NotEmpty(t, gotRulesDir)
}

func TestPathFiltersRideTheJob(t *testing.T) {
	var spec ScanSpec
	sc := fakeScanner{name: "semgrep", run: func(_ context.Context, _ string, s ScanSpec) (json.RawMessage, error) {
		spec = s
		return json.RawMessage(`{}`), nil
	}}
	h := newHarness(t, config.PolicyFailJob, sc)
	job := models.Job{
		ID: "job-1", ScanID: "SCAN-20260101-000000-abc123", Project: "acme/app",
		Scanners:          []string{"semgrep"},
		IgnorePathRegexes: []string{`^vendor/`},
		MustPathRegexes:   []string{`\.go$`},
		State:             models.JobQueued, MaxAttempts: 3,
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), job))

	h.leaseAndProcess(t)
	require.Len(t, spec.Ignore, 1)
	require.Len(t, spec.Must, 1)
	require.True(t, pathAllowed("internal/a.go", spec))
	require.False(t, pathAllowed("vendor/lib/a.go", spec))
	require.False(t, pathAllowed("README.md", spec))
}
