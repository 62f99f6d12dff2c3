package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"scanfleet/internal/config"
	"scanfleet/internal/discovery"
	"scanfleet/internal/models"
	"scanfleet/internal/queue"
	"scanfleet/internal/results"
	"scanfleet/internal/store"
)

const testSecret = "sekrit"

type fakeScanStore struct {
	mu        sync.Mutex
	scans     map[string]models.Scan
	createErr error
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{scans: map[string]models.Scan{}}
}

func (f *fakeScanStore) CreateScan(_ context.Context, scan models.Scan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.scans[scan.ID] = scan
	return nil
}

func (f *fakeScanStore) GetScan(_ context.Context, id string) (models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scan, ok := f.scans[id]
	if !ok {
		return models.Scan{}, store.ErrNotFound
	}
	return scan, nil
}

func (f *fakeScanStore) ListScans(_ context.Context, _ int) ([]models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Scan
	for _, s := range f.scans {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeScanStore) AppendEvent(_ context.Context, _, _, _ string) error { return nil }

type fakeDiscoverer struct {
	mu    sync.Mutex
	scans []models.Scan
}

func (f *fakeDiscoverer) Run(_ context.Context, scan models.Scan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, scan)
}

func (f *fakeDiscoverer) launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scans)
}

type testEnv struct {
	server *httptest.Server
	scans  *fakeScanStore
	disc   *fakeDiscoverer
	queue  *queue.Queue
	res    *results.Store
	redis  *redis.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	scans := newFakeScanStore()
	disc := &fakeDiscoverer{}
	q := queue.NewWithClient(client, 5*time.Minute)
	res := results.NewWithClient(client)
	cache := discovery.NewCache(client, time.Hour)

	cfg := config.Config{APISecretKey: testSecret}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, scans, q, res, cache, nil, disc, logger)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	return &testEnv{server: hs, scans: scans, disc: disc, queue: q, res: res, redis: client}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, auth bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if auth {
		req.Header.Set("API-SECRET-KEY", testSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func validConfig() map[string]any {
	return map[string]any{
		"provider":      "github",
		"organizations": []string{"acme"},
		"scanners":      []string{"semgrep"},
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/scans", nil, false)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/scans", nil)
	req.Header.Set("API-SECRET-KEY", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthzIsOpen(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", nil, false)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateScan(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/scans", validConfig(), true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out createScanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Regexp(t, `^SCAN-\d{8}-\d{6}-[0-9a-f]{6}$`, out.ScanID)

	_, err := env.scans.GetScan(context.Background(), out.ScanID)
	require.NoError(t, err)

	// discovery launches asynchronously
	require.Eventually(t, func() bool { return env.disc.launched() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCreateScanRejectsBadConfig(t *testing.T) {
	env := newTestEnv(t)

	cfg := validConfig()
	cfg["scanners"] = []string{"nope"}
	resp := env.do(t, http.MethodPost, "/scans", cfg, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "scanners", body["field"])
	require.Zero(t, env.disc.launched(), "no discovery for rejected config")
}

func TestCreateScanStoresRuleFiles(t *testing.T) {
	env := newTestEnv(t)

	cfg := validConfig()
	cfg["rule_files"] = map[string]string{"custom.yaml": "rules: []"}
	resp := env.do(t, http.MethodPost, "/scans", cfg, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out createScanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	rules, err := env.res.Rules(context.Background(), out.ScanID)
	require.NoError(t, err)
	require.Equal(t, "rules: []", rules["custom.yaml"])
}

func TestCreateScanFailureCleansUpRules(t *testing.T) {
	env := newTestEnv(t)
	env.scans.createErr = errors.New("postgres down")

	cfg := validConfig()
	cfg["rule_files"] = map[string]string{"custom.yaml": "rules: []"}
	resp := env.do(t, http.MethodPost, "/scans", cfg, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// No rule hash may be left behind for a scan that was never created.
	keys, err := env.redis.Keys(context.Background(), "scan:*:rules").Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestListScansCarriesDerivedStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done := models.Scan{ID: "SCAN-20260101-000000-aaaaaa", Discovery: models.DiscoveryFinished}
	live := models.Scan{ID: "SCAN-20260101-000000-bbbbbb", Discovery: models.DiscoveryFinished}
	require.NoError(t, env.scans.CreateScan(ctx, done))
	require.NoError(t, env.scans.CreateScan(ctx, live))
	require.NoError(t, env.queue.Enqueue(ctx, models.Job{
		ID: "j1", ScanID: live.ID, Project: "acme/app", MaxAttempts: 3, State: models.JobQueued,
	}))

	resp := env.do(t, http.MethodGet, "/scans", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Scans []struct {
			ScanID string `json:"scan_id"`
			Status string `json:"status"`
		} `json:"scans"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Scans, 2)

	statuses := map[string]string{}
	for _, s := range out.Scans {
		statuses[s.ScanID] = s.Status
	}
	require.Equal(t, "completed", statuses[done.ID])
	require.Equal(t, "pending", statuses[live.ID])
}

func TestScanStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	scan := models.Scan{ID: "SCAN-20260101-000000-abc123", Discovery: models.DiscoveryFinished}
	require.NoError(t, env.scans.CreateScan(ctx, scan))
	require.NoError(t, env.queue.Enqueue(ctx, models.Job{
		ID: "j1", ScanID: scan.ID, Project: "acme/app", MaxAttempts: 3, State: models.JobQueued,
	}))

	resp := env.do(t, http.MethodGet, "/scans/"+scan.ID+"/status", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status scanStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "pending", status.Status)
	require.Equal(t, 1, status.Jobs.Queued)
}

func TestScanStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/scans/SCAN-nope/status", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	scan := models.Scan{ID: "SCAN-20260101-000000-abc123", Discovery: models.DiscoveryFinished}
	require.NoError(t, env.scans.CreateScan(ctx, scan))
	doc := json.RawMessage(`{"results":[{"ruleId":"go.weak-hash"}]}`)
	require.NoError(t, env.res.Put(ctx, scan.ID, "acme/app", "semgrep", doc))

	resp := env.do(t, http.MethodGet, "/scans/"+scan.ID+"/results?project=app", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out results.ScanResults
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out.Projects, "acme/app")
}

func TestCleanupQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	scan := models.Scan{ID: "SCAN-20260101-000000-abc123", Discovery: models.DiscoveryFinished}
	require.NoError(t, env.scans.CreateScan(ctx, scan))
	require.NoError(t, env.queue.Enqueue(ctx, models.Job{
		ID: "j1", ScanID: scan.ID, Project: "acme/app", MaxAttempts: 3, State: models.JobQueued,
	}))

	resp := env.do(t, http.MethodDelete, "/queue?scan="+scan.ID, nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out["removed"])

	counts, err := env.queue.Counts(ctx, scan.ID)
	require.NoError(t, err)
	require.Zero(t, counts.Total())
}

func TestCleanupQueueRequiresTarget(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodDelete, "/queue", nil, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
