package results

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

const semgrepDoc = `{"runs":[{"results":[{"ruleId":"go.sql-injection","level":"error"},{"ruleId":"go.weak-hash","level":"warning"}]}]}`
const trufflehogDoc = `{"findings":[{"detector":"aws","verified":true}]}`

func seed(t *testing.T, s *Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "SCAN-1", "acme/api", "semgrep", json.RawMessage(semgrepDoc)))
	require.NoError(t, s.Put(ctx, "SCAN-1", "acme/api", "trufflehog", json.RawMessage(trufflehogDoc)))
	require.NoError(t, s.Put(ctx, "SCAN-1", "acme/web", "semgrep", json.RawMessage(`{"runs":[{"results":[]}]}`)))
}

func TestQueryWithoutFiltersReturnsEverything(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	out, err := s.Query(context.Background(), "SCAN-1", Filter{})
	require.NoError(t, err)
	require.Len(t, out.Projects, 2)
	assert.Len(t, out.Projects["acme/api"].Results, 2)
	assert.JSONEq(t, semgrepDoc, string(out.Projects["acme/api"].Results["semgrep"]))
}

func TestQueryProjectSubstring(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	out, err := s.Query(context.Background(), "SCAN-1", Filter{Project: "web"})
	require.NoError(t, err)
	require.Len(t, out.Projects, 1)
	_, ok := out.Projects["acme/web"]
	assert.True(t, ok)
}

func TestQueryScannerExactMatch(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	out, err := s.Query(context.Background(), "SCAN-1", Filter{Scanner: "trufflehog"})
	require.NoError(t, err)
	require.Len(t, out.Projects, 1)
	assert.Len(t, out.Projects["acme/api"].Results, 1)

	// Partial name is not a match.
	out, err = s.Query(context.Background(), "SCAN-1", Filter{Scanner: "truffle"})
	require.NoError(t, err)
	assert.Empty(t, out.Projects)
}

func TestQueryPathSelectsSubstructure(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	out, err := s.Query(context.Background(), "SCAN-1", Filter{Scanner: "semgrep", Query: "runs.0.results.#.ruleId"})
	require.NoError(t, err)
	require.Contains(t, out.Projects, "acme/api")
	assert.JSONEq(t, `["go.sql-injection","go.weak-hash"]`, string(out.Projects["acme/api"].Results["semgrep"]))
}

func TestQueryPathMatchingNothingIsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	out, err := s.Query(context.Background(), "SCAN-1", Filter{Query: "no.such.path"})
	require.NoError(t, err)
	assert.Empty(t, out.Projects)
}

func TestQueryUnknownScanIsEmpty(t *testing.T) {
	s := newTestStore(t)
	out, err := s.Query(context.Background(), "SCAN-missing", Filter{})
	require.NoError(t, err)
	assert.Empty(t, out.Projects)
}

func TestPutOverwritesIdempotently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "SCAN-1", "acme/api", "semgrep", json.RawMessage(`{"attempt":1}`)))
	require.NoError(t, s.Put(ctx, "SCAN-1", "acme/api", "semgrep", json.RawMessage(`{"attempt":2}`)))

	out, err := s.Query(ctx, "SCAN-1", Filter{})
	require.NoError(t, err)
	require.Len(t, out.Projects, 1)
	require.Len(t, out.Projects["acme/api"].Results, 1)
	assert.JSONEq(t, `{"attempt":2}`, string(out.Projects["acme/api"].Results["semgrep"]))
}

func TestRulesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rules := map[string]string{"sqli.yaml": "rules: []", "xss.yml": "rules: []"}
	require.NoError(t, s.PutRules(ctx, "SCAN-1", rules))

	got, err := s.Rules(ctx, "SCAN-1")
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	empty, err := s.Rules(ctx, "SCAN-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
