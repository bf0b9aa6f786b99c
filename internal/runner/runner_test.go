package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtassert "github.com/bigthinkcode/rest-tester/internal/assert"
	"github.com/bigthinkcode/rest-tester/internal/config"
	"github.com/bigthinkcode/rest-tester/internal/discovery"
	"github.com/bigthinkcode/rest-tester/internal/dispatch"
	"github.com/bigthinkcode/rest-tester/internal/logging"
	"github.com/bigthinkcode/rest-tester/internal/metrics"
	"github.com/bigthinkcode/rest-tester/internal/registry"
	"github.com/bigthinkcode/rest-tester/internal/report"
)

// target is a fake service under test that records the Authorization header
// and body of every request.
type target struct {
	mu     sync.Mutex
	auth   map[string][]string
	bodies map[string][]string
}

func newTarget(t *testing.T) (*target, *httptest.Server) {
	t.Helper()
	tg := &target{auth: map[string][]string{}, bodies: map[string][]string{}}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			body, _ := io.ReadAll(req.Body)
			tg.mu.Lock()
			tg.auth[req.URL.Path] = append(tg.auth[req.URL.Path], req.Header.Get("Authorization"))
			tg.bodies[req.URL.Path] = append(tg.bodies[req.URL.Path], string(body))
			tg.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/public", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/user/me", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1, "email": "a@example.com"}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/items", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	r.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return tg, srv
}

func (tg *target) authFor(path string) []string {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return append([]string(nil), tg.auth[path]...)
}

func writeGroup(t *testing.T, root, group, content string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(group))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests.json"), []byte(content), 0o644))
}

func encodedToken(exp time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp": %d}`, exp.Unix())))
}

func baseConfig(baseURL, testsDir string) *config.Config {
	cfg := &config.Config{
		HTTP: config.HTTPSettings{BaseURL: baseURL},
		Auth: config.AuthSettings{
			TokenEncoded:   true,
			EncodingFormat: config.EncodingBase64,
			Headers:        []map[string]string{{"Authorization": "Bearer {token}"}},
		},
		Execution: config.ExecutionSettings{TestsDir: testsDir},
	}
	cfg.ApplyDefaults()
	return cfg
}

type collector struct {
	results []rtassert.Result
	closed  *report.Summary
}

func (c *collector) Record(r rtassert.Result) { c.results = append(c.results, r) }
func (c *collector) Close(s report.Summary) error {
	c.closed = &s
	return nil
}

func TestRunIdentitiesAreIsolated(t *testing.T) {
	tg, srv := newTarget(t)
	root := t.TempDir()
	writeGroup(t, root, "public", `[{"api": {"uri": "/public", "method": "get"}, "tests": {"statusCode": 200, "timeout": 5}}]`)
	writeGroup(t, root, "user", `[{"api": {"uri": "/user/me", "method": "get"}, "tests": {"statusCode": 200, "jsonSchema": {"type": "object", "required": ["id"]}}}]`)

	token := encodedToken(time.Now().Add(time.Hour))
	cfg := baseConfig(srv.URL, root)
	cfg.HTTP.Method = dispatch.MethodSession
	cfg.Users = []config.UserToken{
		{Name: "member", Token: token, TestGroups: []string{"user/", "public/"}},
		{Name: "anonymous", TestGroups: []string{"public/", "user/"}},
	}

	sink := &collector{}
	m := metrics.NewMetrics()
	summary, err := New(Options{Config: cfg, Sink: sink, Metrics: m, Logger: logging.Discard()}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer " + token, ""}, tg.authFor("/public"))
	assert.Equal(t, []string{"Bearer " + token, ""}, tg.authFor("/user/me"))

	// The anonymous identity gets 401 on /user/me: one status failure, and the
	// schema assertion is skipped because the body is empty.
	assert.Equal(t, 6, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, summary.OK())
	require.NotNil(t, sink.closed)
	assert.Equal(t, summary.Total(), sink.closed.Total())

	seen := map[string]bool{}
	for _, r := range sink.results {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
	assert.True(t, seen["public/ - /public - statusCode #2"])
}

func TestRunExpiredTokenAbortsIdentity(t *testing.T) {
	tg, srv := newTarget(t)
	root := t.TempDir()
	writeGroup(t, root, "public", `[{"api": {"uri": "/public", "method": "get"}, "tests": {"statusCode": 200}}]`)

	cfg := baseConfig(srv.URL, root)
	cfg.Users = []config.UserToken{
		{Name: "stale", Token: encodedToken(time.Now().Add(-time.Hour)), TestGroups: []string{"public/"}},
		{Name: "anonymous", TestGroups: []string{"public/"}},
	}

	summary, err := New(Options{Config: cfg, Logger: logging.Discard()}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.IdentityErrors, 1)
	assert.Equal(t, "stale", summary.IdentityErrors[0].Identity)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, []string{""}, tg.authFor("/public"), "the stale identity must not send requests")
}

func TestRunTransportErrorRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	root := t.TempDir()
	writeGroup(t, root, "g", `[{"api": {"uri": "/x", "method": "get"}, "tests": {"statusCode": 200, "timeout": 1, "jsonSchema": {}}}]`)

	cfg := baseConfig(base, root)
	cfg.HTTP.RequestTimeoutSeconds = 1
	cfg.Users = []config.UserToken{{Name: "a", TestGroups: []string{"g/"}}}

	sink := &collector{}
	m := metrics.NewMetrics()
	summary, err := New(Options{Config: cfg, Sink: sink, Metrics: m, Logger: logging.Discard()}).Run(context.Background())
	require.NoError(t, err)

	// jsonSchema {} is falsy, so only two expectations are active.
	assert.Equal(t, 2, summary.Failed)
	for _, r := range sink.results {
		assert.NotEmpty(t, r.Message)
	}
}

func TestRunResolvesRegisteredPayload(t *testing.T) {
	tg, srv := newTarget(t)
	root := t.TempDir()
	writeGroup(t, root, "items", `[
  {"api": {"uri": "/items", "method": "post", "data": "NewItem"}, "tests": {"statusCode": 201}},
  {"api": {"uri": "/items", "method": "post", "data": "Missing"}, "tests": {"statusCode": 201}},
  {"api": {"uri": "/items", "method": "post", "data": "raw text body"}, "tests": {"statusCode": 201}},
  {"api": {"uri": "/items", "method": "post", "data": "ping", "raw_data": true}, "tests": {"statusCode": 201}}
]`)

	reg := registry.New()
	reg.RegisterPayload("NewItem", func() (any, error) { return map[string]any{"name": "x"}, nil })

	cfg := baseConfig(srv.URL, root)
	cfg.Users = []config.UserToken{{TestGroups: []string{"items/"}}}

	summary, err := New(Options{Config: cfg, Registry: reg, Logger: logging.Discard()}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Passed)

	tg.mu.Lock()
	defer tg.mu.Unlock()
	assert.Equal(t, []string{`{"name":"x"}`, "", "raw text body", "ping"}, tg.bodies["/items"])
}

func TestRunAutoConvertsOpenAPI(t *testing.T) {
	_, srv := newTarget(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "openapi.json")
	doc := map[string]any{
		"openapi": "3.0.0",
		"info":    map[string]any{"title": "Demo"},
		"paths": map[string]any{
			"/public": map[string]any{"get": map[string]any{"tags": []any{"open"}}},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	cfg := baseConfig(srv.URL, src)
	cfg.Execution.AutoConvert = true
	cfg.Users = []config.UserToken{{Name: "a", TestGroups: []string{"open/"}}}

	summary, err := New(Options{Config: cfg, Logger: logging.Discard()}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Passed)
	assert.DirExists(t, filepath.Join(dir, "Demo", "open"))
}

func TestRunFatalErrors(t *testing.T) {
	cfg := baseConfig("http://localhost", filepath.Join(t.TempDir(), "missing"))
	_, err := New(Options{Config: cfg, Logger: logging.Discard()}).Run(context.Background())
	require.ErrorIs(t, err, discovery.ErrRootNotFound)
	assert.True(t, IsFatal(err))

	cfg = baseConfig("http://localhost", t.TempDir())
	cfg.HTTP.Method = "carrier-pigeon"
	_, err = New(Options{Config: cfg, Logger: logging.Discard()}).Run(context.Background())
	assert.True(t, IsFatal(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	_, srv := newTarget(t)
	root := t.TempDir()
	writeGroup(t, root, "g", `[{"api": {"uri": "/slow", "method": "get"}, "tests": {"statusCode": 200}}]`)

	cfg := baseConfig(srv.URL, root)
	cfg.Users = []config.UserToken{{TestGroups: []string{"g/"}}, {TestGroups: []string{"g/"}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := New(Options{Config: cfg, Logger: logging.Discard()}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, summary.Total())
}
