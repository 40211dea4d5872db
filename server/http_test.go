package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/annotate"
	"github.com/wolfeidau/account-age/config"
	"github.com/wolfeidau/account-age/engine"
	"github.com/wolfeidau/account-age/telemetry"
	"github.com/wolfeidau/account-age/upstream"
)

type stubUpstream struct {
	calls atomic.Int32
}

func (s *stubUpstream) FetchAccount(_ context.Context, h accountage.Handle) (*upstream.Account, error) {
	s.calls.Add(1)
	if h == "ghost" {
		return nil, upstream.ErrNotFound
	}
	return &upstream.Account{Name: h.String(), CreatedAt: time.Now().Add(-400*24*time.Hour - time.Hour)}, nil
}

type testServer struct {
	*httptest.Server
	srv      *Server
	engine   *engine.Engine
	upstream *stubUpstream
}

func newTestServer(t *testing.T, authToken string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	settings := config.Default()
	settings.MinFetchIntervalMs = 0
	settings.BackoffBaseMs = 1

	up := &stubUpstream{}
	e, err := engine.New(context.Background(), engine.Config{
		Settings: settings,
		Upstream: up,
		Logger:   logger,
	})
	require.NoError(t, err)

	srv, err := New(Config{AuthToken: authToken, Engine: e, Logger: logger})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = e.Close(context.Background())
	})
	return &testServer{Server: ts, srv: srv, engine: e, upstream: up}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	resp, body := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAgeLookup(t *testing.T) {
	ts := newTestServer(t, "")

	resp, body := ts.get(t, "/age/Alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got ageResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, accountage.Handle("alice"), got.Handle)
	assert.Equal(t, 400, got.AgeDays)
	assert.True(t, got.Known)
	assert.Equal(t, "400d", got.Label)
	assert.Equal(t, accountage.SourceLive, got.Source)

	_, body = ts.get(t, "/age/alice")
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, accountage.SourceCache, got.Source)
	assert.Equal(t, int32(1), ts.upstream.calls.Load())
}

func TestAgeLookupUnknown(t *testing.T) {
	ts := newTestServer(t, "")

	resp, body := ts.get(t, "/age/ghost")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got ageResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.False(t, got.Known)
	assert.Equal(t, accountage.UnknownAge, got.AgeDays)
	assert.Equal(t, "?", got.Label)
}

func TestAgeLookupInvalidHandle(t *testing.T) {
	ts := newTestServer(t, "")
	resp, _ := ts.get(t, "/age/not%20valid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, ts.upstream.calls.Load())
}

func TestAgeLookupAfterShutdown(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.engine.Close(context.Background()))

	resp, _ := ts.get(t, "/age/alice")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestScanAndAnnotations(t *testing.T) {
	ts := newTestServer(t, "")

	content := `<div><a href="/user/alice">alice</a> <a href="https://www.reddit.com/u/ghost/">ghost</a>
<a href="/user/AutoModerator">bot</a></div>`
	resp, err := http.Post(ts.URL+"/scan", "text/html", strings.NewReader(content))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var dispatched map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dispatched))
	assert.Equal(t, 2, dispatched["dispatched"])

	require.Eventually(t, func() bool { return ts.engine.Board.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	r, body := ts.get(t, "/annotations")
	require.Equal(t, http.StatusOK, r.StatusCode)
	var list []annotate.Annotation
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	r, body = ts.get(t, "/annotations?limit=1")
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	r, body = ts.get(t, "/annotations/alice")
	require.Equal(t, http.StatusOK, r.StatusCode)
	var a annotate.Annotation
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, "400d", a.Label)

	r, _ = ts.get(t, "/annotations/carol")
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	r, _ = ts.get(t, "/annotations?limit=-2")
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestScanBodyLimit(t *testing.T) {
	ts := newTestServer(t, "")
	ts.srv.config.MaxScanBytes = 16

	resp, err := http.Post(ts.URL+"/scan", "text/html", strings.NewReader(strings.Repeat("u/alice ", 10)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, "")
	ts.get(t, "/age/alice")

	resp, body := ts.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got statsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 1, got.Cache.Entries)
	assert.Equal(t, "none", got.Store)
	assert.Equal(t, 1, got.Annotations)
	assert.Empty(t, got.Pending)
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	resp, _ := ts.get(t, "/age/alice")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/age/alice", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestDeriveRoute(t *testing.T) {
	tests := map[string]string{
		"/health":            "internal",
		"/metrics":           "internal",
		"/scan":              "scan",
		"/age/alice":         "age",
		"/annotations":       "annotations",
		"/annotations/alice": "annotations",
		"/other":             "unknown",
	}
	for path, want := range tests {
		assert.Equal(t, want, deriveRoute(path), path)
	}
}

func TestLoggingMiddlewareSetsRoute(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var route string
	handler := s.loggingMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		route = telemetry.RouteFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/scan", nil))

	assert.Equal(t, "scan", route)
}
