package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moshouhot/CodePilot/internal/metrics"
	"github.com/moshouhot/CodePilot/internal/shutdown"
	"github.com/moshouhot/CodePilot/internal/supervisor"
)

type fakeBackend struct {
	snap       supervisor.Snapshot
	lines      []string
	restartErr error
	restarts   int
	stops      int
	lastN      int
}

func (f *fakeBackend) Snapshot() supervisor.Snapshot { return f.snap }

func (f *fakeBackend) Diagnostics(n int) []string {
	f.lastN = n
	return f.lines
}

func (f *fakeBackend) Restart(context.Context) (supervisor.Snapshot, error) {
	f.restarts++
	return f.snap, f.restartErr
}

func (f *fakeBackend) Stop(context.Context) shutdown.Outcome {
	f.stops++
	return shutdown.Outcome{Forced: true, Elapsed: 3 * time.Second}
}

func setupRouter(t *testing.T, b Backend, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(b, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	b := &fakeBackend{snap: supervisor.Snapshot{State: supervisor.StateReady, URL: "http://127.0.0.1:5000", Port: 5000, PID: 42}}
	h := setupRouter(t, b, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got supervisor.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != supervisor.StateReady || got.PID != 42 || got.Port != 5000 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestDiagnostics(t *testing.T) {
	b := &fakeBackend{lines: []string{"a", "b"}}
	h := setupRouter(t, b, "")
	rec := doReq(t, h, http.MethodGet, "/diagnostics?lines=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if b.lastN != 2 {
		t.Fatalf("expected lines=2 to be forwarded, got %d", b.lastN)
	}
	if !strings.Contains(rec.Body.String(), `"lines":["a","b"]`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	b.lines = nil
	rec = doReq(t, h, http.MethodGet, "/diagnostics")
	if !strings.Contains(rec.Body.String(), `"lines":[]`) {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
	if b.lastN != 50 {
		t.Fatalf("expected default 50, got %d", b.lastN)
	}
}

func TestRestart(t *testing.T) {
	b := &fakeBackend{snap: supervisor.Snapshot{State: supervisor.StateReady}}
	h := setupRouter(t, b, "")
	rec := doReq(t, h, http.MethodPost, "/restart")
	if rec.Code != http.StatusOK || b.restarts != 1 {
		t.Fatalf("restart: code=%d restarts=%d", rec.Code, b.restarts)
	}

	b.restartErr = supervisor.ErrQuitting
	rec = doReq(t, h, http.MethodPost, "/restart")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while quitting, got %d", rec.Code)
	}

	b.restartErr = errors.New("spawn failed")
	rec = doReq(t, h, http.MethodPost, "/restart")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestStop(t *testing.T) {
	b := &fakeBackend{}
	h := setupRouter(t, b, "/x")
	rec := doReq(t, h, http.MethodPost, "/x/stop")
	if rec.Code != http.StatusOK || b.stops != 1 {
		t.Fatalf("stop: code=%d stops=%d", rec.Code, b.stops)
	}
	if !strings.Contains(rec.Body.String(), `"forced":true`) || !strings.Contains(rec.Body.String(), `"elapsed_ms":3000`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, "/x/stop"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET stop should not route, got %d", rec.Code)
	}
}

func TestResources(t *testing.T) {
	h := setupRouter(t, &fakeBackend{}, "")
	if rec := doReq(t, h, http.MethodGet, "/resources"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sampler, got %d", rec.Code)
	}

	s := &metrics.ResourceSampler{Name: "self", PID: os.Getpid}
	h = setupRouter(t, &fakeBackend{}, "", WithResources(s))
	if rec := doReq(t, h, http.MethodGet, "/resources"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first sample, got %d", rec.Code)
	}
	s.Sample(context.Background())
	rec := doReq(t, h, http.MethodGet, "/resources")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"memory_rss"`) {
		t.Fatalf("unexpected resources response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	h := setupRouter(t, &fakeBackend{}, "", WithMetrics())
	if rec := doReq(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	h = setupRouter(t, &fakeBackend{}, "")
	if rec := doReq(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when metrics disabled, got %d", rec.Code)
	}
}

func TestNewServerBindsEphemeralPort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := &fakeBackend{snap: supervisor.Snapshot{State: supervisor.StateIdle}}
	srv, addr, err := NewServer("127.0.0.1:0", NewRouter(b, ""))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + addr.String() + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
