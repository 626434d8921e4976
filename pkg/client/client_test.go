package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"ready","url":"http://127.0.0.1:5123","port":5123,"pid":99,"quitting":false,"process":{"name":"backend","pid":99,"running":true,"exited":false}}`))
	})
	mux.HandleFunc("GET /api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lines") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"lines":["[server] one","[server] two"]}`))
	})
	mux.HandleFunc("GET /api/resources", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"resource sampling disabled"}`))
	})
	mux.HandleFunc("POST /api/restart", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"supervisor: quitting"}`))
	})
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"skipped":false,"forced":true,"elapsed_ms":3012}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStatus(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api/"})

	require.True(t, c.IsReachable(context.Background()))
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Serving())
	assert.Equal(t, uint16(5123), st.Port)
	assert.Equal(t, 99, st.PID)
	require.NotNil(t, st.Process)
	assert.True(t, st.Process.Running)
}

func TestClientDiagnostics(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})

	lines, err := c.Diagnostics(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"[server] one", "[server] two"}, lines)

	_, err = c.Diagnostics(context.Background(), 0)
	assert.EqualError(t, err, "HTTP 400")
}

func TestClientErrors(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})

	_, err := c.Resources(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.Restart(context.Background())
	assert.EqualError(t, err, "API error: supervisor: quitting")
}

func TestClientStop(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Equal(t, int64(3012), res.ElapsedMS)
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	assert.False(t, c.IsReachable(context.Background()))
}
