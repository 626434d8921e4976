package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moshouhot/CodePilot/internal/metrics"
	"github.com/moshouhot/CodePilot/internal/process"
	"github.com/moshouhot/CodePilot/internal/shutdown"
	"github.com/moshouhot/CodePilot/internal/supervisor"
)

// Backend is the supervisor surface the status API needs.
type Backend interface {
	Snapshot() supervisor.Snapshot
	Diagnostics(n int) []string
	Restart(ctx context.Context) (supervisor.Snapshot, error)
	Stop(ctx context.Context) shutdown.Outcome
}

// Router provides embeddable HTTP handlers for inspecting the backend.
// Endpoints:
//
//	GET  {basePath}/status                 supervisor snapshot
//	GET  {basePath}/diagnostics?lines=N    recent backend output
//	GET  {basePath}/resources              last CPU/memory sample
//	POST {basePath}/restart                stop and start the backend
//	POST {basePath}/stop                   stop the backend
//	GET  /metrics                          Prometheus, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend   Backend
	basePath  string
	sampler   *metrics.ResourceSampler
	metrics   bool
	opTimeout time.Duration
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

// WithResources exposes samples from s.
func WithResources(s *metrics.ResourceSampler) Option { return func(r *Router) { r.sampler = s } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string, opts ...Option) *Router {
	r := &Router{backend: b, basePath: sanitizeBase(basePath), opTimeout: 45 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/diagnostics", r.handleDiagnostics)
	group.GET("/resources", r.handleResources)
	group.POST("/restart", r.handleRestart)
	group.POST("/stop", r.handleStop)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router and
// returns it together with the bound address, so "127.0.0.1:0" can be used.
func NewServer(addr string, r *Router) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      r.opTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type diagnosticsResp struct {
	Lines []string `json:"lines"`
}

type stopResp struct {
	Skipped   bool  `json:"skipped"`
	Forced    bool  `json:"forced"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.backend.Snapshot())
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	n := parseLines(c.Query("lines"), 50, process.DefaultDiagnosticLines)
	lines := r.backend.Diagnostics(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, diagnosticsResp{Lines: lines})
}

func (r *Router) handleResources(c *gin.Context) {
	if r.sampler == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	u, ok := r.sampler.Latest()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample yet"})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleRestart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opTimeout)
	defer cancel()
	snap, err := r.backend.Restart(ctx)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrQuitting) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.opTimeout)
	defer cancel()
	out := r.backend.Stop(ctx)
	writeJSON(c, http.StatusOK, stopResp{Skipped: out.Skipped, Forced: out.Forced, ElapsedMS: out.Elapsed.Milliseconds()})
}
