// Package stub is a stand-in backend used for local development and end to
// end tests of the supervisor. It honours the same PORT and HOSTNAME contract
// as the real server and exposes the readiness endpoint.
package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
)

// Options controls stub behaviour. OptionsFromEnv reads them from the
// environment the supervisor passes to its child.
type Options struct {
	Host         string
	Port         string
	HealthPath   string
	ReadyDelay   time.Duration // sleep before binding the port
	ExitCode     int           // exit immediately with this code when ExitNow is set
	ExitNow      bool
	IgnoreTerm   bool // ignore SIGTERM so only a force kill stops the stub
	HealthStatus int  // status served by the health endpoint
}

// ExitError asks the caller to exit the process with Code.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("stub exit %d", e.Code) }

// OptionsFromEnv reads PORT, HOSTNAME and the STUB_* knobs.
func OptionsFromEnv(getenv func(string) string) (Options, error) {
	o := Options{
		Host:         getenv("HOSTNAME"),
		Port:         getenv("PORT"),
		HealthPath:   getenv("STUB_HEALTH_PATH"),
		HealthStatus: http.StatusOK,
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.HealthPath == "" {
		o.HealthPath = "/api/health"
	}
	if o.Port == "" {
		return o, errors.New("PORT is not set")
	}
	if v := getenv("STUB_READY_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return o, fmt.Errorf("STUB_READY_DELAY: %w", err)
		}
		o.ReadyDelay = d
	}
	if v := getenv("STUB_EXIT_CODE"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("STUB_EXIT_CODE: %w", err)
		}
		o.ExitCode, o.ExitNow = c, true
	}
	if v := getenv("STUB_HEALTH_STATUS"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("STUB_HEALTH_STATUS: %w", err)
		}
		o.HealthStatus = c
	}
	o.IgnoreTerm, _ = strconv.ParseBool(getenv("STUB_IGNORE_SIGTERM"))
	return o, nil
}

// NewServer builds the echo instance serving the stub routes.
func NewServer(o Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET(o.HealthPath, func(c echo.Context) error {
		return c.JSON(o.HealthStatus, map[string]any{"status": http.StatusText(o.HealthStatus), "pid": os.Getpid()})
	})
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "codepilot stub backend\n")
	})
	return e
}

// Run serves until ctx is done or a terminate signal arrives.
func Run(ctx context.Context, o Options, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if o.ExitNow {
		fmt.Fprintf(os.Stderr, "stub: exiting with code %d\n", o.ExitCode)
		return &ExitError{Code: o.ExitCode}
	}

	sigs := make(chan os.Signal, 1)
	if o.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("stub: ignoring SIGTERM")
	} else {
		signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
		defer signal.Stop(sigs)
	}

	if o.ReadyDelay > 0 {
		fmt.Printf("stub: warming up for %s\n", o.ReadyDelay)
		select {
		case <-time.After(o.ReadyDelay):
		case <-ctx.Done():
			return nil
		case <-sigs:
			return nil
		}
	}

	e := NewServer(o)
	addr := net.JoinHostPort(o.Host, o.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()
	fmt.Printf("stub: listening on http://%s\n", addr)
	log.Info("stub backend listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-sigs:
		fmt.Println("stub: shutting down")
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.Shutdown(sctx)
}
