package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server serves /metrics, /healthz and /readyz.
type Server struct {
	addr  string
	ready func() bool
}

// NewServer returns a Server listening on addr. ready backs /readyz; a nil
// ready func always reports ready.
func NewServer(addr string, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{addr: addr, ready: ready}
}

// Handler returns the router for the admin endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready() {
			http.Error(w, "caches not synced", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return r
}

// Run serves until ctx is canceled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		clog.InfoContext(ctx, "serving metrics", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		clog.ErrorContext(ctx, "metrics server shutdown failed", "error", err)
		return err
	}
	clog.InfoContext(ctx, "metrics server shut down")
	return nil
}
