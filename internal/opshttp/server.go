// Package opshttp serves the admin endpoints: liveness, readiness,
// Prometheus metrics and pprof.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/fragmentsync/internal/health"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

const DefaultPort = 9000

// untraced lists the probe and scrape paths polled on a timer.
var untraced = map[string]bool{
	"/-/ping":    true,
	"/-/healthy": true,
	"/-/ready":   true,
	"/healthz":   true,
	"/readyz":    true,
	"/metrics":   true,
}

// NewRouter builds the admin route table, traced with otelhttp.
func NewRouter(L log.Logger, opts *Options) http.Handler {
	r := chi.NewRouter()
	if !opts.AllowPublic {
		r.Use(func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) })
	}
	if opts.Middleware != nil {
		r.Use(opts.Middleware)
	}
	r.Use(middleware.Recoverer)

	r.Get("/-/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	})
	healthy := health.HealthzHandler(opts.Health)
	ready := health.ReadyzHandler(opts.Readiness)
	r.Get("/-/healthy", healthy)
	r.Get("/-/ready", ready)
	r.Get("/healthz", healthy)
	r.Get("/readyz", ready)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// pprof (or shadow with 404s)
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	} else {
		r.Handle("/debug/pprof/*", http.NotFoundHandler())
	}

	return otelhttp.NewHandler(r, "ops.http",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return !untraced[req.URL.Path]
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return "ops " + req.Method + " " + req.URL.Path
		}),
	)
}

// Start admin HTTP server with /metrics, /-/healthy, /-/ready, pprof debug endpoints
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

// requireNonPublicNetwork rejects callers outside loopback, private and
// link-local ranges.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		ip := net.ParseIP(host)
		if err != nil || ip == nil || !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
