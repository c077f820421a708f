package opshttp

import (
	"net/http"

	"github.com/keithlinneman/fragmentsync/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Middleware wraps every route, e.g. request metrics.
	Middleware func(http.Handler) http.Handler

	// AllowPublic disables the private-network restriction.
	AllowPublic bool
}
