package opshttp

import (
	"net/http"

	"github.com/keithlinneman/viewerboot/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	// Health backs /healthz and Readiness backs /readyz. Nil passes.
	Health    health.Probe
	Readiness health.Probe
	// OnPanic runs after a recovered handler panic.
	OnPanic func()
	// AllowPublic serves callers from public addresses too.
	AllowPublic bool
}
