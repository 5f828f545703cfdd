package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/viewerboot/internal/health"
	"github.com/keithlinneman/viewerboot/internal/httpmw"
	"github.com/keithlinneman/viewerboot/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    httpmw.Middleware
	RateLimitMW  httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes mounts the viewer API on the router.
	APIRoutes func(chi.Router)
	// Viewer, when set, stamps X-Viewer-State on every response.
	Viewer httpmw.StateReporter

	// Health and Readiness are mirrored on the public listener when set.
	Health    health.Probe
	Readiness health.Probe

	// MaxBodyBytes caps every request body. BodyLimits raise it per path,
	// e.g. for uploads.
	MaxBodyBytes int64
	BodyLimits   []httpmw.BodyLimit

	// WriteTimeout must outlast the slowest load. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

func (o *Options) logger() log.Logger {
	if o.Logger == nil {
		return log.Nop()
	}
	return o.Logger
}

func (o *Options) writeTimeout() time.Duration {
	if o.WriteTimeout > 0 {
		return o.WriteTimeout
	}
	return DefaultWriteTimeout
}
