package viewer

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/viewerboot/internal/log"
)

// Metrics is implemented by the metrics package to observe session behavior.
type Metrics interface {
	SetSessionState(state string)
	IncLoad(outcome string)
	IncResolution(outcome string)
	ObserveResourceLoadDuration(seconds float64)
	SetQueueDepth(n int)
	AddTransientHandles(delta int)
}

// Options configures a Session. Only Container and Engine are required, and
// their absence is reported by Initialize rather than by NewSession.
type Options struct {
	Container Container
	Engine    Engine
	Config    Config

	// Resolver expands URL requests. nil treats every URL as a single reference.
	Resolver Resolver

	// Handles mints transient references for file requests. File requests
	// fail resolution when nil.
	Handles HandleStore

	// Extensions overrides DefaultExtensions. An empty non-nil slice registers nothing.
	Extensions []ExtensionKind

	Logger  log.Logger
	Metrics Metrics

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

type nopMetrics struct{}

func (nopMetrics) SetSessionState(string)              {}
func (nopMetrics) IncLoad(string)                      {}
func (nopMetrics) IncResolution(string)                {}
func (nopMetrics) ObserveResourceLoadDuration(float64) {}
func (nopMetrics) SetQueueDepth(int)                   {}
func (nopMetrics) AddTransientHandles(int)             {}
