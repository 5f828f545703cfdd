package viewer

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// Container is the host-owned render surface a session binds to.
// The session borrows it and never mutates it outside the engine.
type Container interface {
	ContainerID() string
}

// ExtensionKind names an optional engine capability module.
type ExtensionKind string

const (
	ExtensionCameraController ExtensionKind = "camera-controller"
	ExtensionMeasurements     ExtensionKind = "measurements"
)

// DefaultExtensions is the fixed set registered on every Initialize.
func DefaultExtensions() []ExtensionKind {
	return []ExtensionKind{ExtensionCameraController, ExtensionMeasurements}
}

// Config is copied at construction and never changes afterwards.
type Config struct {
	// Verbose raises per-resource diagnostics to info level and asks the
	// engine for its own diagnostic output.
	Verbose bool

	// WorkerScriptPath enables background parse offload on engines that
	// support it. Empty keeps all work on the calling goroutine.
	WorkerScriptPath string
}

// Engine is the opaque rendering component. Init is called once per session.
type Engine interface {
	Init(ctx context.Context, c Container, cfg Config) (Instance, error)
}

// Instance is an initialized engine bound to one container.
type Instance interface {
	Load(ctx context.Context, ref ResourceRef) error
}

// ExtensionHost is implemented by instances that support capability modules.
// Instances without it skip extension registration.
type ExtensionHost interface {
	RegisterExtension(ctx context.Context, kind ExtensionKind) error
}

// Resolver expands a remote URL into concrete resource references.
type Resolver interface {
	Resolve(ctx context.Context, url, token string) ([]ResourceRef, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, url, token string) ([]ResourceRef, error)

func (f ResolverFunc) Resolve(ctx context.Context, url, token string) ([]ResourceRef, error) {
	return f(ctx, url, token)
}

// HandleStore mints transient references for local files (object URLs).
// Every reference returned by Create must be passed to Release exactly once.
type HandleStore interface {
	Create(f File) (ResourceRef, error)
	Release(ref ResourceRef)
}

// File is a local file selected by the host.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// BytesFile wraps an in-memory buffer as a File.
func BytesFile(name string, b []byte) File {
	return File{
		Name: name,
		Size: int64(len(b)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		},
	}
}

// ResourceRef is a concrete, resolvable reference handed to the engine.
type ResourceRef struct {
	URL   string `json:"url"`
	Token string `json:"-"`
}

func (r ResourceRef) String() string { return r.URL }

// Transient reports whether the reference is a session-local file handle.
func (r ResourceRef) Transient() bool { return strings.HasPrefix(r.URL, "blob:") }

// RequestKind distinguishes local file requests from remote URL requests.
type RequestKind int

const (
	RequestFile RequestKind = iota + 1
	RequestURL
)

func (k RequestKind) String() string {
	switch k {
	case RequestFile:
		return "file"
	case RequestURL:
		return "url"
	default:
		return "unknown"
	}
}

// LoadRequest references model data to display. Build with FileRequest or URLRequest.
type LoadRequest struct {
	Kind  RequestKind
	File  File
	URL   string
	Token string
}

func FileRequest(f File) LoadRequest { return LoadRequest{Kind: RequestFile, File: f} }

func URLRequest(url, token string) LoadRequest {
	return LoadRequest{Kind: RequestURL, URL: url, Token: token}
}

// target is the loggable identity of a request.
func (r LoadRequest) target() string {
	if r.Kind == RequestFile {
		return r.File.Name
	}
	return r.URL
}

// Outcome of one attempted reference.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeLoadError Outcome = "load_error"
)

// Result is one entry of a report.
type Result struct {
	Ref     ResourceRef `json:"ref"`
	Outcome Outcome     `json:"outcome"`
	Detail  string      `json:"error,omitempty"`
	Err     *LoadError  `json:"-"`
}

// Report is the result set of one SubmitLoad call. Results holds one entry
// per attempted reference in resolution order; Skipped holds references
// that were resolved but never attempted because of cancellation or a
// fatal engine error.
type Report struct {
	RequestID string        `json:"request_id"`
	Kind      string        `json:"kind"`
	Results   []Result      `json:"results"`
	Skipped   []ResourceRef `json:"skipped,omitempty"`
}

// Failed returns the entries whose load failed.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome != OutcomeSuccess {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-resource failure, or nil when all loads succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return joinErrs(errs)
}
