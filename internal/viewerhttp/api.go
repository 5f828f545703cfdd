// Package viewerhttp exposes the viewer session's load triggers over HTTP.
package viewerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/viewerboot/internal/engine"
	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/viewer"
)

const (
	DefaultMaxUploadBytes = 64 << 20
	DefaultUploadMemory   = 32 << 20
	maxLoadBody           = 16 << 10
)

// Session is the part of *viewer.Session the API drives.
type Session interface {
	SubmitLoad(ctx context.Context, req viewer.LoadRequest) (*viewer.Report, error)
	Status() viewer.Status
	Instance() viewer.Instance
}

// SceneProvider is implemented by engine instances that expose their world tree.
type SceneProvider interface {
	Scene() engine.Scene
}

type Options struct {
	Session Session
	Logger  log.Logger

	// MaxUploadBytes bounds multipart uploads. Zero uses DefaultMaxUploadBytes.
	MaxUploadBytes int64

	// UploadMemoryBytes is how much of an upload is held in memory before
	// spilling to temp files. Zero uses DefaultUploadMemory.
	UploadMemoryBytes int64

	// LoadTimeout bounds each load request. Zero means only the client
	// disconnecting cancels it.
	LoadTimeout time.Duration
}

// API implements the viewer trigger endpoints.
type API struct {
	session      Session
	logger       log.Logger
	maxUpload    int64
	uploadMemory int64
	loadTimeout  time.Duration
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.UploadMemoryBytes <= 0 {
		opts.UploadMemoryBytes = DefaultUploadMemory
	}
	return &API{
		session:      opts.Session,
		logger:       opts.Logger,
		maxUpload:    opts.MaxUploadBytes,
		uploadMemory: opts.UploadMemoryBytes,
		loadTimeout:  opts.LoadTimeout,
	}
}

// RegisterRoutes attaches the viewer endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api/viewer/load", api.HandleLoad)
	r.Post("/api/viewer/upload", api.HandleUpload)
	r.Get("/api/viewer/status", api.HandleStatus)
	r.Get("/api/viewer/scene", api.HandleScene)
}

// HandleLoad submits a URL request. The token may come from the body or a
// bearer Authorization header.
func (api *API) HandleLoad(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body LoadBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxLoadBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	if body.Token == "" {
		body.Token = bearer(r)
	}

	api.submit(w, r, viewer.URLRequest(body.URL, body.Token))
}

// HandleUpload submits a multipart "file" field as a file request.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, api.maxUpload)
	err := r.ParseMultipartForm(api.uploadMemory)
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large") {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "upload too large"})
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "multipart field \"file\" is required"})
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "multipart field \"file\" is required"})
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		api.logger.Warn(ctx, "failed to read upload", "file", hdr.Filename, "error", err)
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "failed to read upload"})
		return
	}

	api.submit(w, r, viewer.FileRequest(viewer.BytesFile(hdr.Filename, buf.Bytes())))
}

func (api *API) submit(w http.ResponseWriter, r *http.Request, req viewer.LoadRequest) {
	ctx := r.Context()
	if api.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, api.loadTimeout)
		defer cancel()
	}

	rep, err := api.session.SubmitLoad(ctx, req)
	resp := summarize(rep)
	if err != nil {
		resp.Error = err.Error()
		status := statusFor(err)
		api.logger.Warn(ctx, "load request rejected",
			"kind", req.Kind.String(),
			"status", status,
			"error", err,
		)
		api.writeJSON(ctx, w, status, resp)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func summarize(rep *viewer.Report) LoadResponse {
	resp := LoadResponse{Report: rep}
	if rep == nil {
		return resp
	}
	resp.Failed = len(rep.Failed())
	resp.Loaded = len(rep.Results) - resp.Failed
	resp.Skipped = len(rep.Skipped)
	return resp
}

// statusFor maps session errors to HTTP status. Per-resource failures are
// not errors and never reach here.
func statusFor(err error) int {
	var re *viewer.ResolutionError
	switch {
	case errors.Is(err, viewer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, viewer.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, viewer.ErrNotReady):
		return http.StatusConflict
	case errors.As(err, &re):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleStatus serves the session status.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.session.Status())
}

// HandleScene serves the engine's world tree.
func (api *API) HandleScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inst := api.session.Instance()
	if inst == nil {
		api.writeJSON(ctx, w, http.StatusConflict, ErrorResponse{Error: "viewer not ready"})
		return
	}
	sp, ok := inst.(SceneProvider)
	if !ok {
		api.writeJSON(ctx, w, http.StatusNotFound, ErrorResponse{Error: "engine does not expose a scene"})
		return
	}
	scene := sp.Scene()
	api.logger.Debug(ctx, "served scene", "objects", len(scene.Objects))
	api.writeJSON(ctx, w, http.StatusOK, scene)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
