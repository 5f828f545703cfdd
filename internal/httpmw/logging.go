package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/viewerboot/internal/log"
)

const tracerName = "viewerboot/httpmw"

// statusWriter records the status and body size, and opens a
// response.write child span on the first byte out.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	start    time.Time
	span     trace.Span
	opened   bool
	blocked  time.Duration
	writeErr error
}

func (sw *statusWriter) open() {
	if sw.opened {
		return
	}
	sw.opened = true
	if !trace.SpanFromContext(sw.ctx).IsRecording() {
		return
	}
	_, sw.span = otel.Tracer(tracerName).Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(sw.start).Seconds())))
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) finish() {
	if sw.span == nil {
		return
	}
	sw.span.SetAttributes(
		attribute.Int("http.response.status_code", sw.code()),
		attribute.Int64("http.response.body.size", sw.bytes),
		attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
	)
	if sw.writeErr != nil {
		sw.span.RecordError(sw.writeErr)
		sw.span.SetStatus(codes.Error, sw.writeErr.Error())
	}
	sw.span.End()
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.open()
	sw.status = code
	t := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(t)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.open()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	t := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.blocked += time.Since(t)
	sw.bytes += int64(n)
	if err != nil && sw.writeErr == nil {
		sw.writeErr = err
	}
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("httpmw: %T does not implement http.Hijacker", sw.ResponseWriter)
	}
	return h.Hijack()
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context. It runs after
// ClientIP so client.address is the resolved address, not a raw header.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peer := r.RemoteAddr
			if h, _, err := net.SplitHostPort(peer); err == nil {
				peer = h
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// quietPaths are probed constantly and never access-logged.
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true}

// AccessLog emits one line per request after the handler returns.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(sw, r)
			sw.finish()

			if quietPaths[r.URL.Path] {
				return
			}
			var reqSize int64
			if r.ContentLength > 0 {
				reqSize = r.ContentLength
			}
			ctx := r.Context()
			kv := []any{
				"http.response.status_code", sw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", reqSize,
				"http.route", routePattern(r),
			}
			L := log.FromContext(ctx)
			if sw.code() >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

func schemeFromRequest(r *http.Request) string {
	// ClientIP has already removed X-Forwarded-Proto from untrusted peers
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		switch s := strings.ToLower(strings.TrimSpace(first)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with a handler name.
func Scope(handler string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
