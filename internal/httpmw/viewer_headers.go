package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/viewerboot/internal/viewer"
)

// StateReporter is satisfied by *viewer.Session.
type StateReporter interface {
	State() viewer.State
}

// ViewerHeaders stamps X-Viewer-State on every response and tags the span
// with the session state observed when the request arrived.
func ViewerHeaders(s StateReporter) Middleware {
	return func(next http.Handler) http.Handler {
		if s == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := s.State().String()
			w.Header().Set("X-Viewer-State", st)
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(attribute.String("viewer.state", st))
			}
			next.ServeHTTP(w, r)
		})
	}
}
