package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	_, _ = sw.Write([]byte("abc"))
	_, _ = sw.Write([]byte("de"))
	if sw.status != http.StatusOK || sw.n != 5 {
		t.Fatalf("status/bytes = %d/%d, want 200/5", sw.status, sw.n)
	}

	sw2 := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw2.WriteHeader(http.StatusConflict)
	if sw2.status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", sw2.status)
	}
}

// Middleware

func viewerRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/api/viewer/load", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"loaded":1}`)
	})
	r.Get("/api/viewer/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	h := viewerRouter(m)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/viewer/load", http.NoBody))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/viewer/load", http.NoBody))

	if v := testutil.ToFloat64(m.reqTotal.WithLabelValues("POST", "/api/viewer/load", "200")); v != 2 {
		t.Fatalf("requests = %v, want 2", v)
	}
	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f.GetMetric()[0].GetHistogram().GetSampleSum() != float64(2*len(`{"loaded":1}`)) {
		t.Fatal("response size not recorded")
	}
	if testutil.ToFloat64(m.inflight) != 0 {
		t.Fatal("inflight gauge not released")
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/scan/wp-admin", http.NoBody))

	if v := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "unmatched", "200")); v != 1 {
		t.Fatalf("unmatched requests = %v, want 1", v)
	}
}

func TestMiddleware_ErrorCounterOnly5xx(t *testing.T) {
	m := New()
	h := viewerRouter(m)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/viewer/status", http.NoBody))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if n := testutil.CollectAndCount(m.errorsTotal); n != 1 {
		t.Fatalf("error series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.errorsTotal.WithLabelValues("GET", "/boom")); v != 1 {
		t.Fatalf("5xx errors = %v, want 1", v)
	}
}

// traceExemplar

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))
	if ex := traceExemplar(sampled); ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}

	unsampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid,
	}))
	if traceExemplar(unsampled) != nil {
		t.Fatal("unsampled trace produced exemplar")
	}
	if traceExemplar(context.Background()) != nil {
		t.Fatal("missing trace produced exemplar")
	}
}
