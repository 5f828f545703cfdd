package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID_Generates(t *testing.T) {
	var seen string
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", seen, err)
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("echoed %q, context %q", got, seen)
	}
}

func TestRequestID_Propagates(t *testing.T) {
	var seen string
	h := RequestID("X-Correlation-Id")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")

	rec := do(h, req)
	if seen != "abc-123" || rec.Header().Get("X-Correlation-Id") != "abc-123" {
		t.Fatalf("seen %q echoed %q", seen, rec.Header().Get("X-Correlation-Id"))
	}
}

func TestRequestID_OversizedReplaced(t *testing.T) {
	var seen string
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("a", maxRequestIDLen+1))
	do(h, req)
	if len(seen) > maxRequestIDLen {
		t.Fatalf("oversized id kept: %d bytes", len(seen))
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("empty context = %q", got)
	}
	ctx := WithRequestID(context.Background(), "")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Fatalf("empty id stored: %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "r1")); got != "r1" {
		t.Fatalf("got %q", got)
	}
}
