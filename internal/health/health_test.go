package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, h http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestHandlers(t *testing.T) {
	cases := []struct {
		name     string
		h        http.Handler
		wantCode int
		wantBody string
	}{
		{"healthz pass", HealthzHandler(pass), http.StatusOK, "ok"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"healthz fail", HealthzHandler(Fixed(false, "engine lost")), http.StatusServiceUnavailable, "engine lost"},
		{"readyz pass", ReadyzHandler(pass), http.StatusOK, "ready"},
		{"readyz nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
		{"readyz fail", ReadyzHandler(Fixed(false, "viewer: not ready")), http.StatusServiceUnavailable, "viewer: not ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, tc.h)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
				t.Fatalf("Cache-Control = %q", cc)
			}
		})
	}
}

func TestReadyzHandler_FollowsGate(t *testing.T) {
	var g ShutdownGate
	h := ReadyzHandler(All(g.Probe(), SessionReady(readyStub{})))

	if rec := serve(t, h); rec.Code != http.StatusOK {
		t.Fatalf("before drain: %d", rec.Code)
	}
	g.Set("shutting down")
	if rec := serve(t, h); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after drain: %d", rec.Code)
	}
}

type ctxKey struct{}

func TestHandler_PassesRequestContext(t *testing.T) {
	var got any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "v"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "v" {
		t.Fatal("probe did not see the request context")
	}
}
