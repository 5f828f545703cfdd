package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover_PassThrough(t *testing.T) {
	L := &recLogger{}
	h := Recover(L, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Viewer-State", "ready")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))

	rec := do(h, httptest.NewRequest(http.MethodPost, "/api/viewer/load", nil))
	if rec.Code != http.StatusAccepted || rec.Body.String() != "queued" || rec.Header().Get("X-Viewer-State") != "ready" {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if L.count() != 0 {
		t.Fatal("logged without a panic")
	}
}

func TestRecover_Panics(t *testing.T) {
	cause := errors.New("engine exploded")
	cases := []struct {
		name  string
		value any
	}{
		{"string", "boom"},
		{"error", cause},
		{"int", 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			L := &recLogger{}
			calls := 0
			h := Recover(L, func() { calls++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tc.value)
			}))

			rec := do(h, httptest.NewRequest(http.MethodGet, "/api/viewer/status", nil))
			if rec.Code != http.StatusInternalServerError || rec.Body.Len() == 0 {
				t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
			}
			e, ok := L.last()
			if !ok || e.level != "error" || e.msg != "httpserver panic recovered" || e.err == nil {
				t.Fatalf("log = %+v", e)
			}
			if err, isErr := tc.value.(error); isErr && !errors.Is(e.err, err) {
				t.Fatalf("logged err %v does not wrap panic value", e.err)
			}
			if calls != 1 {
				t.Fatalf("onPanic calls = %d", calls)
			}
			if path, _ := field(L.withs[len(L.withs)-1], "url.path"); path != "/api/viewer/status" {
				t.Fatalf("url.path = %v", path)
			}
		})
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(&recLogger{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", v)
		}
	}()
	do(h, httptest.NewRequest(http.MethodGet, "/", nil))
}
