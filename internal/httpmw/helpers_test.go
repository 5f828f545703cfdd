package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/keithlinneman/viewerboot/internal/log"
)

type entry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// recLogger returns itself from With so every record lands in one place.
type recLogger struct {
	mu      sync.Mutex
	entries []entry
	withs   [][]any
}

func (l *recLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *recLogger) add(e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) {
	l.add(entry{level: "debug", msg: msg, kv: kv})
}
func (l *recLogger) Info(_ context.Context, msg string, kv ...any) {
	l.add(entry{level: "info", msg: msg, kv: kv})
}
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any) {
	l.add(entry{level: "warn", msg: msg, kv: kv})
}
func (l *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add(entry{level: "error", msg: msg, err: err, kv: kv})
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) last() (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *recLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// field returns the value following key in kv.
func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func do(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}
