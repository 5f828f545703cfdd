package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/viewerboot/internal/log"
	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, runs after the log line.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				var err error
				switch x := v.(type) {
				case error:
					err = xerrors.Wrap(x, "panic")
				default:
					err = xerrors.Newf("panic: %s", fmt.Sprint(x))
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered", "panic_stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
