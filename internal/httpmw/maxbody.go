package httpmw

import (
	"net/http"
	"strings"
)

// BodyLimit overrides the default limit for paths under Prefix.
type BodyLimit struct {
	Prefix string
	Bytes  int64
}

// MaxBody caps request bodies at def bytes, or at the first matching
// override. Reads past the cap fail and the handler answers 413.
func MaxBody(def int64, overrides ...BodyLimit) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := def
			for _, o := range overrides {
				if o.Prefix != "" && strings.HasPrefix(r.URL.Path, o.Prefix) {
					limit = o.Bytes
					break
				}
			}
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
