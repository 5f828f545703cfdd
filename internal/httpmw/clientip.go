package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of proxies in front of the server. 0 ignores
	// X-Forwarded-For, 1 takes its rightmost entry, 2 the one before, and so on.
	TrustedHops int
}

// ClientIP records the peer address without trusting forwarded headers.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// clientAddr only consults X-Forwarded-For when the peer is a private
// address and hops are configured. Otherwise the forwarded headers are
// removed so nothing downstream reads them.
func clientAddr(r *http.Request, hops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}
	if !ip.IsPrivate() || hops <= 0 {
		stripForwarded(r)
		return peer
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - hops
	if idx < 0 {
		// fewer entries than proxies, fail closed
		stripForwarded(r)
		return peer
	}
	if c := strings.TrimSpace(parts[idx]); net.ParseIP(c) != nil {
		return c
	}
	return peer
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
