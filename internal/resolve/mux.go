package resolve

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/keithlinneman/viewerboot/internal/viewer"
)

// Mux picks a resolver by URL scheme.
type Mux struct {
	ByScheme map[string]viewer.Resolver
	// Default handles schemes with no entry. nil rejects them.
	Default viewer.Resolver
}

func (m *Mux) Resolve(ctx context.Context, raw, token string) ([]viewer.ResourceRef, error) {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		scheme = ""
	}
	if r, ok := m.ByScheme[strings.ToLower(scheme)]; ok && r != nil {
		return r.Resolve(ctx, raw, token)
	}
	if m.Default != nil {
		return m.Default.Resolve(ctx, raw, token)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
}

// WithDefaultToken fills in token for requests that carry none, but only
// when the URL's origin (scheme and host) equals origin. An empty origin
// never attaches the token.
func WithDefaultToken(r viewer.Resolver, token, origin string) viewer.Resolver {
	if token == "" || origin == "" {
		return r
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return r
	}
	return viewer.ResolverFunc(func(ctx context.Context, raw, t string) ([]viewer.ResourceRef, error) {
		if t == "" && sameOrigin(raw, o) {
			t = token
		}
		return r.Resolve(ctx, raw, t)
	})
}

func sameOrigin(raw string, o *url.URL) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

// RestrictHosts rejects http(s) URLs whose host is not listed. Ports are
// part of the host. Other schemes pass through. An empty list allows any host.
func RestrictHosts(r viewer.Resolver, hosts []string) viewer.Resolver {
	if len(hosts) == 0 {
		return r
	}
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = true
		}
	}
	return viewer.ResolverFunc(func(ctx context.Context, raw, token string) ([]viewer.ResourceRef, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("resolve: parse %q: %w", raw, err)
		}
		if s := strings.ToLower(u.Scheme); (s == "http" || s == "https") && !allowed[strings.ToLower(u.Host)] {
			return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Host)
		}
		return r.Resolve(ctx, raw, token)
	})
}

// WithBaseURL joins URLs without a scheme to base before resolving them.
// "/projects/p/models/m" becomes "{base}/projects/p/models/m".
func WithBaseURL(r viewer.Resolver, base string) (viewer.Resolver, error) {
	if base == "" {
		return r, nil
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" || b.Host == "" {
		return nil, fmt.Errorf("resolve: base url %q is not an absolute origin", base)
	}
	return viewer.ResolverFunc(func(ctx context.Context, raw, token string) ([]viewer.ResourceRef, error) {
		if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "blob:") {
			rel, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("resolve: parse %q: %w", raw, err)
			}
			raw = b.ResolveReference(rel).String()
		}
		return r.Resolve(ctx, raw, token)
	}), nil
}
