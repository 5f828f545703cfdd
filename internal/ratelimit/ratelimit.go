package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/viewerboot/internal/httpmw"
)

const unknownIP = "unknown"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// denied is set on the first rejection and cleared by eviction
	denied bool
}

// IPLimiter holds one bucket per client IP.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	full     bool

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	cost        func(*http.Request) int

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate refills perSecond tokens per second into a bucket of size burst.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle IP keeps its bucket.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked IPs. New IPs beyond the cap are rejected. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithCost charges each request fn(r) tokens. Results below 1 count as 1.
func WithCost(fn func(*http.Request) int) Option {
	return func(l *IPLimiter) { l.cost = fn }
}

// WithOnFirstDenied runs once per visitor lifetime, on its first rejection.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied runs on every rejection.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity runs when the visitor cap is first hit after having room.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// LoadCost charges n tokens for viewer load and upload calls and 1 for the rest.
func LoadCost(n int) func(*http.Request) int {
	return func(r *http.Request) int {
		if r.Method != http.MethodPost {
			return 1
		}
		switch r.URL.Path {
		case "/api/viewer/load", "/api/viewer/upload":
			return n
		}
		return 1
	}
}

// New builds a limiter whose eviction loop stops with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   5,
		burst:       10,
		ttl:         5 * time.Minute,
		maxVisitors: 10000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// Len reports how many IPs are tracked.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// allow charges n tokens to ip. Callbacks run without the lock held.
func (l *IPLimiter) allow(ip string, n int) bool {
	if n < 1 {
		n = 1
	}
	now := time.Now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			notify := !l.full
			l.full = true
			l.mu.Unlock()
			if notify && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(ip)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, n)
	first := !allowed && !v.denied
	if first {
		v.denied = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.full = false
	}
}

// Middleware answers 429 once the caller's bucket is empty. The client IP
// comes from httpmw.ClientIP, which must run first.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = unknownIP
		}
		n := 1
		if l.cost != nil {
			n = l.cost(r)
		}
		if !l.allow(ip, n) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
