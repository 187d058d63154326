package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultParticipantRPS   = 10
	defaultParticipantBurst = 20
	limiterIdleTTL          = 10 * time.Minute
)

// participantLimiter keeps one token bucket per caller so a participant
// flooding context requests cannot starve the rest of the room.
type participantLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	callers   map[string]*callerBucket
	lastSweep time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newParticipantLimiter(rps float64, burst int) *participantLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &participantLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: limiterIdleTTL,
		now:     time.Now,
		callers: make(map[string]*callerBucket),
	}
}

func participantLimiterFromEnv() *participantLimiter {
	rps := float64(defaultParticipantRPS)
	burst := defaultParticipantBurst
	if val := os.Getenv("CROSSCTX_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("CROSSCTX_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newParticipantLimiter(rps, burst)
}

// Allow spends one token from key's bucket. Idle buckets are dropped lazily.
func (l *participantLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		for k, b := range l.callers {
			if now.Sub(b.lastSeen) >= l.idleTTL {
				delete(l.callers, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.callers[key]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// rateLimitKey prefers the authenticated participant, then the API key,
// then the remote host.
func rateLimitKey(r *http.Request) string {
	if auth := authFromRequest(r); auth != nil {
		if auth.PrincipalID != "" {
			return "participant:" + auth.PrincipalID
		}
		if auth.APIKey != "" {
			return "key:" + auth.APIKey
		}
	}
	return "addr:" + requestHostname(r.RemoteAddr)
}

// rateLimitMiddleware must sit inside apiKeyMiddleware so the auth context is set.
func rateLimitMiddleware(limiter *participantLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow(rateLimitKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPolicy is read from CROSSCTX_ALLOWED_ORIGINS once per server.
// Empty means loopback or same-host origins only; "*" allows any.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func originPolicyFromEnv() originPolicy {
	raw := strings.TrimSpace(os.Getenv("CROSSCTX_ALLOWED_ORIGINS"))
	switch raw {
	case "":
		return originPolicy{}
	case "*":
		return originPolicy{allowAll: true}
	}
	p := originPolicy{allowed: make(map[string]struct{})}
	for _, part := range strings.Split(raw, ",") {
		if o := strings.TrimSpace(part); o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || p.allowAll {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[origin]
		return ok
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	reqHost := strings.ToLower(requestHostname(r.Host))
	return reqHost != "" && host == reqHost
}

func corsMiddleware(origins originPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
			if !origins.allows(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Principal-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// routeRecorder captures the status a handler wrote for the route metrics.
type routeRecorder struct {
	http.ResponseWriter
	status int
}

func (r *routeRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the approval stream upgrade through the recorder.
func (r *routeRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack unsupported by %T", r.ResponseWriter)
	}
	return hj.Hijack()
}

// instrumented reports method, route pattern and final status per call.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &routeRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
