package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/fanout/internal/config"
)

const (
	ingressEntryTTL        = 15 * time.Minute
	ingressCleanupInterval = 5 * time.Minute
)

type ingressEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ingressLimiter throttles producer requests per caller address. Session
// traffic is limited separately by the hub.
type ingressLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*ingressEntry
	lastCleanup time.Time
	now         func() time.Time
}

// newIngressLimiter returns nil, meaning unlimited, when cfg disables
// throttling.
func newIngressLimiter(cfg config.IngressConfig) *ingressLimiter {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return nil
	}
	return &ingressLimiter{
		limit:       rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:       cfg.Burst,
		entries:     make(map[string]*ingressEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *ingressLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= ingressCleanupInterval {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > ingressEntryTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &ingressEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func callerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "anonymous"
	}
	return host
}

// requireToken rejects requests without the configured bearer token. An
// empty token disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
