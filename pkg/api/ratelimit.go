package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethpandaops/tracekeeper/pkg/config"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterMap holds one token bucket per caller. Callers are keyed by
// their resolved system, or by client IP when unscoped.
type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*callerLimiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterMap(requestsPerMinute int, done <-chan struct{}) *rateLimiterMap {
	rl := &rateLimiterMap{
		limiters: make(map[string]*callerLimiter, 64),
		rps:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}

	go rl.cleanup(done)

	return rl
}

func (rl *rateLimiterMap) getLimiter(caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if entry, ok := rl.limiters[caller]; ok {
		entry.lastSeen = now

		return entry.limiter
	}

	entry := &callerLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: now}
	rl.limiters[caller] = entry

	return entry.limiter
}

// cleanup evicts idle limiters until done is closed.
func (rl *rateLimiterMap) cleanup(done <-chan struct{}) {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-done:
			return
		}
	}
}

func (rl *rateLimiterMap) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for caller, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rateLimitEntryTTL {
			delete(rl.limiters, caller)
		}
	}
}

// rateLimitMiddleware limits ingestion per caller for the given tier. It
// runs after resolveSystem, so every producer of one system shares a
// budget wherever it connects from.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	limiterMap := newRateLimiterMap(tier.RequestsPerMinute, s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := rateLimitKey(r)

			if !limiterMap.getLimiter(caller).Allow() {
				s.log.WithField("caller", caller).Debug("Ingestion rate limited")
				writeJSON(w, http.StatusTooManyRequests,
					envelope{Success: false, Message: "Rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitKey names the bucket a request draws from.
func rateLimitKey(r *http.Request) string {
	if system := systemFromContext(r.Context()); system != "" {
		return "system:" + system
	}

	return "ip:" + extractIP(r)
}

// extractIP returns the client address, preferring the first hop of
// X-Forwarded-For.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
