package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"satgate/gateway/respond"
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter bounds request rates per caller. Authenticated requests are
// keyed by agent id, everything else by client IP.
type RateLimiter struct {
	perSecond float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter builds a limiter allowing perSecond sustained requests with
// the given burst per caller.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		perSecond: perSecond,
		burst:     burst,
		visitors:  make(map[string]*rateEntry),
		clockNow:  time.Now,
		done:      make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Close stops the background sweeper. The limiter itself keeps working; idle
// entries just stop being reclaimed. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

// Middleware enforces the limit and answers 429 in the error envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !rl.obtain(key).Allow() {
			respond.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) obtain(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.visitors[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst)}
		rl.visitors[key] = entry
	}
	entry.lastSeen = rl.clockNow()
	return entry.limiter
}

// sweep drops limiters idle for more than ten minutes.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		cutoff := rl.clockNow().Add(-10 * time.Minute)
		rl.mu.Lock()
		for key, entry := range rl.visitors {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

func callerKey(r *http.Request) string {
	if agent := AgentFrom(r.Context()); agent != nil {
		return agent.ID
	}
	return clientID(r)
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			trimmed := strings.TrimSpace(ip[:comma])
			if parsed := net.ParseIP(trimmed); parsed != nil {
				return parsed.String()
			}
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
