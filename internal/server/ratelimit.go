package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles /auth/login attempts per remote IP, directly
// adapted from the teacher's RateLimiter (internal/relay/bandwidth.go) —
// same per-IP limiter map with a background eviction sweep, scoped to
// login attempts rather than general request traffic (SPEC_FULL.md §6).
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*loginIPLimiter
	rate     rate.Limit
	burst    int
}

type loginIPLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter builds a limiter allowing burst immediate attempts and
// reqPerSec sustained thereafter, per IP.
func NewLoginLimiter(reqPerSec float64, burst int) *LoginLimiter {
	rl := &LoginLimiter{
		limiters: make(map[string]*loginIPLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	return rl
}

// RunEvictionLoop removes IPs that haven't attempted a login in 10 minutes,
// until ctx-like stop via the done channel is closed.
func (rl *LoginLimiter) RunEvictionLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, l := range rl.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(rl.limiters, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *LoginLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &loginIPLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.lim
}

// Allow reports whether ip may attempt another login right now.
func (rl *LoginLimiter) Allow(ip string) bool {
	return rl.getLimiter(ip).Allow()
}

// clientIP extracts the request's originating address, preferring
// X-Forwarded-For's first hop (the teacher's clientIP, internal/relay).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
