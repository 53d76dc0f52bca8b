package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig controls per-peer connection admission
type RateLimiterConfig struct {
	ConnectionsPerSecond float64 // 0 disables limiting
	Burst                int
	CleanupInterval      time.Duration
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PeerLimiter keeps a token bucket per remote IP, so a device stuck in a
// reconnect loop cannot starve others
type PeerLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*peerLimiter
	mu       sync.Mutex
}

// NewPeerLimiter creates a limiter. Idle peers are forgotten until ctx is done.
func NewPeerLimiter(ctx context.Context, config RateLimiterConfig) *PeerLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Burst < 1 {
		config.Burst = 1
	}

	l := &PeerLimiter{
		config:   config,
		limiters: make(map[string]*peerLimiter),
	}

	if l.Enabled() {
		go l.cleanupLoop(ctx)
	}

	return l
}

// Enabled reports whether limiting is active
func (l *PeerLimiter) Enabled() bool {
	return l.config.ConnectionsPerSecond > 0
}

// Allow reports whether a new connection from addr may proceed
func (l *PeerLimiter) Allow(addr string) bool {
	if !l.Enabled() {
		return true
	}

	key := peerKey(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	peer, exists := l.limiters[key]
	if !exists {
		peer = &peerLimiter{
			limiter: rate.NewLimiter(rate.Limit(l.config.ConnectionsPerSecond), l.config.Burst),
		}
		l.limiters[key] = peer
	}
	peer.lastSeen = time.Now()

	return peer.limiter.Allow()
}

// Peers returns the number of tracked peers
func (l *PeerLimiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects HTTP requests from peers over their rate with 429
func (l *PeerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			http.Error(w, "Too many connections", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *PeerLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.forgetIdle(time.Now().Add(-l.config.CleanupInterval))
		}
	}
}

// forgetIdle drops peers not seen since cutoff
func (l *PeerLimiter) forgetIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, peer := range l.limiters {
		if peer.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// peerKey strips the port from a remote address
func peerKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
