package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bansheerubber/xcom-clone-sub000/internal/metrics"
)

// RateLimitConfig configures the IP-based rate limiter
type RateLimitConfig struct {
	RequestsPerSecond float64       // Requests allowed per second per IP
	Burst             int           // Maximum burst size
	CleanupInterval   time.Duration // How often to clean up stale limiters
}

// DefaultRateLimitConfig returns production-safe defaults
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 10,              // 10 requests per second per IP
	Burst:             20,              // Allow burst of 20
	CleanupInterval:   5 * time.Minute, // Clean up every 5 minutes
}

// LimiterStats counts limiter decisions
type LimiterStats struct {
	Allowed  uint64 `json:"allowed"`
	Rejected uint64 `json:"rejected"`
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// IPRateLimiter provides IP-based rate limiting for HTTP requests,
// including websocket upgrades
type IPRateLimiter struct {
	limiters sync.Map // map[string]*ipLimiterEntry
	config   RateLimitConfig
	stopChan chan struct{}
	stopOnce sync.Once

	rejected atomic.Uint64
	allowed  atomic.Uint64
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	rl := &IPRateLimiter{
		config:   cfg,
		stopChan: make(chan struct{}),
	}

	// Abandoned IPs would otherwise accumulate forever
	go rl.cleanupLoop()

	return rl
}

// Stop stops the rate limiter cleanup goroutine
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := rl.limiters.Load(ip); ok {
		e := v.(*ipLimiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	entry := &ipLimiterEntry{
		limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
	}
	entry.lastSeen.Store(now)

	actual, _ := rl.limiters.LoadOrStore(ip, entry)
	return actual.(*ipLimiterEntry).limiter
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanup(time.Now())
		}
	}
}

// cleanup removes limiters idle for two cleanup intervals
func (rl *IPRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.config.CleanupInterval * 2).UnixNano()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Allow checks if a request from the given IP should be allowed
func (rl *IPRateLimiter) Allow(ip string) bool {
	if rl.getLimiter(ip).Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			metrics.RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *IPRateLimiter) Stats() LimiterStats {
	return LimiterStats{Allowed: rl.allowed.Load(), Rejected: rl.rejected.Load()}
}

// GetClientIP extracts the client IP from an HTTP request
// Handles X-Forwarded-For header for proxied requests
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client.
		// CAUTION: This can be spoofed if not behind a trusted proxy
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnectionLimiter caps concurrent replication sockets in total and per IP
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
	maxTotal    int
	total       int
}

// NewConnectionLimiter creates a socket limiter
func NewConnectionLimiter(maxTotal, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxTotal:    maxTotal,
		maxPerIP:    maxPerIP,
	}
}

// Acquire reserves a slot for ip. The reason is "ws_limit" or "ip_limit"
// when refused.
func (cl *ConnectionLimiter) Acquire(ip string) (bool, string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= cl.maxTotal {
		return false, "ws_limit"
	}
	if cl.connections[ip] >= cl.maxPerIP {
		return false, "ip_limit"
	}
	cl.connections[ip]++
	cl.total++
	return true, ""
}

// Release frees the slot held by ip
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	n, ok := cl.connections[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip] = n - 1
	}
	cl.total--
}

// Count returns the number of sockets held by ip
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[ip]
}

// Total returns the number of sockets held overall
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// OriginPolicy decides which browser origins may open a socket. Requests
// without an Origin header come from native clients and are allowed.
type OriginPolicy struct {
	Allowed []string // exact origins, or "*" for any
}

// DefaultAllowedOrigins permits local development pages
var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
}

// Allow checks an Origin header value
func (p OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range p.Allowed {
		if allowed == "*" || origin == allowed {
			return true
		}
		// Local pages on any port
		if strings.HasPrefix(origin, allowed+":") && isLocal(allowed) {
			return true
		}
	}
	return false
}

func isLocal(origin string) bool {
	return origin == "http://localhost" || origin == "http://127.0.0.1"
}
