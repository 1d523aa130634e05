package lim

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"bindrop/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

// Limiter applies a per-IP token bucket. Buckets are local to the
// process; write endpoints get the configured RPM, reads share it.
type Limiter struct {
	mu             sync.Mutex
	buckets        map[string]*bucketEntry
	rpm            int
	burst          int
	trustedProxies []string
	quit           chan struct{}
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func New(rpm, burst int, trustedProxies []string) *Limiter {
	l := &Limiter{
		buckets:        make(map[string]*bucketEntry),
		rpm:            rpm,
		burst:          burst,
		trustedProxies: trustedProxies,
		quit:           make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	close(l.quit)
}

// Allow reports whether the request's client IP is inside its budget.
func (l *Limiter) Allow(r *http.Request) bool {
	ip := GetRealIP(r, l.trustedProxies)
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= maxLimiters {
			util.Warn().Int("buckets", len(l.buckets)).Str("ip", ip).Msg("rate limiter at capacity, rejecting request")
			return false
		}
		entry = &bucketEntry{
			limiter: rate.NewLimiter(rate.Limit(l.rpm)/60.0, l.burst),
		}
		l.buckets[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpired() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.buckets, key)
			evicted++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

// GetRealIP walks X-Forwarded-For right to left past trusted proxies
// and returns the first untrusted hop. Without trusted proxies the
// socket address wins, spoofed headers included.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	remaining := xff
	for i := 0; len(remaining) > 0 && i < 100; i++ {
		var ipStr string
		if idx := strings.LastIndexByte(remaining, ','); idx == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[idx+1:])
			remaining = remaining[:idx]
		}
		if ipStr == "" || net.ParseIP(ipStr) == nil {
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil {
				if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
