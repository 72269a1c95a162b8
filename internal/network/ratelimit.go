package network

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const ipLimiterIdle = 5 * time.Minute

// IPLimiter hands out one token bucket per source IP. It throttles new
// connections, not frames.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	perSec   rate.Limit
	burst    int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter allows perSec new connections per second per IP.
// A perSec below 1 disables limiting.
func NewIPLimiter(perSec int) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*ipBucket),
		perSec:   rate.Limit(perSec),
		burst:    perSec,
	}
}

// Allow reports whether ip may open another connection now.
func (l *IPLimiter) Allow(ip string) bool {
	if l == nil || l.perSec < 1 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.limiters[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.limiters[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Prune forgets IPs that have been quiet for a while.
func (l *IPLimiter) Prune() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-ipLimiterIdle)
	removed := 0
	for ip, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked IPs.
func (l *IPLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	return hostOnly(addr.String())
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
