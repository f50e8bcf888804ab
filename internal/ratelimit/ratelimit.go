// Package ratelimit throttles new relay connections globally and per remote
// address, and bounds the message rate of a single connection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ConnLimiter manages both global and per-remote connection limits.
// A zero rate disables the corresponding limit.
type ConnLimiter struct {
	mu     sync.Mutex
	global *rate.Limiter
	perIP  map[string]*bucket
	ipRate rate.Limit
	burst  int
	now    func() time.Time
}

// NewConnLimiter creates a limiter allowing globalRate and perIPRate new
// connections per second, each with the given burst.
func NewConnLimiter(globalRate, perIPRate float64, burst int) *ConnLimiter {
	if burst < 1 {
		burst = 1
	}
	cl := &ConnLimiter{
		perIP:  make(map[string]*bucket),
		ipRate: rate.Limit(perIPRate),
		burst:  burst,
		now:    time.Now,
	}
	if globalRate > 0 {
		cl.global = rate.NewLimiter(rate.Limit(globalRate), burst)
	}
	return cl
}

// Allow reports whether a new connection from ip may proceed and consumes a token if so.
func (cl *ConnLimiter) Allow(ip string) bool {
	now := cl.now()
	if cl.global != nil && !cl.global.AllowN(now, 1) {
		return false
	}
	if cl.ipRate <= 0 {
		return true
	}
	cl.mu.Lock()
	b, ok := cl.perIP[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(cl.ipRate, cl.burst)}
		cl.perIP[ip] = b
	}
	b.lastSeen = now
	cl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Prune removes per-remote buckets idle for longer than idle and returns how many were removed.
func (cl *ConnLimiter) Prune(idle time.Duration) int {
	cutoff := cl.now().Add(-idle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for ip, b := range cl.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(cl.perIP, ip)
			removed++
		}
	}
	return removed
}

// Tracked is the number of remotes with a live bucket.
func (cl *ConnLimiter) Tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.perIP)
}

// NewMessageLimiter bounds one connection to perSecond messages with an equal
// burst. It returns nil when perSecond <= 0; a nil limiter allows everything.
func NewMessageLimiter(perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &MessageLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// MessageLimiter is used from a single connection's read loop.
type MessageLimiter struct {
	lim *rate.Limiter
}

func (m *MessageLimiter) Allow(now time.Time) bool {
	if m == nil {
		return true
	}
	return m.lim.AllowN(now, 1)
}
