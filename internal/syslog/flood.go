package syslog

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a sender's bucket is kept without traffic.
const idleAfter = 3 * time.Minute

// floodGuard holds one token bucket per sender IP.
type floodGuard struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	senders   map[string]*sender
	lastSweep time.Time
}

type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newFloodGuard returns nil when perSecond <= 0, which allows everything.
func newFloodGuard(perSecond float64, burst int) *floodGuard {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &floodGuard{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		senders: make(map[string]*sender),
	}
}

// Allow reports whether a datagram from ip may be processed.
func (g *floodGuard) Allow(ip string) bool {
	if g == nil {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) > time.Minute {
		for k, s := range g.senders {
			if now.Sub(s.lastSeen) > idleAfter {
				delete(g.senders, k)
			}
		}
		g.lastSweep = now
	}

	s, ok := g.senders[ip]
	if !ok {
		s = &sender{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.senders[ip] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}
