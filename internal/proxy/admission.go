package proxy

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Admission throttles connection attempts per remote IP before the first
// frame is even read, so a single noisy peer can't exhaust worker slots or
// burn accept-loop goroutines. Disabled (always allows) when rps <= 0.
type Admission struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewAdmission builds a per-IP limiter allowing rps connections/second with
// the given burst. rps <= 0 disables throttling entirely.
func NewAdmission(rps float64, burst int) *Admission {
	if burst <= 0 {
		burst = 1
	}
	return &Admission{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a new connection from addr should be admitted.
func (a *Admission) Allow(addr net.Addr) bool {
	if a == nil || a.rps <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	a.mu.Lock()
	lim, ok := a.limiters[host]
	if !ok {
		lim = rate.NewLimiter(a.rps, a.burst)
		a.limiters[host] = lim
	}
	a.mu.Unlock()
	return lim.Allow()
}
