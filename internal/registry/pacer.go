package registry

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound calls per host with a token bucket. One Pacer is shared by
// every worker of a run so the combined request rate stays under the registry limit.
type Pacer struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewPacer(perSecond float64, burst int) *Pacer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limit: limit, burst: burst, limiters: map[string]*rate.Limiter{}}
}

// Wait blocks until a token for host is available or ctx is done.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil {
		return nil
	}
	return p.limiter(host).Wait(ctx)
}

func (p *Pacer) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[host] = l
	}
	return l
}
