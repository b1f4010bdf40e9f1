package validator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainPacer bounds concurrent probes per destination domain and enforces
// a minimum spacing between connection attempts to the same domain. Slots for
// domains with nothing in flight and a refilled limiter are dropped.
type DomainPacer struct {
	spacing    time.Duration
	limit      int
	sweepEvery time.Duration

	mu        sync.Mutex
	domains   map[string]*domainSlot
	lastSweep time.Time
}

type domainSlot struct {
	sem     chan struct{}
	limiter *rate.Limiter // one attempt per spacing, burst 1
	refs    int           // callers between ref and unref; guarded by DomainPacer.mu
}

// NewDomainPacer creates a pacer. limit < 1 is treated as 1.
func NewDomainPacer(limit int, spacing time.Duration) *DomainPacer {
	if limit < 1 {
		limit = 1
	}
	return &DomainPacer{
		spacing:    spacing,
		limit:      limit,
		sweepEvery: time.Minute,
		domains:    make(map[string]*domainSlot),
	}
}

func (p *DomainPacer) ref(domain string) *domainSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.domains[domain]
	if !ok {
		p.sweepLocked(time.Now())
		s = &domainSlot{sem: make(chan struct{}, p.limit)}
		if p.spacing > 0 {
			s.limiter = rate.NewLimiter(rate.Every(p.spacing), 1)
		}
		p.domains[domain] = s
	}
	s.refs++
	return s
}

func (p *DomainPacer) unref(s *domainSlot) {
	p.mu.Lock()
	s.refs--
	p.mu.Unlock()
}

// sweepLocked drops idle slots. A slot is idle when nobody holds it and its
// limiter would let the next attempt through immediately, so dropping it
// loses no pacing state. p.mu must be held.
func (p *DomainPacer) sweepLocked(now time.Time) {
	if now.Sub(p.lastSweep) < p.sweepEvery {
		return
	}
	p.lastSweep = now
	for domain, s := range p.domains {
		if s.refs > 0 {
			continue
		}
		if s.limiter == nil || s.limiter.TokensAt(now) >= 1 {
			delete(p.domains, domain)
		}
	}
}

// Acquire blocks until a probe of domain may start. The returned release
// func must be called exactly once when the probe ends.
func (p *DomainPacer) Acquire(ctx context.Context, domain string) (func(), error) {
	s := p.ref(domain)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		p.unref(s)
		return nil, ctx.Err()
	}
	release := func() {
		<-s.sem
		p.unref(s)
	}

	if err := p.Wait(ctx, domain); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// Wait blocks until the spacing since the previous attempt on domain has
// elapsed and reserves the next slot.
func (p *DomainPacer) Wait(ctx context.Context, domain string) error {
	if p.spacing <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := p.ref(domain)
	defer p.unref(s)
	return s.limiter.Wait(ctx)
}
