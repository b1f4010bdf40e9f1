package validator

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Resolver is the subset of *net.Resolver the DNS stage needs. It is
// injectable for tests.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// DNSResult is the outcome of resolving one domain.
type DNSResult struct {
	Valid   bool
	MX      []*net.MX // sorted by preference, lowest first
	HasA    bool
	HasAAAA bool
	Errors  []error // ResolutionErrors, informational only
}

// Hosts returns the mail hosts to probe: MX hosts in preference order, or
// the domain itself when only A/AAAA records resolved.
func (d DNSResult) Hosts(domain string) []*net.MX {
	if len(d.MX) > 0 {
		return copyMX(d.MX)
	}
	if d.Valid {
		return []*net.MX{{Host: domain, Pref: 0}}
	}
	return nil
}

// DNSResolver resolves MX, then A, then AAAA records. Lookup failures of any
// kind count as "not found". Completed resolutions are cached per domain for
// cacheTTL; a zero TTL disables the cache.
type DNSResolver struct {
	resolver Resolver
	timeout  time.Duration
	cacheTTL time.Duration

	mu        sync.Mutex
	entries   map[string]*dnsEntry
	lastSweep time.Time
}

type dnsEntry struct {
	result  DNSResult
	expires time.Time
	ok      bool          // lookup finished without panic or cancellation
	done    chan struct{} // closed when the lookup is complete
}

// NewDNSResolver creates a resolver. A nil r uses net.DefaultResolver.
func NewDNSResolver(r Resolver, timeout, cacheTTL time.Duration) *DNSResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNSResolver{
		resolver: r,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		entries:  make(map[string]*dnsEntry),
	}
}

// Resolve looks up domain. Concurrent lookups for the same domain share one
// query.
func (r *DNSResolver) Resolve(ctx context.Context, domain string) DNSResult {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if r.cacheTTL <= 0 {
		return r.lookup(ctx, domain)
	}

	r.mu.Lock()
	if e, ok := r.entries[domain]; ok {
		select {
		case <-e.done:
			if e.ok && time.Now().Before(e.expires) {
				r.mu.Unlock()
				return e.result.clone()
			}
		default:
			r.mu.Unlock()
			select {
			case <-e.done:
				if e.ok {
					return e.result.clone()
				}
				return r.Resolve(ctx, domain)
			case <-ctx.Done():
				return DNSResult{Errors: []error{&ResolutionError{Domain: domain, Type: "MX", Err: ctx.Err()}}}
			}
		}
	}
	r.sweepLocked(time.Now())
	e := &dnsEntry{done: make(chan struct{})}
	r.entries[domain] = e
	r.mu.Unlock()

	// Cancellation and panics are not answers about the domain, so those
	// entries are dropped. Waiters are always released.
	completed := false
	defer func() {
		e.ok = completed && ctx.Err() == nil
		close(e.done)
		if !e.ok {
			r.mu.Lock()
			if r.entries[domain] == e {
				delete(r.entries, domain)
			}
			r.mu.Unlock()
		}
	}()

	e.result = r.lookup(ctx, domain)
	e.expires = time.Now().Add(r.cacheTTL)
	completed = true
	return e.result.clone()
}

// sweepLocked drops finished entries past their expiry, at most once per
// cacheTTL. r.mu must be held.
func (r *DNSResolver) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.cacheTTL {
		return
	}
	r.lastSweep = now
	for domain, e := range r.entries {
		select {
		case <-e.done:
			if !now.Before(e.expires) {
				delete(r.entries, domain)
			}
		default:
		}
	}
}

func (r *DNSResolver) lookup(ctx context.Context, domain string) DNSResult {
	var res DNSResult

	mx, err := r.lookupMX(ctx, domain)
	if err != nil {
		res.Errors = append(res.Errors, &ResolutionError{Domain: domain, Type: "MX", Err: err})
	}
	if len(mx) > 0 {
		sort.SliceStable(mx, func(i, j int) bool { return mx[i].Pref < mx[j].Pref })
		res.MX = mx
		res.Valid = true
		return res
	}

	res.HasA, err = r.lookupIP(ctx, "ip4", domain)
	if err != nil {
		res.Errors = append(res.Errors, &ResolutionError{Domain: domain, Type: "A", Err: err})
	}
	if res.HasA {
		res.Valid = true
		return res
	}

	res.HasAAAA, err = r.lookupIP(ctx, "ip6", domain)
	if err != nil {
		res.Errors = append(res.Errors, &ResolutionError{Domain: domain, Type: "AAAA", Err: err})
	}
	res.Valid = res.HasAAAA
	return res
}

func (r *DNSResolver) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.resolver.LookupMX(ctx, domain)
	var out []*net.MX
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		// A null MX ("." per RFC 7505) carries no host. It is skipped, so a
		// domain whose only MX is null still falls through to A/AAAA.
		if host == "" {
			continue
		}
		out = append(out, &net.MX{Host: host, Pref: mx.Pref})
	}
	if isNotFound(err) {
		err = nil
	}
	return out, err
}

func (r *DNSResolver) lookupIP(ctx context.Context, network, domain string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ips, err := r.resolver.LookupIP(ctx, network, domain)
	if isNotFound(err) {
		err = nil
	}
	return len(ips) > 0, err
}

// isNotFound reports an authoritative "no such record" answer, which is a
// plain negative rather than a resolution failure.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (d DNSResult) clone() DNSResult {
	d.MX = copyMX(d.MX)
	d.Errors = append([]error(nil), d.Errors...)
	return d
}

// copyMX returns a deep copy so callers cannot mutate cached records.
func copyMX(records []*net.MX) []*net.MX {
	if records == nil {
		return nil
	}
	out := make([]*net.MX, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out
}
