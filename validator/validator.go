// Package validator decides whether an email address is deliverable without
// sending mail. A Validator runs the format check, DNS resolution, an SMTP
// RCPT probe with catch-all detection and the disposable/role heuristics,
// scores the result and caches it.
package validator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Options wires a Validator. DNS and Prober are required; a nil Cache
// disables caching and a nil Classifier flags nothing.
type Options struct {
	Cache      *Cache
	DNS        *DNSResolver
	Prober     *Prober
	Classifier *Classifier
	Log        *logrus.Entry
}

// Validator is safe for concurrent use.
type Validator struct {
	cache      *Cache
	dns        *DNSResolver
	prober     *Prober
	classifier *Classifier
	log        *logrus.Entry
	now        func() time.Time
}

func New(opts Options) *Validator {
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(nil, nil)
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "validator")
	}
	return &Validator{
		cache:      opts.Cache,
		dns:        opts.DNS,
		prober:     opts.Prober,
		classifier: opts.Classifier,
		log:        opts.Log,
		now:        defaultNow,
	}
}

// Validate returns a verdict for email. It never fails: pipeline errors are
// folded into Details and Status. With useCache a live cached verdict is
// returned as is, without network I/O.
func (v *Validator) Validate(ctx context.Context, email string, userID uint, useCache bool) *Result {
	key := Normalize(email)
	canonical, formatErr := CheckFormat(key)
	if formatErr == nil {
		key = canonical
	}

	// A blank address has no key worth storing.
	cacheable := v.cache != nil && !errors.Is(formatErr, ErrEmptyAddress)

	if useCache && cacheable {
		cached, err := v.cache.Get(ctx, key)
		if err != nil {
			v.log.WithError(err).WithField("email", key).Warn("validation cache read failed")
		} else if cached != nil {
			return cached
		}
	}

	res := newResult(key, v.now())
	v.runPipeline(ctx, res, formatErr)

	if cacheable {
		if err := v.cache.Put(ctx, key, userID, res); err != nil {
			v.log.WithError(err).WithField("email", key).Warn("validation cache write failed")
		}
	}
	return res
}

func (v *Validator) runPipeline(ctx context.Context, res *Result, formatErr error) {
	defer func() {
		if r := recover(); r != nil {
			res.addDetail("internal error: %v", r)
			v.log.WithField("email", res.Email).Errorf("validation pipeline panic: %v", r)
		}
	}()

	if formatErr != nil {
		res.addDetail("Invalid email format: %s", formatReason(formatErr))
		res.Status = StatusInvalid
		return
	}
	res.FormatValid = true

	_, domain, _ := splitAddress(res.Email)

	dns := v.dns.Resolve(ctx, domain)
	for _, err := range dns.Errors {
		v.log.WithError(err).WithField("domain", domain).Debug("dns lookup failed")
	}
	if !dns.Valid {
		res.addDetail("Domain %s has no MX, A or AAAA records", domain)
		res.Status = StatusInvalid
		return
	}
	res.DNSValid = true
	hosts := dns.Hosts(domain)
	for _, mx := range hosts {
		res.MXHosts = append(res.MXHosts, mx.Host)
	}
	if len(dns.MX) > 0 {
		res.addDetail("MX records found: %s", strings.Join(res.MXHosts, ", "))
	} else {
		res.addDetail("No MX records, using address record of %s", domain)
	}

	probe := v.prober.Probe(ctx, res.Email, domain, hosts)
	res.SMTPValid = probe.SMTPValid
	res.CatchAll = probe.CatchAll
	res.SMTPCode = probe.Code
	res.addDetail("%s", probe.String())
	if !probe.SMTPValid && probe.Addr != "" {
		res.addDetail("Mailbox rejected with code %d", probe.Code)
	}

	res.Disposable = v.classifier.IsDisposable(domain)
	res.RoleBased = v.classifier.IsRoleBased(res.Email)
	if res.Disposable {
		res.addDetail("Disposable email domain")
	}
	if res.RoleBased {
		res.addDetail("Role-based address")
	}
	if res.CatchAll {
		res.addDetail("Domain accepts all addresses (catch-all)")
	}

	res.addRisk(RiskScore(res.Disposable, res.RoleBased, res.CatchAll))
	res.Status = DecideStatus(res.FormatValid, res.DNSValid, res.SMTPValid, res.RiskScore)
}

func formatReason(err error) string {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return err.Error()
}
