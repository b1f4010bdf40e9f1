package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dialer opens a TCP connection. It is injectable for tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// ProbeConfig configures the SMTP probe.
type ProbeConfig struct {
	// ProbeDomain is sent in HELO and used for MAIL FROM:<probe@ProbeDomain>.
	ProbeDomain    string
	Ports          []string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Trusted lists domains treated as deliverable when no host:port
	// accepted a connection. This is a heuristic for environments where
	// outbound SMTP is blocked, not a deliverability guarantee.
	Trusted DomainList
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	SMTPValid    bool
	CatchAll     bool
	Code         int    // reply to RCPT TO:<candidate>
	CatchAllCode int    // reply to RCPT TO:<random>@domain
	Addr         string // host:port that completed the dialogue
	Fallback     bool   // SMTPValid came from the trusted-domain list
	Attempts     []error
}

// Prober performs a partial SMTP dialogue against a domain's mail hosts to
// test whether a mailbox and a random mailbox would be accepted. It keeps no
// state between calls apart from pacing.
type Prober struct {
	cfg         ProbeConfig
	dial        Dialer
	pacer       *DomainPacer
	randomLocal func() string
	log         *logrus.Entry
}

// NewProber creates a prober. A nil pacer disables per-domain pacing.
func NewProber(cfg ProbeConfig, pacer *DomainPacer, log *logrus.Entry) *Prober {
	if len(cfg.Ports) == 0 {
		cfg.Ports = []string{"25", "587", "465", "2525"}
	}
	if cfg.Trusted == nil {
		cfg.Trusted = NewDomainSet(nil)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Prober{
		cfg:         cfg,
		dial:        d.DialContext,
		pacer:       pacer,
		randomLocal: randomLocalPart,
		log:         log,
	}
}

// WithDialer replaces the network dialer.
func (p *Prober) WithDialer(d Dialer) *Prober {
	p.dial = d
	return p
}

// randomLocalPart returns a fresh local part for the catch-all probe.
func randomLocalPart() string {
	return "mv" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Probe tries each host in order (hosts must already be sorted by MX
// preference) and each configured port, and reports the codes of the first
// dialogue that completes. Errors on one host:port only advance to the
// next candidate.
func (p *Prober) Probe(ctx context.Context, email, domain string, hosts []*net.MX) ProbeResult {
	var res ProbeResult

	if p.pacer != nil {
		release, err := p.pacer.Acquire(ctx, domain)
		if err != nil {
			res.Attempts = append(res.Attempts, err)
			return res
		}
		defer release()
	}

	first := true
	connected := false
probe:
	for _, mx := range hosts {
		for _, port := range p.cfg.Ports {
			if ctx.Err() != nil {
				res.Attempts = append(res.Attempts, ctx.Err())
				break probe
			}
			if !first && p.pacer != nil {
				if err := p.pacer.Wait(ctx, domain); err != nil {
					res.Attempts = append(res.Attempts, err)
					break probe
				}
			}
			first = false

			addr := net.JoinHostPort(strings.TrimSuffix(mx.Host, "."), port)
			code, catchCode, reached, err := p.attempt(ctx, addr, port, email, domain)
			connected = connected || reached
			if err != nil {
				p.log.WithFields(logrus.Fields{"addr": addr, "email": email}).WithError(err).Debug("smtp attempt failed")
				res.Attempts = append(res.Attempts, err)
				continue
			}

			res.Code = code
			res.CatchAllCode = catchCode
			res.Addr = addr
			res.SMTPValid = acceptedCode(code)
			res.CatchAll = acceptedCode(catchCode)
			break probe
		}
	}

	// A server that answered, even with a rejection or a broken dialogue,
	// is never overridden.
	if !connected && ctx.Err() == nil && p.cfg.Trusted.Contains(domain) {
		res.SMTPValid = true
		res.Fallback = true
	}
	return res
}

func acceptedCode(code int) bool {
	return code == 250 || code == 251
}

// attempt runs one dialogue and reports whether the connection was
// established. The dialogue is bounded by deadlines rather than ctx so that
// an in-flight exchange finishes or times out cleanly.
func (p *Prober) attempt(ctx context.Context, addr, port, email, domain string) (int, int, bool, error) {
	conn, err := p.connect(ctx, addr, port)
	if err != nil {
		var ce *ConnectionError
		return 0, 0, !errors.As(err, &ce), err
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	defer tp.Close()

	read := func(stage string, expect int) (int, error) {
		if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return 0, &ProtocolError{Addr: addr, Stage: stage, Err: err}
		}
		code, _, err := tp.ReadResponse(expect)
		if err != nil {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) {
				return code, &ProtocolError{Addr: addr, Stage: stage, Code: tpErr.Code, Err: errors.New(tpErr.Msg)}
			}
			return code, &ProtocolError{Addr: addr, Stage: stage, Err: err}
		}
		return code, nil
	}
	cmd := func(stage string, expect int, format string, args ...interface{}) (int, error) {
		if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return 0, &ProtocolError{Addr: addr, Stage: stage, Err: err}
		}
		if err := tp.PrintfLine(format, args...); err != nil {
			return 0, &ProtocolError{Addr: addr, Stage: stage, Err: err}
		}
		return read(stage, expect)
	}

	if _, err := read("greeting", 220); err != nil {
		return 0, 0, true, err
	}
	if _, err := cmd("HELO", 250, "HELO %s", p.cfg.ProbeDomain); err != nil {
		return 0, 0, true, err
	}
	if _, err := cmd("MAIL FROM", 250, "MAIL FROM:<probe@%s>", p.cfg.ProbeDomain); err != nil {
		return 0, 0, true, err
	}

	// Expect code 0 accepts any reply; the code itself is the answer.
	code, err := cmd("RCPT TO", 0, "RCPT TO:<%s>", email)
	if err != nil {
		return 0, 0, true, err
	}
	catchCode, err := cmd("RCPT TO", 0, "RCPT TO:<%s@%s>", p.randomLocal(), domain)
	if err != nil {
		return 0, 0, true, err
	}

	// QUIT is best effort.
	if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err == nil {
		if tp.PrintfLine("QUIT") == nil {
			_, _, _ = tp.ReadResponse(221)
		}
	}
	return code, catchCode, true, nil
}

func (p *Prober) connect(ctx context.Context, addr, port string) (net.Conn, error) {
	dialCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := p.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	if port != "465" {
		return conn, nil
	}

	// Port 465 speaks SMTP over implicit TLS. Nothing is delivered, so
	// the certificate is not verified.
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: true}) //nolint:gosec
	_ = conn.SetDeadline(time.Now().Add(p.cfg.ReadTimeout))
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, &ProtocolError{Addr: addr, Stage: "TLS handshake", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// String renders a probe result for the details list.
func (r ProbeResult) String() string {
	switch {
	case r.Fallback:
		return "SMTP unreachable, trusted provider fallback applied"
	case r.Addr == "":
		return fmt.Sprintf("SMTP probe failed on all hosts (%d attempts)", len(r.Attempts))
	default:
		return fmt.Sprintf("SMTP %s answered RCPT %d, random RCPT %d", r.Addr, r.Code, r.CatchAllCode)
	}
}
