package validator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeResolver answers from fixed tables and counts queries.
type fakeResolver struct {
	mx    map[string][]*net.MX
	ip4   map[string][]net.IP
	ip6   map[string][]net.IP
	mxErr error

	calls atomic.Int32
	block chan struct{} // when set, LookupMX waits on it
	panic bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		mx:  map[string][]*net.MX{},
		ip4: map[string][]net.IP{},
		ip6: map[string][]net.IP{},
	}
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	f.calls.Add(1)
	if f.panic {
		panic("resolver exploded")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.mxErr != nil {
		return nil, f.mxErr
	}
	records, ok := f.mx[name]
	if !ok {
		return nil, notFound(name)
	}
	out := make([]*net.MX, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeResolver) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	f.calls.Add(1)
	table := f.ip4
	if network == "ip6" {
		table = f.ip6
	}
	ips, ok := table[host]
	if !ok {
		return nil, notFound(host)
	}
	return ips, nil
}

// smtpServer scripts the replies of a fake mail server. reply gets every
// command line and returns the reply line; an empty reply closes the
// connection.
type smtpServer struct {
	banner string
	reply  func(line string) string

	mu    sync.Mutex
	lines []string
}

func (s *smtpServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *smtpServer) serve(conn net.Conn) {
	defer conn.Close()
	if s.banner == "" {
		// Silent server: hold the connection until the client gives up.
		_, _ = bufio.NewReader(conn).ReadString('\n')
		return
	}
	if _, err := fmt.Fprintf(conn, "%s\r\n", s.banner); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()

		if strings.HasPrefix(line, "QUIT") {
			_, _ = fmt.Fprintf(conn, "221 Bye\r\n")
			return
		}
		resp := s.reply(line)
		if resp == "" {
			return
		}
		if _, err := fmt.Fprintf(conn, "%s\r\n", resp); err != nil {
			return
		}
	}
}

// acceptOnly returns a reply script that accepts HELO and MAIL FROM and
// answers RCPT TO with rcpt for the address mailbox and other otherwise.
func acceptOnly(mailbox string, rcpt, other string) func(string) string {
	return func(line string) string {
		switch {
		case strings.HasPrefix(line, "HELO"):
			return "250 mx.example.com"
		case strings.HasPrefix(line, "MAIL FROM"):
			return "250 OK"
		case line == "RCPT TO:<"+mailbox+">":
			return rcpt
		case strings.HasPrefix(line, "RCPT TO"):
			return other
		}
		return "502 Command not implemented"
	}
}

// dialTable routes host:port to a server; anything else is refused.
type dialTable struct {
	mu      sync.Mutex
	servers map[string]*smtpServer
	dials   []string
}

func (d *dialTable) dial(_ context.Context, _, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, addr)
	srv, ok := d.servers[addr]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go srv.serve(server)
	return client, nil
}

func (d *dialTable) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}
