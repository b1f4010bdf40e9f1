package validator

import (
	"bufio"
	_ "embed"
	"io"
	"os"
	"strings"
)

//go:embed data/disposable_domains.txt
var defaultDisposableList string

// DomainList answers exact, case-insensitive membership queries.
type DomainList interface {
	Contains(name string) bool
}

// DomainSet is an immutable DomainList backed by a map.
type DomainSet map[string]struct{}

// NewDomainSet builds a set from names, lower-casing and trimming each.
func NewDomainSet(names []string) DomainSet {
	s := make(DomainSet, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// ReadDomainSet parses one entry per line; blank lines and lines starting
// with '#' are skipped.
func ReadDomainSet(r io.Reader) (DomainSet, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewDomainSet(names), nil
}

// LoadDisposableDomains reads the list at path, or the embedded default
// list when path is empty.
func LoadDisposableDomains(path string) (DomainSet, error) {
	if path == "" {
		return ReadDomainSet(strings.NewReader(defaultDisposableList))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDomainSet(f)
}

func (s DomainSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// Len returns the number of entries.
func (s DomainSet) Len() int { return len(s) }

// Classifier flags disposable domains and role-based local parts.
type Classifier struct {
	disposable DomainList
	roles      DomainList
}

func NewClassifier(disposable, roles DomainList) *Classifier {
	if disposable == nil {
		disposable = NewDomainSet(nil)
	}
	if roles == nil {
		roles = NewDomainSet(nil)
	}
	return &Classifier{disposable: disposable, roles: roles}
}

// IsDisposable reports whether domain is a known throwaway provider.
func (c *Classifier) IsDisposable(domain string) bool {
	return c.disposable.Contains(domain)
}

// IsRoleBased reports whether the local part of email is a role prefix.
func (c *Classifier) IsRoleBased(email string) bool {
	local, _, ok := splitAddress(email)
	if !ok {
		return false
	}
	return c.roles.Contains(local)
}
