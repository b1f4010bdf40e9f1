package validator

import (
	"errors"
	"fmt"
)

// ErrEmptyAddress is returned by CheckFormat for blank input.
var ErrEmptyAddress = errors.New("empty email address")

// FormatError reports a malformed address. It is terminal for a validation.
type FormatError struct {
	Email  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid email format %q: %s", e.Email, e.Reason)
}

// ResolutionError reports a failed or timed out DNS lookup. The pipeline
// treats it as "no records".
type ResolutionError struct {
	Domain string
	Type   string // MX, A or AAAA
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s lookup for %s failed: %v", e.Type, e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConnectionError reports a failed TCP connect to one host:port.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected SMTP reply or a connection that went
// away mid dialogue. Code is zero when no reply was read.
type ProtocolError struct {
	Addr  string
	Stage string
	Code  int
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("smtp %s at %s: unexpected reply %d: %v", e.Stage, e.Addr, e.Code, e.Err)
	}
	return fmt.Sprintf("smtp %s at %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StorageError reports a failed read or write of the validation cache or
// the job table.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
