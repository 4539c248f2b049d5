package reasoning

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQuotaExhausted marks a rate or usage limit reported by the backend.
	ErrQuotaExhausted = errors.New("reasoning quota exhausted")
	// ErrMalformedResponse marks model output that does not decode into the expected shape.
	ErrMalformedResponse = errors.New("malformed reasoning response")
)

// Error records the reasoning operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsQuota reports whether err is a quota exhaustion failure.
func IsQuota(err error) bool { return errors.Is(err, ErrQuotaExhausted) }

// IsMalformed reports whether err is a malformed response failure.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedResponse) }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) && re.Op == op {
		return err
	}
	return &Error{Op: op, Err: err}
}

// quotaError wraps cause so that errors.Is matches both ErrQuotaExhausted and cause.
func quotaError(cause error) error {
	return fmt.Errorf("%w: %w", ErrQuotaExhausted, cause)
}

// mentionsQuota is the text fallback used when a backend error carries no status code.
func mentionsQuota(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") || strings.Contains(s, "resource_exhausted") || strings.Contains(s, "quota")
}
