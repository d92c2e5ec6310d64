package gede

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthRejected      = errors.New("concentrator rejected login")
	ErrTokenMissing      = errors.New("concentrator login returned no token")
	ErrEscalationFailed  = errors.New("concentrator token escalation failed")
	ErrDeviceTimeout     = errors.New("concentrator timed out")
	ErrReportFetchFailed = errors.New("concentrator report failed")
	ErrOrderFailed       = errors.New("concentrator order failed")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
)

// StatusError carries the status and a truncated body of a failed
// concentrator response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// newStatusError wraps kind with the response details. The body is cut to
// limit characters.
func newStatusError(kind error, op string, status int, body []byte, limit int) error {
	return fmt.Errorf("%w: %w", kind, &StatusError{
		Op:     op,
		Status: status,
		Body:   Truncate(string(body), limit),
	})
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// AsStatusError returns the StatusError wrapped in err, if any.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
