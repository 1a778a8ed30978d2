// Package failure classifies errors raised while running a job attempt.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindTerminal
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

var (
	ErrBudgetExceeded = errors.New("budget ceiling exceeded")
	ErrCancelled      = errors.New("job cancelled")
	ErrAttemptTimeout = errors.New("attempt timed out")
	ErrTurnLimit      = errors.New("turn limit reached")
)

// Error tags an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Terminal marks err as permanent; the job is dead-lettered without retry.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTerminal, Err: err}
}

// Infrastructure marks a durable store, cache or runtime failure. Retried
// like a transient error.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInfrastructure, Err: err}
}

// KindOf returns the explicit kind attached to err, if any.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"overloaded",
	"econnreset",
	"unexpected eof",
}

// IsRecoverable decides between retry-with-backoff and dead-lettering.
// Explicit kinds win; unclassified errors are recoverable only when they look
// like network, timeout, rate-limit or 5xx conditions.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindInfrastructure:
		return true
	case KindTerminal:
		return false
	}
	if errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrTurnLimit) {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// FromHTTPStatus wraps err according to an upstream HTTP status code.
func FromHTTPStatus(code int, err error) error {
	if err == nil {
		err = fmt.Errorf("upstream status %d", code)
	}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient(err)
	case code >= http.StatusInternalServerError:
		return Transient(err)
	case code >= http.StatusBadRequest:
		return Terminal(err)
	}
	return err
}
