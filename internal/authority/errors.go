package authority

import (
	"errors"
	"fmt"
)

// Kind splits every authority failure into exactly two classes. The split is
// load-bearing: callers may retry an unavailable failure but must never
// automatically retry a rejected one.
type Kind int

const (
	// KindUnavailable covers connection failures, transport timeouts, and
	// 5xx responses. Safe to retry, safe to surface as "try again later".
	KindUnavailable Kind = iota + 1
	// KindRejected covers 4xx application-level refusals: unknown action
	// types, eligibility failures, and 409 conflicts representing "blocked".
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// CodeUnknownActionType is the authority's rejection code for an action type
// missing from its vocabulary; it is the only rejection the orchestrator
// answers with a fallback attempt.
const CodeUnknownActionType = "UNKNOWN_ACTION_TYPE"

type StatusError struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string

	cause error
}

func (e *StatusError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("authority %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("authority %s: status=%d code=%s message=%s", e.Kind, e.StatusCode, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.cause }

func unavailable(cause error) *StatusError {
	return &StatusError{Kind: KindUnavailable, Message: "authority unreachable", cause: cause}
}

// IsUnavailable reports whether err classifies as a retryable authority
// failure.
func IsUnavailable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Kind == KindUnavailable
}

// IsRejected reports whether err classifies as an application-level refusal.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Kind == KindRejected
}

// IsUnknownActionType reports whether err is the specific rejection that
// permits the single vocabulary-fallback retry.
func IsUnknownActionType(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Kind == KindRejected && se.Code == CodeUnknownActionType
}

// AsStatusError extracts the classified error when present.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}
