package zulip

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeBadEventQueue is the Zulip error code for an expired or unknown event queue.
const CodeBadEventQueue = "BAD_EVENT_QUEUE_ID"

// ErrBadEventQueue matches (via errors.Is) an *APIError carrying CodeBadEventQueue.
var ErrBadEventQueue = errors.New("zulip: event queue expired")

// APIError is a well-formed Zulip response whose result is not "success".
type APIError struct {
	Code   string
	Msg    string
	Status int
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("zulip api error (http %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("zulip api error %s (http %d): %s", e.Code, e.Status, e.Msg)
}

// Is lets errors.Is(err, ErrBadEventQueue) detect queue expiry.
func (e *APIError) Is(target error) bool {
	return target == ErrBadEventQueue && e.Code == CodeBadEventQueue
}

// DecodeError is a response body that was not the JSON envelope Zulip normally sends
// (a proxy error page, a truncated body).
type DecodeError struct {
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("zulip %s: undecodable response (http %d): %v: %q", e.Path, e.Status, e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorClass says how the relay loop should react to a failed Zulip call.
type ErrorClass int

const (
	// ErrorClassTransient covers network failures, timeouts, undecodable bodies, 5xx and
	// rate limiting. Retried after the fixed backoff.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassExpired is queue expiry: re-register immediately, no backoff.
	ErrorClassExpired
	// ErrorClassUnknownCode is any other API error code. Admins are alerted and the call
	// is retried with backoff.
	ErrorClassUnknownCode
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassExpired:
		return "expired"
	case ErrorClassUnknownCode:
		return "unknown_code"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by Client into an ErrorClass. Anything that is not
// an *APIError is treated as transient.
func Classify(err error) ErrorClass {
	if errors.Is(err, ErrBadEventQueue) {
		return ErrorClassExpired
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "RATE_LIMIT_HIT" || apiErr.Status >= http.StatusInternalServerError {
			return ErrorClassTransient
		}
		return ErrorClassUnknownCode
	}
	return ErrorClassTransient
}
