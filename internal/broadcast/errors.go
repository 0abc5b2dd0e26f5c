package broadcast

import (
	"errors"
	"fmt"
)

// Kind classifies provider and lifecycle failures for retry decisions.
type Kind int

const (
	// KindAuthFailed: authentication or token refresh failed. Not retried
	// within the operation.
	KindAuthFailed Kind = iota
	// KindRetryable: transient provider failure (5xx, rate limit). Retried
	// by the coordinator's loops.
	KindRetryable
	// KindFatal: permanent provider rejection (invalid argument, permission
	// denied). Surfaced; the readiness loop terminates.
	KindFatal
	// KindTimeout: the ingestion wait elapsed without the stream going
	// active. Transitions to another retry cycle.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth_failed"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "timeout"
	}
}

// RemoteError is a classified provider failure.
type RemoteError struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("provider error (%s, status %d): %s", e.Kind, e.Status, e.Message)
}

// ErrRedundantTransition reports that the broadcast was already in (or past)
// the requested state. Callers treat it as success.
var ErrRedundantTransition = errors.New("redundant transition")

// KindOf returns the classification of err, defaulting to KindRetryable for
// unclassified errors (network hiccups and friends).
func KindOf(err error) Kind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindRetryable
}

// IsAuthFailed reports whether err is an authentication failure.
func IsAuthFailed(err error) bool {
	return err != nil && KindOf(err) == KindAuthFailed
}

// IsFatal reports whether err is a permanent provider rejection.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
