package backend

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies backend failures for the retry controller.
type Kind string

const (
	// KindAuth is a credential failure. Fatal: retrying cannot help.
	KindAuth Kind = "auth"
	// KindQuota is a rate/quota limit, optionally carrying a server wait hint.
	KindQuota Kind = "quota"
	// KindUnavailable is a transient network or service error.
	KindUnavailable Kind = "unavailable"
	// KindDown means the local service refused the connection. Retryable,
	// but under a smaller attempt cap since the service is likely not running.
	KindDown Kind = "down"
	// KindUnsupported means the model cannot accept the input (no image
	// support). Fatal for that capture.
	KindUnsupported Kind = "unsupported"
	// KindInvalid is a malformed request rejected by the service. Fatal.
	KindInvalid Kind = "invalid"
)

// Error is a typed backend failure.
type Error struct {
	Backend    string
	Kind       Kind
	Message    string
	RetryAfter time.Duration // server-suggested wait, quota errors only
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s backend %s error: %s", e.Backend, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry controller may attempt this call again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindQuota, KindUnavailable, KindDown:
		return true
	}
	return false
}

// AsError extracts a typed backend error, if err carries one.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsKind reports whether err is a backend error of the given kind.
func IsKind(err error, kind Kind) bool {
	if be, ok := AsError(err); ok {
		return be.Kind == kind
	}
	return false
}
