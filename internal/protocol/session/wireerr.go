package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/remotesource/internal/extensibility"
)

// Error kinds carried in error frames.
const (
	KindConfiguration = "configuration"
	KindLifecycle     = "lifecycle"
	KindNotFound      = "not_found"
	KindProtocol      = "protocol"
	KindRead          = "read"
	KindInternal      = "internal"
)

// KindOf classifies err for the wire. A ReadError reports the kind of its
// cause when that is a known sentinel; the read wrapper is restored on decode.
func KindOf(err error) string {
	switch {
	case errors.Is(err, extensibility.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, extensibility.ErrLifecycle):
		return KindLifecycle
	case errors.Is(err, extensibility.ErrNotFound):
		return KindNotFound
	case errors.Is(err, extensibility.ErrProtocol):
		return KindProtocol
	}
	var re *extensibility.ReadError
	if errors.As(err, &re) {
		return KindRead
	}
	return KindInternal
}

// RemoteError is an error received from the peer.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindConfiguration:
		return extensibility.ErrConfiguration
	case KindLifecycle:
		return extensibility.ErrLifecycle
	case KindNotFound:
		return extensibility.ErrNotFound
	case KindProtocol:
		return extensibility.ErrProtocol
	default:
		return nil
	}
}

// ErrorFromWire rebuilds the error a peer reported. Errors of a read
// invocation come back wrapped as ReadError.
func ErrorFromWire(method, kind, message string) error {
	remote := &RemoteError{Kind: kind, Message: message}
	if method == MethodRead || kind == KindRead {
		return &extensibility.ReadError{Cause: remote}
	}
	return remote
}
