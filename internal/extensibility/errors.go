package extensibility

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every data source and the session layer.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrLifecycle     = errors.New("lifecycle error")
	ErrNotFound      = errors.New("not found")
	ErrProtocol      = errors.New("protocol error")
)

// ReadError aborts a whole read invocation and carries the originating cause.
type ReadError struct {
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed: %v", e.Cause)
}

func (e *ReadError) Unwrap() error {
	return e.Cause
}

// AsReadError wraps err unless it already is a ReadError.
func AsReadError(err error) error {
	if err == nil {
		return nil
	}
	var re *ReadError
	if errors.As(err, &re) {
		return err
	}
	return &ReadError{Cause: err}
}

// UnknownCatalog is the NotFound error for a catalog id that was never advertised.
func UnknownCatalog(catalogID string) error {
	return fmt.Errorf("%w: unknown catalog %q", ErrNotFound, catalogID)
}
