package sandbox

import (
	"errors"
	"fmt"
)

// ErrInstanceTerminated is reported for any use of an instance after Kill succeeded
var ErrInstanceTerminated = errors.New("sandbox instance has been terminated")

// ProviderError reports a lifecycle request rejected by the backend
type ProviderError struct {
	Op      string
	Backend string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown sandbox or process identifier
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ExposureError reports a port that could not be exposed or resolved to a URL
type ExposureError struct {
	Port int
	Err  error
}

func (e *ExposureError) Error() string {
	return fmt.Sprintf("failed to expose port %d: %v", e.Port, e.Err)
}

func (e *ExposureError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
