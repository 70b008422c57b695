package social

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("provider not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidInput   = errors.New("invalid input")
	ErrOriginMismatch = errors.New("origin mismatch")
	ErrTooManyIcons   = errors.New("too many ambient icons")
)

// InvalidStateError rejects a transition the registry is not in a position
// to make. Prior state is left untouched.
type InvalidStateError struct {
	Op     string
	Origin string
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Origin == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Origin, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
