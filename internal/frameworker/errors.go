package frameworker

import (
	"errors"
	"fmt"
)

var (
	ErrPortClosed      = errors.New("port closed")
	ErrWorkerBootstrap = errors.New("worker bootstrap failed")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrBrokerClosed    = errors.New("broker closed")
)

type PortClosedError struct {
	PortID uint64
	Label  string
}

func (e *PortClosedError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("port closed: #%d", e.PortID)
	}
	return fmt.Sprintf("port closed: %s#%d", e.Label, e.PortID)
}

func (e *PortClosedError) Is(target error) bool {
	return target == ErrPortClosed
}

// WorkerBootstrapError records why a worker process never reached the
// loaded state. The process record keeps it until the URL is terminated.
type WorkerBootstrapError struct {
	URL string
	Err error
}

func (e *WorkerBootstrapError) Error() string {
	return fmt.Sprintf("worker bootstrap failed for %s: %v", e.URL, e.Err)
}

func (e *WorkerBootstrapError) Unwrap() error {
	return e.Err
}

func (e *WorkerBootstrapError) Is(target error) bool {
	return target == ErrWorkerBootstrap
}
