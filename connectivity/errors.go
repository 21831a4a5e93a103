package connectivity

import (
	"errors"
	"fmt"
)

// ErrServiceNotFound means neither a route nor a local handler exists.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return "connectivity: unknown service " + e.Service
}

// ErrNoFactory means a route names a strategy nobody registered.
type ErrNoFactory struct {
	Service  string
	Strategy string
}

func (e *ErrNoFactory) Error() string {
	return fmt.Sprintf("connectivity: %s: strategy %q has no transport", e.Service, e.Strategy)
}

// ErrFactoryFailed wraps the error a TransportFactory returned for a route.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: %s: %s transport to %s: %v", e.Service, e.Strategy, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen rejects a call while the service's breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return "connectivity: " + e.Service + " unavailable, circuit open"
}

// ErrRemote is a failure the remote side answered with. Status follows
// HTTP semantics for both transports.
type ErrRemote struct {
	Service string
	Status  int
	Message string
}

func (e *ErrRemote) Error() string {
	return fmt.Sprintf("connectivity: %s answered %d: %s", e.Service, e.Status, e.Message)
}

// clientFault reports whether the remote rejected the request itself.
func (e *ErrRemote) clientFault() bool {
	return e.Status >= 400 && e.Status < 500
}

// retryable reports whether calling again, here or elsewhere, could
// succeed.
func retryable(err error) bool {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	var re *ErrRemote
	return !errors.As(err, &re) || !re.clientFault()
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
