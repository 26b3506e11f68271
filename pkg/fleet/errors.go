package fleet

import (
	"errors"
	"fmt"

	"socks-fleet/pkg/engine"
)

var (
	// ErrRuntimeUnavailable is the engine's connectivity error, re-exported for callers.
	ErrRuntimeUnavailable = engine.ErrUnavailable
	ErrNoNodesAvailable   = errors.New("no exit nodes available")
	ErrInstanceNotFound   = errors.New("proxy instance not found")
	ErrLaunchFailed       = errors.New("proxy launch failed")
	ErrReadinessTimeout   = errors.New("proxy did not become ready")
	ErrTerminationFailed  = errors.New("proxy termination failed")
)

// LaunchError is returned when writing the config or starting the container fails.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to create proxy %s: %v", e.Name, e.Err)
}

// Unwrap exposes both ErrLaunchFailed and the cause, so a lost runtime
// connection still matches ErrRuntimeUnavailable.
func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunchFailed, e.Err}
}

// ReadinessError is returned when a launched container is not running or has no host port.
type ReadinessError struct {
	Name     string
	Status   string
	HostPort int
	// Logs is a truncated excerpt of the container's last log lines.
	Logs string
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("proxy container %s failed to start (status=%q port=%d). Logs: %s...", e.Name, e.Status, e.HostPort, e.Logs)
}

func (e *ReadinessError) Unwrap() error {
	return ErrReadinessTimeout
}
