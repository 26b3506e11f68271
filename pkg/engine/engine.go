// Package engine is the container runtime contract the proxy manager drives.
package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks every failure caused by losing the runtime connection.
	ErrUnavailable = errors.New("container runtime unavailable")
	ErrNotFound    = errors.New("container not found")
)

// Mount is a volume or host directory exposed inside the container.
type Mount struct {
	Source   string // volume name, or an absolute host path for a bind mount
	Target   string
	ReadOnly bool
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Image string
	Name  string
	Cmd   []string
	// Port is published on a host port chosen by the runtime.
	Port       int
	Mounts     []Mount
	AutoRemove bool
	Labels     map[string]string
}

// Container is the runtime's view of one container.
type Container struct {
	ID     string
	Name   string
	Status string
	Labels map[string]string
	Cmd    []string
	// Ports maps published container tcp ports to their host ports.
	Ports map[int]int
}

// HostPort returns the host port bound to the container port, or 0.
func (c Container) HostPort(port int) int {
	return c.Ports[port]
}

// Engine creates, inspects and stops containers.
type Engine interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context, spec RunSpec) (string, error)
	Inspect(ctx context.Context, id string) (Container, error)
	// List returns running containers whose name starts with namePrefix.
	List(ctx context.Context, namePrefix string) ([]Container, error)
	Stop(ctx context.Context, id string) error
	// Logs returns the last tail lines of combined stdout/stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Unavailable is the degraded handle used when the runtime could not be reached at startup.
type Unavailable struct {
	Reason error
}

func (u Unavailable) err() error {
	if u.Reason == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, u.Reason)
}

func (u Unavailable) Ping(context.Context) error {
	return u.err()
}

func (u Unavailable) Run(context.Context, RunSpec) (string, error) {
	return "", u.err()
}

func (u Unavailable) Inspect(context.Context, string) (Container, error) {
	return Container{}, u.err()
}

func (u Unavailable) List(context.Context, string) ([]Container, error) {
	return nil, u.err()
}

func (u Unavailable) Stop(context.Context, string) error {
	return u.err()
}

func (u Unavailable) Logs(context.Context, string, int) (string, error) {
	return "", u.err()
}

// IsAvailable reports whether e is a connected handle rather than the degraded one.
func IsAvailable(e Engine) bool {
	switch e.(type) {
	case nil, Unavailable, *Unavailable:
		return false
	}
	return true
}
