// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"socks-fleet/pkg/engine"
)

// Fake is an in-memory container runtime. Every Run gets the next free host port
// and stopped containers vanish, as with auto-remove. Set the exported error fields
// to inject failures.
type Fake struct {
	RunErr  error
	ListErr error
	StopErr error

	// NotReady makes launched containers report "exited" with no port binding.
	NotReady  bool
	LogOutput string

	mu         sync.Mutex
	containers map[string]engine.Container
	runs       []engine.RunSpec
	stopped    []string
	nextID     int
	nextPort   int
}

func New() *Fake {
	return &Fake{containers: map[string]engine.Container{}, nextPort: 32768}
}

// Add registers a container as if something else had started it.
func (f *Fake) Add(c engine.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ID] = c
}

// Runs returns every RunSpec received, failed ones included.
func (f *Fake) Runs() []engine.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.RunSpec(nil), f.runs...)
}

// Stopped returns the IDs of containers stopped so far.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *Fake) Ping(context.Context) error { return nil }

func (f *Fake) Run(_ context.Context, spec engine.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, spec)
	if f.RunErr != nil {
		return "", f.RunErr
	}
	f.nextID++
	c := engine.Container{
		ID:     fmt.Sprintf("c%04d", f.nextID),
		Name:   spec.Name,
		Status: "running",
		Labels: spec.Labels,
		Cmd:    spec.Cmd,
		Ports:  map[int]int{},
	}
	if f.NotReady {
		c.Status = "exited"
	} else {
		c.Ports[spec.Port] = f.nextPort
		f.nextPort++
	}
	f.containers[c.ID] = c
	return c.ID, nil
}

func (f *Fake) Inspect(_ context.Context, id string) (engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return engine.Container{}, fmt.Errorf("%w: %s", engine.ErrNotFound, id)
	}
	return c, nil
}

func (f *Fake) List(_ context.Context, prefix string) ([]engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []engine.Container
	for _, c := range f.containers {
		if c.Status == "running" && strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrNotFound, id)
	}
	delete(f.containers, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *Fake) Logs(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogOutput, nil
}
