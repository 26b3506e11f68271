package fleet

import (
	"context"
	"sync"

	"socks-fleet/pkg/model"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingObserver) Observe(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
