package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"

	"socks-fleet/pkg/model"
)

const (
	DefaultRecentEvents = 50
	writeWait           = 5 * time.Second
	subscriberBuffer    = 16
)

// EventHub fans lifecycle events out to websocket subscribers and keeps the
// most recent ones for GET /events/recent.
type EventHub struct {
	upgrader websocket.Upgrader
	log      logs.Log

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	recent []model.Event
	size   int
}

// subscriber owns a queue drained by its own writer goroutine, so a slow
// client never holds up Observe.
type subscriber struct {
	name  string
	send  chan model.Event
	write func(model.Event) error
	close func()
}

func NewEventHub(size int, log logs.Log) *EventHub {
	if size <= 0 {
		size = DefaultRecentEvents
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		subs: map[*subscriber]struct{}{},
		size: size,
	}
}

// RequireSameOrigin rejects browser upgrades whose Origin does not match the
// Host header. Clients that send no Origin are still accepted.
func (h *EventHub) RequireSameOrigin() {
	h.upgrader.CheckOrigin = nil
}

// Observe records the event and queues it for every subscriber. A subscriber
// whose queue is full is dropped.
func (h *EventHub) Observe(_ context.Context, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > h.size {
		h.recent = h.recent[len(h.recent)-h.size:]
	}
	for s := range h.subs {
		select {
		case s.send <- ev:
		default:
			h.log.Warnf("event subscriber %s is not keeping up, dropped", s.name)
			delete(h.subs, s)
			close(s.send)
		}
	}
}

// Recent returns the buffered events, oldest first.
func (h *EventHub) Recent() []model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Event{}, h.recent...)
}

// Subscribers reports the number of connected websocket clients.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleWS upgrades the request and streams events until the client goes away.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("ws upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	s := &subscriber{
		name: c.RemoteAddr().String(),
		send: make(chan model.Event, subscriberBuffer),
		write: func(ev model.Event) error {
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			return c.WriteJSON(ev)
		},
		close: func() {
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			_ = c.Close()
		},
	}
	h.add(s)
	h.log.Infof("event subscriber connected: %s", s.name)
	go h.readLoop(c, s)
}

func (h *EventHub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(s)
}

func (h *EventHub) writeLoop(s *subscriber) {
	defer s.close()
	for ev := range s.send {
		if err := s.write(ev); err != nil {
			h.log.Debugf("event subscriber %s dropped: %v", s.name, err)
			h.remove(s)
			return
		}
	}
}

// readLoop discards client frames; it exists to notice the close.
func (h *EventHub) readLoop(c *websocket.Conn, s *subscriber) {
	for {
		if _, _, err := c.NextReader(); err != nil {
			break
		}
	}
	if h.remove(s) {
		h.log.Infof("event subscriber disconnected: %s", s.name)
	}
	_ = c.Close()
}

// remove unregisters s and stops its writer. It reports whether s was still registered.
func (h *EventHub) remove(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return false
	}
	delete(h.subs, s)
	close(s.send)
	return true
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
}
