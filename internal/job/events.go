package job

import (
	"sync"
	"time"
)

// Event describes a job state transition for observers.
type Event struct {
	JobID     string    `json:"job_id"`
	ProjectID string    `json:"project_id"`
	BucketID  string    `json:"bucket_id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Subscriber receives job events on a buffered channel. Slow subscribers
// miss events rather than blocking the manager.
type Subscriber struct {
	Events chan Event
}

// Hub fans job events out to subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Subscriber]bool
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Subscriber]bool)}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{Events: make(chan Event, 16)}
	h.mu.Lock()
	h.clients[s] = true
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		close(s.Events)
	}
}

// Publish delivers an event to all subscribers without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.clients {
		select {
		case s.Events <- e:
		default:
			// Subscriber buffer full, skip
		}
	}
}
