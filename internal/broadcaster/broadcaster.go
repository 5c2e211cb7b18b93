// Package broadcaster implements the per-project event fan-out of spec
// §4.9, adapted almost directly from the teacher's internal/server SSE
// Broadcaster: history replay for new subscribers, best-effort live
// delivery that drops slow clients rather than blocking the orchestrator,
// and a doneCh that distinguishes a real project-level close from a
// single slow client being dropped.
package broadcaster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/forgepilot/orchestrator/internal/metrics"
)

// Event is one tagged-union message of spec §4.9 ("agent -> client").
// Type is the string discriminator; Payload carries type-specific keys.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"-"`
}

// MarshalJSON flattens {type, ...payload} into a single JSON object, the
// wire shape described in spec §6 ("type is a string discriminator;
// payload keys are domain-specific").
func (e Event) MarshalJSON() ([]byte, error) {
	base := map[string]any{"type": e.Type}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		var asMap map[string]any
		if err := json.Unmarshal(raw, &asMap); err == nil {
			for k, v := range asMap {
				base[k] = v
			}
		} else {
			base["payload"] = e.Payload
		}
	}
	return json.Marshal(base)
}

// New builds an Event, spec §4.9's per-type payload constructors.
func New(eventType string, payload any) Event {
	return Event{Type: eventType, Payload: payload}
}

// Broadcaster fans events out to every client subscribed to one project's
// stream. One Broadcaster per project; thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{}
	metrics *metrics.Registry
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// SetMetrics attaches reg so every Send is counted by event type. Optional;
// a Broadcaster with no Registry attached skips recording.
func (b *Broadcaster) SetMetrics(reg *metrics.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = reg
}

// Send delivers ev to every subscribed client and records it in history.
// Messages broadcast to a single client are delivered in the order they
// were produced, spec §5 "Ordering". Slow clients are dropped, never
// blocking the caller (spec §5 "Backpressure").
func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	if b.metrics != nil {
		b.metrics.BroadcastEventsTotal.WithLabelValues(ev.Type).Inc()
	}
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns a replay-then-live events channel, a done channel
// closed only on Close (not on a slow-client drop), and an unsubscribe
// function.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the project's stream as finished: no more events will be
// sent, and every subscriber's channel is closed with doneCh also closed
// so they can tell this apart from a slow-client drop.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event sent so far, oldest first.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams one client's subscription to an HTTP response as
// Server-Sent Events, adapted from the teacher's server.WriteSSE.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
