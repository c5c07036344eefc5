package websocket

import (
	"encoding/json"
	"strings"
	"sync"
)

const defaultRingSize = 4096

// EventRing keeps the most recent events for replay to new clients.
type EventRing struct {
	mu     sync.RWMutex
	events []Event
	next   int
	count  int
}

// NewEventRing creates a ring holding up to size events.
func NewEventRing(size int) *EventRing {
	if size <= 0 {
		size = defaultRingSize
	}
	return &EventRing{events: make([]Event, size)}
}

// Add stores e, evicting the oldest event when full.
func (r *EventRing) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

// Tail returns up to the newest n events, oldest first. n <= 0 returns all.
func (r *EventRing) Tail(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Event, n)
	start := (r.next - n + len(r.events)) % len(r.events)
	for i := 0; i < n; i++ {
		out[i] = r.events[(start+i)%len(r.events)]
	}
	return out
}

// Len reports how many events are buffered.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// encodeNDJSON encodes events one per line. With maxBytes > 0 the newest
// events that fit are kept, still in chronological order.
func encodeNDJSON(events []Event, maxBytes int) ([]byte, int) {
	encoded := make([][]byte, 0, len(events))
	for _, e := range events {
		if data, err := json.Marshal(e); err == nil {
			encoded = append(encoded, data)
		}
	}

	start := 0
	if maxBytes > 0 {
		budget := maxBytes
		start = len(encoded)
		for i := len(encoded) - 1; i >= 0; i-- {
			cost := len(encoded[i]) + 1
			if cost > budget {
				break
			}
			budget -= cost
			start = i
		}
	}

	var sb strings.Builder
	for _, data := range encoded[start:] {
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), len(encoded) - start
}
