package events

import (
	"slices"
	"sync"
)

// Event is an in-process notification published after a unit of work
// commits. Audience lists the users allowed to see it; admins see all.
type Event struct {
	Type     string   `json:"type"`
	Data     any      `json:"data"`
	Audience []string `json:"-"`
}

func (e Event) VisibleTo(userID string, admin bool) bool {
	return admin || slices.Contains(e.Audience, userID)
}

type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks; slow subscribers miss events.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}
