// Package events provides best-effort fan-out of pipeline state changes to
// live subscribers. Delivery is at-most-once: a subscriber that falls behind
// loses events instead of blocking publishers.
package events

import (
	"sync"
	"time"
)

// Event is a single published state change.
type Event struct {
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is a live subscriber handle. Events arrive on C until
// Unsubscribe is called, after which C is closed.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	channel string
	bus     *Bus
}

// Bus fans events out to any number of subscribers.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string]map[*Subscription]struct{}
	depth int
}

// defaultDepth is the per-subscriber buffer before events are dropped.
const defaultDepth = 64

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string]map[*Subscription]struct{}),
		depth: defaultDepth,
	}
}

// Subscribe registers a subscriber on a channel.
func (b *Bus) Subscribe(channel string) *Subscription {
	ch := make(chan Event, b.depth)
	sub := &Subscription{C: ch, ch: ch, channel: channel, bus: b}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.channel]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.ch)
		}
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()
}

// Publish delivers an event to every subscriber of its channel.
// Never blocks: full subscriber buffers drop the event.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.Channel] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
