// Package broker is the in-process publish/subscribe bus that connects the
// front ends of all sessions, plus an optional redis bridge that extends the
// bus across listener processes.
package broker

import (
	"sync"

	"github.com/pithecene-io/mrci/types"
)

// Event is one control message on the bus. Kind is the async control id.
type Event struct {
	Kind    types.AsyncID   `msgpack:"kind"`
	Source  types.SessionID `msgpack:"source"`
	Payload []byte          `msgpack:"payload"`
}

// Subscriber receives bus events. Deliver is called synchronously from the
// publisher's goroutine and must not block.
type Subscriber interface {
	Deliver(ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev Event)

// Deliver calls f.
func (f SubscriberFunc) Deliver(ev Event) { f(ev) }

// Bus fans events out to every subscriber except the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[types.SessionID]Subscriber
	mirror func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[types.SessionID]Subscriber)}
}

// Subscribe registers s under id, replacing any previous subscriber.
func (b *Bus) Subscribe(id types.SessionID, s Subscriber) {
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
}

// Unsubscribe removes id.
func (b *Bus) Unsubscribe(id types.SessionID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every local subscriber except ev.Source and hands
// it to the mirror, if one is set.
func (b *Bus) Publish(ev Event) {
	b.Deliver(ev)
	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		mirror(ev)
	}
}

// Deliver fans ev out locally without mirroring it. Bridges use it for
// events that arrived from another node.
func (b *Bus) Deliver(ev Event) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		if id != ev.Source {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.Deliver(ev)
	}
}

// setMirror installs the cross-node hook.
func (b *Bus) setMirror(fn func(Event)) {
	b.mu.Lock()
	b.mirror = fn
	b.mu.Unlock()
}
