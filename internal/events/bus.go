// Package events provides the in-process record lifecycle bus. The
// persistence layer publishes an event before each write; subscribers such as
// the API write-through react to it.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkilian/rowcache/pkg/types"
)

// Type represents the type of lifecycle event.
type Type int

const (
	Creating Type = iota
	Updating
	Saving
	Deleting
)

func (t Type) String() string {
	switch t {
	case Creating:
		return "creating"
	case Updating:
		return "updating"
	case Saving:
		return "saving"
	case Deleting:
		return "deleting"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event describes a pending record write.
type Event struct {
	Type   Type
	Entity *types.Entity
	Key    interface{}
	Record types.Row
}

// Handler reacts to an event. A non-nil error aborts the write.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches events synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Type][]subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]subscription)}
}

// Subscribe registers a handler for one event type and returns a function
// that removes it.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish runs every handler for ev.Type and stops at the first error.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[ev.Type]))
	for i, s := range b.subs[ev.Type] {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("events: %s handler failed: %w", ev.Type, err)
		}
	}
	return nil
}
