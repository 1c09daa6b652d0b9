// Package notify is an in-process, non-blocking feed of entity boot state changes.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the kind of state change.
type Kind int

const (
	// Booted is sent when an entity's table becomes available.
	Booted Kind = iota
	// FellBack is sent when an entity is served from the transient store
	// because its cache file could not be used.
	FellBack
	// Reset is sent when every binding is dropped.
	Reset
)

func (k Kind) String() string {
	switch k {
	case Booted:
		return "booted"
	case FellBack:
		return "fell_back"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Notification describes one state change. Entity is empty for Reset.
type Notification struct {
	Kind      Kind
	Entity    string
	Action    string
	Timestamp time.Time
}

// Subscriber receives notifications on Ch.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

// Notifier fans notifications out to subscribers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int

	// closing guards channel close against concurrent sends
	closing sync.RWMutex
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize entries.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish delivers n to every matching subscriber. A full subscriber
// channel drops the notification.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}
	n.closing.RLock()
	defer n.closing.RUnlock()
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if matches(sub, notif) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber. filters are entity name prefixes; none
// means every entity. Reset notifications reach every subscriber.
func (n *Notifier) Subscribe(filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.closing.Lock()
	defer n.closing.Unlock()
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func matches(sub *Subscriber, notif Notification) bool {
	if len(sub.Filters) == 0 || notif.Kind == Reset {
		return true
	}
	for _, f := range sub.Filters {
		if f == "" || strings.HasPrefix(notif.Entity, f) {
			return true
		}
	}
	return false
}
