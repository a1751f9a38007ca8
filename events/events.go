package events

import (
	"fmt"
	"sync"

	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/request"
)

// Kind identifies a connection lifecycle event.
type Kind int

const (
	// Opened fires after a connection was opened and cached, before the
	// handler resumes.
	Opened Kind = iota + 1
	// WillClose fires before a connection is aborted and closed, while its
	// counters are still readable.
	WillClose
	// Closed fires after abort and close completed.
	Closed
)

func (k Kind) String() string {
	switch k {
	case Opened:
		return "opened"
	case WillClose:
		return "will-close"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event describes one lifecycle transition of a connection.
type Event struct {
	Kind       Kind
	Name       string
	Connection *database.Connection
	Scope      *request.Scope
}

// Subscriber receives lifecycle events.
//
// Subscribers run synchronously on the goroutine that handles the request
// and should return quickly.
type Subscriber interface {
	HandleEvent(ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev Event) error

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ev Event) error { return f(ev) }

// SubscriberError wraps the failure of a subscriber.
type SubscriberError struct {
	Kind  Kind
	Index int
	Err   error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("%s event subscriber %d: %v", e.Kind, e.Index, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// Notifier delivers events to subscribers in registration order.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewNotifier creates a notifier with the given subscribers.
func NewNotifier(subs ...Subscriber) *Notifier {
	n := &Notifier{}
	for _, sub := range subs {
		n.Subscribe(sub)
	}
	return n
}

// Subscribe appends sub to the delivery list.
func (n *Notifier) Subscribe(sub Subscriber) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	n.subscribers = append(n.subscribers, sub)
	n.mu.Unlock()
}

// Len reports the number of subscribers.
func (n *Notifier) Len() int {
	if n == nil {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Emit delivers ev to every subscriber in order. Delivery stops at the
// first failing subscriber and its error is returned.
func (n *Notifier) Emit(ev Event) error {
	if n == nil {
		return nil
	}
	n.mu.RLock()
	subs := make([]Subscriber, len(n.subscribers))
	copy(subs, n.subscribers)
	n.mu.RUnlock()
	for i, sub := range subs {
		if err := sub.HandleEvent(ev); err != nil {
			return &SubscriberError{Kind: ev.Kind, Index: i, Err: err}
		}
	}
	return nil
}
