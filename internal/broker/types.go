package broker

import (
	"github.com/casualjim/mals/messages"
)

// Subscriber is anything that can be handed a message for a topic it is
// registered on. ID is the identity used for set membership: two subscribers
// with the same ID are the same subscriber.
//
// Deliver is called from the dispatcher goroutine and must not block for an
// unbounded time. A returned error is treated as a soft failure for that
// subscriber only.
type Subscriber interface {
	ID() string
	Deliver(messages.Message) error
}

// Connection is a subscriber backed by an external client. Deliveries to a
// connection that is no longer alive are skipped.
type Connection interface {
	Subscriber
	Alive() bool
}

// SubscriberFunc adapts a function to the Subscriber interface.
func SubscriberFunc(id string, fn func(messages.Message) error) Subscriber {
	return funcSubscriber{id: id, fn: fn}
}

type funcSubscriber struct {
	id string
	fn func(messages.Message) error
}

func (f funcSubscriber) ID() string { return f.id }

func (f funcSubscriber) Deliver(msg messages.Message) error { return f.fn(msg) }
