package bus

import (
	"github.com/cordum/crossctx/core/protocol/events"
)

// Handler consumes one envelope. Returning a RetryableError asks durable
// transports to redeliver.
type Handler func(*events.Envelope) error

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and subscribes to JSON envelopes on dotted subjects.
type Bus interface {
	Publish(subject string, env *events.Envelope) error
	Subscribe(subject, queue string, handler Handler) (Subscription, error)
}

var (
	_ Bus = (*NatsBus)(nil)
	_ Bus = (*LocalBus)(nil)
)
