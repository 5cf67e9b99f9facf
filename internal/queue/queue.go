package queue

import "context"

// Queue names. The lifecycle queue is consumed by the enrollment controller;
// the events queue carries enrollment audit events for the rest of the CRM.
const (
	ContactLifecycleQueue  = "contact.lifecycle"
	EnrollmentEventsQueue  = "enrollment.events"
	contactLifecycleDLQ    = "dlq.contact.lifecycle"
	lifecycleDLXRoutingKey = "contact.lifecycle"
)

// Publisher publishes enrollment events to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, event EnrollmentEvent) error
	Close() error
}

// ContactEventHandler handles a consumed contact lifecycle event.
type ContactEventHandler func(ctx context.Context, event ContactEvent) error

// Consumer consumes contact lifecycle events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler ContactEventHandler) error
	Close() error
}
