// Package messaging provides the alert event pipeline: a broker abstraction
// with Kafka and in-memory implementations, the alert publisher, the canonical
// event codec, and the streaming consumer.
package messaging

import (
	"context"
	"errors"
)

// Errors surfaced by the pipeline. ErrPublishUnavailable wraps broker
// transport failures; retry policy belongs to the caller.
var (
	ErrPublishUnavailable = errors.New("message broker unavailable")
	ErrAlreadyStarted     = errors.New("consumer already started")
	ErrConsumerClosed     = errors.New("consumer is stopped")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Message is an outbound payload with filterable routing attributes. The
// attributes travel beside the payload so downstream infrastructure can route
// without deserializing it.
type Message struct {
	Key        string
	Payload    []byte
	Attributes map[string]string
}

// Delivery is one received message with its acknowledgment capabilities.
// The broker owns cursors and redelivery; the consumer must not assume
// ordering or exactly-once delivery.
type Delivery interface {
	// ID is an opaque identifier for logs and dedupe.
	ID() string
	Payload() []byte
	Attributes() map[string]string
	// Ack marks the delivery processed; the broker will not redeliver it.
	Ack(ctx context.Context) error
	// Nack leaves the delivery unacknowledged for redelivery.
	Nack(ctx context.Context) error
	// Reject permanently discards the delivery without redelivery. Used for
	// poison messages that can never be decoded.
	Reject(ctx context.Context) error
}

// Subscription is a long-lived stream of deliveries from one topic.
type Subscription interface {
	// Receive blocks until a delivery arrives, ctx is done, or the
	// subscription is closed (ErrSubscriptionClosed).
	Receive(ctx context.Context) (Delivery, error)
	// Close releases the subscription resource. Safe to call more than once.
	Close() error
}

// Bus is the durable pub/sub substrate: named topics, at-least-once delivery,
// string attributes, per-message ack/nack.
type Bus interface {
	// Publish writes one message to the topic and returns its message id.
	Publish(ctx context.Context, topic string, msg Message) (string, error)
	// Subscribe opens a group subscription on the topic.
	Subscribe(topic, group string) (Subscription, error)
	Close() error
}
