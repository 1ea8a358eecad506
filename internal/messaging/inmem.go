package messaging

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus used by tests and local development. It
// simulates at-least-once semantics: a nacked delivery is requeued and
// redelivered, a rejected one is dropped permanently.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string][]*memorySubscription // keyed by topic
	closed   bool
	rejected int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, msg Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrPublishUnavailable
	}

	id := uuid.NewString()
	for _, sub := range b.subs[topic] {
		sub.deliver(&memoryDelivery{
			id:      id,
			payload: append([]byte(nil), msg.Payload...),
			attrs:   msg.Attributes,
			sub:     sub,
		})
	}
	return id, nil
}

func (b *MemoryBus) Subscribe(topic, _ string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{
		bus:    b,
		ch:     make(chan *memoryDelivery, 1024),
		closed: make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Rejected returns how many deliveries were permanently discarded. Used by
// tests to assert poison handling.
func (b *MemoryBus) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

type memorySubscription struct {
	bus       *MemoryBus
	ch        chan *memoryDelivery
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) deliver(d *memoryDelivery) {
	select {
	case <-s.closed:
	case s.ch <- d:
	}
}

func (s *memorySubscription) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-s.closed:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-s.ch:
		return d, nil
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type memoryDelivery struct {
	id      string
	payload []byte
	attrs   map[string]string
	sub     *memorySubscription
}

func (d *memoryDelivery) ID() string { return d.id }

func (d *memoryDelivery) Payload() []byte { return d.payload }

func (d *memoryDelivery) Attributes() map[string]string { return d.attrs }

func (d *memoryDelivery) Ack(_ context.Context) error { return nil }

// Nack requeues the delivery, simulating broker redelivery.
func (d *memoryDelivery) Nack(_ context.Context) error {
	d.sub.deliver(d)
	return nil
}

// Reject drops the delivery permanently.
func (d *memoryDelivery) Reject(_ context.Context) error {
	d.sub.bus.mu.Lock()
	d.sub.bus.rejected++
	d.sub.bus.mu.Unlock()
	return nil
}
