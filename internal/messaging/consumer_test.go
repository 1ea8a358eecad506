package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
)

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:        2,
		QueueSize:      16,
		HandlerTimeout: 5 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal(msg)
	}
}

func TestConsumerDeliversDecodedEvents(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	var got *margin.AlertEvent
	done := make(chan struct{})
	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	err = consumer.Start(context.Background(), func(_ context.Context, ev *margin.AlertEvent) error {
		got = ev
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer consumer.Stop(context.Background())

	publisher := NewAlertPublisher(bus, testTopic, zap.NewNop())
	sent := sampleEvent()
	_, err = publisher.Publish(context.Background(), sent)
	require.NoError(t, err)

	waitFor(t, done, "handler never received the event")
	assert.Equal(t, sent.EventID, got.EventID)
	assert.Equal(t, sent.EventType, got.EventType)
	assert.True(t, sent.HealthScore.Equal(got.HealthScore))
}

func TestConsumerRejectsPoisonAndKeepsGoing(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	var handled int32
	done := make(chan struct{})
	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	err = consumer.Start(context.Background(), func(_ context.Context, ev *margin.AlertEvent) error {
		atomic.AddInt32(&handled, 1)
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer consumer.Stop(context.Background())

	// A payload that can never decode is rejected permanently, and the loop
	// keeps processing what follows.
	_, err = bus.Publish(context.Background(), testTopic, Message{Payload: []byte("not json at all")})
	require.NoError(t, err)
	_, err = NewAlertPublisher(bus, testTopic, zap.NewNop()).Publish(context.Background(), sampleEvent())
	require.NoError(t, err)

	waitFor(t, done, "valid event after poison message was never handled")
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
	assert.Equal(t, 1, bus.Rejected())
}

func TestConsumerHandlerFailureTriggersRedelivery(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	var attempts int32
	done := make(chan struct{})
	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	err = consumer.Start(context.Background(), func(_ context.Context, ev *margin.AlertEvent) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("notification channel down")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer consumer.Stop(context.Background())

	_, err = NewAlertPublisher(bus, testTopic, zap.NewNop()).Publish(context.Background(), sampleEvent())
	require.NoError(t, err)

	waitFor(t, done, "message was not redelivered after handler failure")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestConsumerHandlerPanicIsRecoveredAndRedelivered(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	var attempts int32
	done := make(chan struct{})
	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	err = consumer.Start(context.Background(), func(_ context.Context, ev *margin.AlertEvent) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			panic("notification channel exploded")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer consumer.Stop(context.Background())

	_, err = NewAlertPublisher(bus, testTopic, zap.NewNop()).Publish(context.Background(), sampleEvent())
	require.NoError(t, err)

	// The panic must stay inside the worker: the process survives and the
	// message is nacked and redelivered like any handler failure.
	waitFor(t, done, "message was not redelivered after handler panic")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestConsumerStartIsValidOnce(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	handler := func(context.Context, *margin.AlertEvent) error { return nil }

	require.NoError(t, consumer.Start(context.Background(), handler))
	require.ErrorIs(t, consumer.Start(context.Background(), handler), ErrAlreadyStarted)

	require.NoError(t, consumer.Stop(context.Background()))
	require.ErrorIs(t, consumer.Start(context.Background(), handler), ErrAlreadyStarted)
	require.ErrorIs(t, consumer.Stop(context.Background()), ErrConsumerClosed)
}

func TestConsumerStopWaitsForInflightHandlers(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	started := make(chan struct{})
	var finished int32
	var once sync.Once
	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	err = consumer.Start(context.Background(), func(_ context.Context, ev *margin.AlertEvent) error {
		once.Do(func() { close(started) })
		time.Sleep(200 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	})
	require.NoError(t, err)

	_, err = NewAlertPublisher(bus, testTopic, zap.NewNop()).Publish(context.Background(), sampleEvent())
	require.NoError(t, err)

	waitFor(t, started, "handler never started")
	require.NoError(t, consumer.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished), "in-flight handler should finish within the grace period")
}

func TestConsumerStopBeforeStart(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(testTopic, "test")
	require.NoError(t, err)

	consumer := NewStreamingConsumer(sub, testConsumerConfig(), nil, zap.NewNop())
	require.NoError(t, consumer.Stop(context.Background()))
	require.ErrorIs(t, consumer.Start(context.Background(), func(context.Context, *margin.AlertEvent) error { return nil }), ErrAlreadyStarted)

	// The owned subscription is released even though the consumer never ran.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sub.Receive(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}
