package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
)

// Handler processes one decoded alert event. Handlers run on worker
// goroutines, not on the receive loop, and must be idempotent: the broker
// guarantees at-least-once delivery, and a handler error triggers redelivery.
type Handler func(ctx context.Context, ev *margin.AlertEvent) error

// ConsumerConfig tunes the streaming consumer.
type ConsumerConfig struct {
	// Workers is the number of handler goroutines.
	Workers int `json:"workers" mapstructure:"workers"`
	// QueueSize bounds the receive-to-worker handoff queue.
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `json:"handler_timeout" mapstructure:"handler_timeout"`
	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration `json:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// DefaultConsumerConfig returns sane defaults for alert traffic.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:        4,
		QueueSize:      64,
		HandlerTimeout: 30 * time.Second,
		ShutdownGrace:  15 * time.Second,
	}
}

const (
	stateCreated int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// ackTimeout bounds ack/nack round-trips issued after a handler finishes,
// including during shutdown when the receive context is already cancelled.
const ackTimeout = 5 * time.Second

type consumerJob struct {
	delivery Delivery
	event    *margin.AlertEvent
}

// StreamingConsumer pumps deliveries from a subscription into handler
// workers. The receive loop runs on its own goroutine and never executes
// application logic inline, so slow handlers cannot stall broker flow
// control. Lifecycle: CREATED -> RUNNING -> STOPPING -> STOPPED; Start is
// valid exactly once per instance.
type StreamingConsumer struct {
	sub     Subscription
	config  ConsumerConfig
	logger  *zap.Logger
	metrics *ConsumerMetrics

	state      atomic.Int32
	jobs       chan consumerJob
	inflight   sync.WaitGroup
	workers    sync.WaitGroup
	cancelRecv context.CancelFunc
}

// NewStreamingConsumer wraps an open subscription. The consumer owns the
// subscription from here on and releases it on every exit path.
func NewStreamingConsumer(sub Subscription, config ConsumerConfig, metrics *ConsumerMetrics, logger *zap.Logger) *StreamingConsumer {
	if config.Workers <= 0 {
		config.Workers = DefaultConsumerConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConsumerConfig().QueueSize
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultConsumerConfig().HandlerTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultConsumerConfig().ShutdownGrace
	}
	return &StreamingConsumer{
		sub:     sub,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Start launches the receive loop and handler workers. A second call, or a
// call after Stop, returns ErrAlreadyStarted.
func (c *StreamingConsumer) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("nil handler")
	}
	if !c.state.CompareAndSwap(stateCreated, stateRunning) {
		return ErrAlreadyStarted
	}

	recvCtx, cancel := context.WithCancel(ctx)
	c.cancelRecv = cancel
	c.jobs = make(chan consumerJob, c.config.QueueSize)

	for i := 0; i < c.config.Workers; i++ {
		c.workers.Add(1)
		go c.worker(handler)
	}

	go c.receiveLoop(recvCtx)

	c.logger.Info("streaming consumer started",
		zap.Int("workers", c.config.Workers),
		zap.Int("queue_size", c.config.QueueSize))
	return nil
}

// receiveLoop fetches deliveries and hands them to workers. It owns the
// subscription: the handle is released on every exit path.
func (c *StreamingConsumer) receiveLoop(ctx context.Context) {
	defer func() {
		if err := c.sub.Close(); err != nil {
			c.logger.Warn("subscription close failed", zap.Error(err))
		}
		close(c.jobs)
	}()

	for {
		delivery, err := c.sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrSubscriptionClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Error("receive failed", zap.Error(err))
			continue
		}

		c.metrics.received()

		ev, err := DecodeAlertEvent(delivery.Payload())
		if err != nil {
			// Poison message: permanently reject so the broker never
			// redelivers it, and keep the loop alive.
			c.metrics.poison()
			c.logger.Error("rejecting undecodable message",
				zap.String("message_id", delivery.ID()),
				zap.Error(err))
			c.rejectPoison(delivery)
			continue
		}

		c.inflight.Add(1)
		select {
		case c.jobs <- consumerJob{delivery: delivery, event: ev}:
		case <-ctx.Done():
			// Shutting down before handoff; leave the message unacked for
			// redelivery.
			c.inflight.Done()
			c.nack(delivery)
			return
		}
	}
}

func (c *StreamingConsumer) worker(handler Handler) {
	defer c.workers.Done()
	for job := range c.jobs {
		c.process(job, handler)
	}
}

// process runs the handler and acknowledges only after it succeeds. Handler
// failure leaves the delivery negatively acknowledged so the broker
// redelivers it.
func (c *StreamingConsumer) process(job consumerJob, handler Handler) {
	defer c.inflight.Done()

	handlerCtx, cancel := context.WithTimeout(context.Background(), c.config.HandlerTimeout)
	err := c.invoke(handlerCtx, handler, job.event)
	cancel()

	if err != nil {
		c.metrics.handlerFailure()
		c.logger.Error("handler failed, message will be redelivered",
			zap.String("message_id", job.delivery.ID()),
			zap.String("event_type", string(job.event.EventType)),
			zap.String("subject_id", job.event.SubjectID),
			zap.Error(err))
		c.nack(job.delivery)
		return
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := job.delivery.Ack(ackCtx); err != nil {
		c.logger.Warn("ack failed, message may be redelivered",
			zap.String("message_id", job.delivery.ID()),
			zap.Error(err))
		return
	}
	c.metrics.handled()
}

// invoke runs the handler, converting a panic into an error so one bad
// handler cannot take down the receive pipeline; the delivery is nacked and
// redelivered like any other handler failure.
func (c *StreamingConsumer) invoke(ctx context.Context, handler Handler, ev *margin.AlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

// Stop ceases receiving, waits for in-flight handlers up to the shutdown
// grace period, then releases the subscription. Messages still in flight
// after the grace period are left unacked for the broker to redeliver.
func (c *StreamingConsumer) Stop(ctx context.Context) error {
	if c.state.CompareAndSwap(stateCreated, stateStopped) {
		// Never started, but the subscription handle is owned here and must
		// still be released.
		return c.sub.Close()
	}
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		return ErrConsumerClosed
	}

	c.cancelRecv()

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		c.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.logger.Info("streaming consumer drained")
	case <-time.After(c.config.ShutdownGrace):
		c.logger.Warn("shutdown grace elapsed, leaving in-flight messages unacked",
			zap.Duration("grace", c.config.ShutdownGrace))
	case <-ctx.Done():
		c.logger.Warn("stop context cancelled before drain completed")
	}

	// Receive loop closes the subscription on exit; this covers the case
	// where it never observed the cancellation.
	err := c.sub.Close()
	c.state.Store(stateStopped)
	return err
}

func (c *StreamingConsumer) rejectPoison(delivery Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := delivery.Reject(ctx); err != nil {
		c.logger.Warn("poison reject failed", zap.String("message_id", delivery.ID()), zap.Error(err))
	}
}

func (c *StreamingConsumer) nack(delivery Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := delivery.Nack(ctx); err != nil {
		c.logger.Warn("nack failed", zap.String("message_id", delivery.ID()), zap.Error(err))
	}
}
