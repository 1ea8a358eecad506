// Package notify defines the notification dispatch boundary the consumer
// hands decoded alert events to. Channel-specific delivery (email, SMS,
// webhooks) lives behind the Dispatcher interface and is out of scope here.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
	"github.com/marginwatch/marginwatch/internal/messaging"
)

// DispatchResult summarizes one dispatch attempt.
type DispatchResult struct {
	EventID      string
	Deduplicated bool
	DispatchedAt time.Time
}

// Dispatcher fans an alert event out to notification channels. Because the
// broker delivers at least once, implementations must tolerate dispatching
// the same event more than once; DedupeDispatcher provides that guarantee
// generically.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *margin.AlertEvent) (*DispatchResult, error)
}

// Handler adapts a Dispatcher into the consumer's handler signature.
func Handler(d Dispatcher) messaging.Handler {
	return func(ctx context.Context, ev *margin.AlertEvent) error {
		_, err := d.Dispatch(ctx, ev)
		return err
	}
}

// LoggingDispatcher writes alerts to the structured log. Useful as the
// terminal dispatcher in development and as the fallthrough in tests.
type LoggingDispatcher struct {
	logger *zap.Logger
}

// NewLoggingDispatcher creates a dispatcher logging at warn level.
func NewLoggingDispatcher(logger *zap.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{logger: logger}
}

func (d *LoggingDispatcher) Dispatch(_ context.Context, ev *margin.AlertEvent) (*DispatchResult, error) {
	d.logger.Warn("margin alert",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("subject_id", ev.SubjectID),
		zap.String("severity", string(ev.Severity)),
		zap.String("health_score", ev.HealthScore.StringFixed(2)),
		zap.String("message", ev.Message))
	return &DispatchResult{EventID: ev.EventID, DispatchedAt: time.Now().UTC()}, nil
}
