package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
)

// Routing attribute keys mirrored beside the payload.
const (
	AttrSubjectID = "subject_id"
	AttrSeverity  = "severity"
	AttrStatus    = "status"
)

// PublishResult is the per-event outcome of a batch publish. Batches are not
// atomic; each event succeeds or fails on its own.
type PublishResult struct {
	MessageID string
	Err       error
}

// AlertPublisher serializes alert events onto the bus. It is a thin boundary:
// broker failures propagate to the caller and are never retried here, so
// retry/buffer/drop policy stays with the orchestrating layer.
type AlertPublisher struct {
	bus    Bus
	topic  string
	logger *zap.Logger
}

// NewAlertPublisher creates a publisher writing to topic.
func NewAlertPublisher(bus Bus, topic string, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{
		bus:    bus,
		topic:  topic,
		logger: logger,
	}
}

// Publish encodes one event and hands it to the bus, keyed by subject so all
// of a subject's alerts land on one partition. Returns the broker message id.
func (p *AlertPublisher) Publish(ctx context.Context, ev *margin.AlertEvent) (string, error) {
	payload, err := EncodeAlertEvent(ev)
	if err != nil {
		return "", err
	}

	msg := Message{
		Key:     ev.SubjectID,
		Payload: payload,
		Attributes: map[string]string{
			AttrSubjectID: ev.SubjectID,
			AttrSeverity:  string(ev.Severity),
			AttrStatus:    string(ev.CurrentStatus),
		},
	}

	id, err := p.bus.Publish(ctx, p.topic, msg)
	if err != nil {
		return "", err
	}

	p.logger.Info("published alert event",
		zap.String("message_id", id),
		zap.String("event_type", string(ev.EventType)),
		zap.String("subject_id", ev.SubjectID),
		zap.String("severity", string(ev.Severity)))

	return id, nil
}

// PublishBatch publishes each event independently and reports per-item
// results. A failure on one event does not stop the rest.
func (p *AlertPublisher) PublishBatch(ctx context.Context, events []*margin.AlertEvent) []PublishResult {
	results := make([]PublishResult, len(events))
	for i, ev := range events {
		id, err := p.Publish(ctx, ev)
		results[i] = PublishResult{MessageID: id, Err: err}
	}
	return results
}
