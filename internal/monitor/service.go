// Package monitor orchestrates the evaluation pipeline: health calculation,
// transition detection against durable per-subject state, and alert
// publication.
package monitor

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/marginwatch/marginwatch/internal/margin"
)

// ErrPublisherNotConfigured is returned when a transition demands an alert
// but the service was built without a publisher. Absence of the optional
// component is a typed error at the call site, never a silent no-op.
var ErrPublisherNotConfigured = errors.New("alert publisher not configured")

// EventPublisher is the publishing capability the service depends on.
// Satisfied by *messaging.AlertPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, ev *margin.AlertEvent) (string, error)
}

const lockStripes = 64

// Service runs one evaluation cycle per call. Per-subject work is serialized
// with striped locks: duplicate or overlapping deliveries for one subject
// must not interleave between reading the previous status and recording the
// new one.
type Service struct {
	calc      *margin.HealthCalculator
	detector  *margin.EventDetector
	statuses  margin.StatusStore
	publisher EventPublisher
	metrics   *Metrics
	logger    *zap.Logger
	locks     [lockStripes]sync.Mutex
}

// NewService wires the pipeline. publisher may be nil for evaluate-only
// deployments; detecting an alert without one is then an error.
func NewService(calc *margin.HealthCalculator, detector *margin.EventDetector, statuses margin.StatusStore, publisher EventPublisher, metrics *Metrics, logger *zap.Logger) *Service {
	return &Service{
		calc:      calc,
		detector:  detector,
		statuses:  statuses,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// CheckOutcome is the result of one subject check.
type CheckOutcome struct {
	// TriviallyHealthy is set when the subject has no borrow exposure; no
	// score exists in that case and Result is nil.
	TriviallyHealthy bool
	Result           *margin.HealthResult
	// Event is the published alert, nil when the transition was not
	// alert-worthy.
	Event *margin.AlertEvent
	// MessageID identifies the published broker message, empty when no
	// event was emitted.
	MessageID string
}

// CheckSubject evaluates one subject. A subject with no borrow positions is
// reported trivially healthy without pricing or scoring; the health score is
// undefined for zero borrow and is never computed as a stand-in.
func (s *Service) CheckSubject(ctx context.Context, subjectID string, collateral, borrow margin.PositionSet) (*CheckOutcome, error) {
	if borrow.Empty() {
		return &CheckOutcome{TriviallyHealthy: true}, nil
	}
	return s.EvaluateSubject(ctx, subjectID, collateral, borrow)
}

// EvaluateSubject computes the subject's health, detects an alert-worthy
// transition against the stored previous status, records the new status, and
// publishes any detected event. Publish failures surface to the caller
// untouched; retry policy lives with the orchestrating layer.
func (s *Service) EvaluateSubject(ctx context.Context, subjectID string, collateral, borrow margin.PositionSet) (*CheckOutcome, error) {
	result, err := s.calc.Evaluate(ctx, subjectID, collateral, borrow)
	if err != nil {
		return nil, err
	}
	s.metrics.evaluation()

	lock := &s.locks[stripe(subjectID)]
	lock.Lock()
	defer lock.Unlock()

	previous, err := s.statuses.GetPreviousStatus(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	event := s.detector.Detect(subjectID, result, previous)

	if err := s.statuses.SetStatus(ctx, subjectID, result.Status); err != nil {
		return nil, err
	}

	outcome := &CheckOutcome{Result: result}
	if event == nil {
		return outcome, nil
	}
	s.metrics.detected(string(event.EventType))

	if s.publisher == nil {
		return outcome, ErrPublisherNotConfigured
	}

	msgID, err := s.publisher.Publish(ctx, event)
	if err != nil {
		s.metrics.publishFailure()
		return outcome, err
	}
	s.metrics.published()

	outcome.Event = event
	outcome.MessageID = msgID

	s.logger.Info("margin alert published",
		zap.String("subject_id", subjectID),
		zap.String("event_type", string(event.EventType)),
		zap.String("message_id", msgID))

	return outcome, nil
}

func stripe(subjectID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return h.Sum32() % lockStripes
}
