package margin

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventDetector turns status transitions into alert events. Alerts are
// transition-triggered, not level-triggered: MARGIN_CALL and LIQUIDATION
// re-alert on every evaluation, WARNING alerts only on entry from HEALTHY,
// and HEALTHY never alerts. A subject with no recorded history is treated as
// previously HEALTHY, so a first observation landing in WARNING still alerts.
type EventDetector struct {
	now func() time.Time
}

// NewEventDetector creates a detector.
func NewEventDetector() *EventDetector {
	return &EventDetector{now: time.Now}
}

// Detect returns the alert event for this evaluation, or nil when the
// transition is not alert-worthy. previous is nil on first observation.
func (d *EventDetector) Detect(subjectID string, current *HealthResult, previous *Status) *AlertEvent {
	var eventType EventType
	var severity Severity

	switch current.Status {
	case StatusLiquidation:
		eventType, severity = EventLiquidationImminent, SeverityCritical
	case StatusMarginCall:
		eventType, severity = EventMarginCall, SeverityHigh
	case StatusWarning:
		if previous != nil && *previous != StatusHealthy {
			return nil
		}
		eventType, severity = EventMarginWarning, SeverityMedium
	default:
		return nil
	}

	return &AlertEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		SubjectID:      subjectID,
		Severity:       severity,
		CurrentStatus:  current.Status,
		PreviousStatus: previous,
		HealthScore:    current.HealthScore,
		Message:        alertMessage(eventType, subjectID, current),
		Detail:         *current,
		CreatedAt:      d.now().UTC(),
	}
}

func alertMessage(t EventType, subjectID string, r *HealthResult) string {
	score := r.HealthScore.StringFixed(2)
	switch t {
	case EventMarginWarning:
		return fmt.Sprintf("margin health for %s dropped to %s%% (warning band 30%%-50%%)", subjectID, score)
	case EventMarginCall:
		return fmt.Sprintf("margin call for %s: health at %s%% (margin call band 15%%-30%%), top up collateral or reduce borrow", subjectID, score)
	case EventLiquidationImminent:
		return fmt.Sprintf("liquidation imminent for %s: health at %s%%, below the 15%% liquidation threshold", subjectID, score)
	default:
		return fmt.Sprintf("margin status %s for %s at %s%%", r.Status, subjectID, score)
	}
}
