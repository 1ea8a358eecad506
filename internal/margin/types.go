// Package margin implements collateral health scoring and transition-triggered
// alert detection for borrower positions.
package margin

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the health band a subject's score falls into.
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusWarning     Status = "WARNING"
	StatusMarginCall  Status = "MARGIN_CALL"
	StatusLiquidation Status = "LIQUIDATION"
)

// Valid reports whether s is one of the defined health bands.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusWarning, StatusMarginCall, StatusLiquidation:
		return true
	}
	return false
}

// EventType identifies the kind of margin alert.
type EventType string

const (
	EventMarginWarning       EventType = "margin_warning"
	EventMarginCall          EventType = "margin_call"
	EventLiquidationImminent EventType = "liquidation_imminent"
)

// Valid reports whether t is one of the defined alert kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventMarginWarning, EventMarginCall, EventLiquidationImminent:
		return true
	}
	return false
}

// Severity ranks how urgently an alert should be treated.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PositionSet maps asset symbols to held quantities. Quantities must be
// non-negative; symbols must be non-empty. The calculator does not retain it.
type PositionSet map[string]decimal.Decimal

// Empty reports whether the set holds no positive quantity.
func (p PositionSet) Empty() bool {
	for _, qty := range p {
		if qty.IsPositive() {
			return false
		}
	}
	return true
}

// Health band thresholds, inclusive lower bounds.
var (
	thresholdHealthy    = decimal.NewFromInt(50)
	thresholdWarning    = decimal.NewFromInt(30)
	thresholdMarginCall = decimal.NewFromInt(15)
)

// StatusForScore classifies a health score into its band. The mapping is a
// step function with inclusive lower bounds: 50 is HEALTHY, 30 is WARNING,
// 15 is MARGIN_CALL, anything below 15 is LIQUIDATION.
func StatusForScore(score decimal.Decimal) Status {
	switch {
	case score.GreaterThanOrEqual(thresholdHealthy):
		return StatusHealthy
	case score.GreaterThanOrEqual(thresholdWarning):
		return StatusWarning
	case score.GreaterThanOrEqual(thresholdMarginCall):
		return StatusMarginCall
	default:
		return StatusLiquidation
	}
}

// HealthResult is the outcome of one solvency evaluation. Immutable once
// returned.
type HealthResult struct {
	SubjectID                   string          `json:"subject_id"`
	HealthScore                 decimal.Decimal `json:"health_score"`
	Status                      Status          `json:"status"`
	TotalCollateralUSD          decimal.Decimal `json:"total_collateral_usd"`
	TotalBorrowUSD              decimal.Decimal `json:"total_borrow_usd"`
	LiquidationPriceDropPercent decimal.Decimal `json:"liquidation_price_drop_percent"`
	ComputedAt                  time.Time       `json:"computed_at"`
}

// AlertEvent is a detected alert-worthy status transition. EventType and
// Severity are derived from the (previous, current) status pair and are never
// set independently. Immutable after creation.
type AlertEvent struct {
	EventID             string           `json:"event_id"`
	EventType           EventType        `json:"event_type"`
	SubjectID           string           `json:"subject_id"`
	Severity            Severity         `json:"severity"`
	CurrentStatus       Status           `json:"current_status"`
	PreviousStatus      *Status          `json:"previous_status,omitempty"`
	HealthScore         decimal.Decimal  `json:"health_score"`
	PreviousHealthScore *decimal.Decimal `json:"previous_health_score,omitempty"`
	Message             string           `json:"message"`
	Detail              HealthResult     `json:"detail"`
	CreatedAt           time.Time        `json:"created_at"`
}
