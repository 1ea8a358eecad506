package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/marginwatch/marginwatch/internal/margin"
)

// The wire format is canonical JSON: stable snake_case field names, RFC3339
// timestamps, decimals as strings (shopspring's default) so no precision is
// lost in transit.

// DecodeError reports a payload that can never become a valid AlertEvent.
// Such messages are poison: permanently rejected, never redelivered.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode alert event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode alert event: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeAlertEvent serializes an event to its wire form.
func EncodeAlertEvent(ev *margin.AlertEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode alert event: %w", err)
	}
	return data, nil
}

// DecodeAlertEvent parses and validates a wire payload. Any failure is a
// *DecodeError.
func DecodeAlertEvent(payload []byte) (*margin.AlertEvent, error) {
	var ev margin.AlertEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if !ev.EventType.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown event_type %q", ev.EventType)}
	}
	if ev.SubjectID == "" {
		return nil, &DecodeError{Reason: "missing subject_id"}
	}
	if !ev.CurrentStatus.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown current_status %q", ev.CurrentStatus)}
	}
	if ev.PreviousStatus != nil && !ev.PreviousStatus.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown previous_status %q", *ev.PreviousStatus)}
	}
	return &ev, nil
}
