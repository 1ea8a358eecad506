package margin

import (
	"errors"
	"fmt"
)

// ErrNoBorrowPosition is returned when a subject's borrow total is zero. The
// health score is undefined in that case; callers must treat no-borrow
// subjects as trivially healthy through an explicit check instead of a score.
var ErrNoBorrowPosition = errors.New("subject has no borrow position, health score undefined")

// InvalidPositionError reports a malformed entry in a position set.
type InvalidPositionError struct {
	Symbol string
	Reason string
}

func (e *InvalidPositionError) Error() string {
	return fmt.Sprintf("invalid position %q: %s", e.Symbol, e.Reason)
}
