package escrow

import (
	"errors"
	"fmt"

	"escrowengine/internal/model"
)

// ErrStaleState is returned when a compare-and-swap on milestone status finds
// the stored status no longer matches what the caller read. The caller must
// re-read and retry.
var ErrStaleState = errors.New("milestone state changed concurrently")

// InvalidTransitionError reports an event that is illegal from the milestone's
// current state. Surfaced verbatim to the caller, never swallowed.
type InvalidTransitionError struct {
	Event Event
	From  model.MilestoneStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q is not allowed from status %q", e.Event, e.From)
}

// ValidationError reports input rejected before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// DuplicateOperationError reports a funding or release record that already
// exists for the milestone. When the existing record matches the request the
// operation is idempotent and callers treat it as success; a mismatch is an
// integrity fault with financial impact and must be escalated.
type DuplicateOperationError struct {
	Operation   string
	MilestoneID int64
	Mismatch    bool
}

func (e *DuplicateOperationError) Error() string {
	if e.Mismatch {
		return fmt.Sprintf("%s record already exists for milestone %d with different content", e.Operation, e.MilestoneID)
	}
	return fmt.Sprintf("%s already performed for milestone %d", e.Operation, e.MilestoneID)
}

// ProcessorUnavailableError reports a payment processor call that failed or
// timed out after the retry budget was exhausted. The transition did not
// commit; retrying with the same milestone id is safe.
type ProcessorUnavailableError struct {
	Operation string
	Err       error
}

func (e *ProcessorUnavailableError) Error() string {
	return fmt.Sprintf("payment processor unavailable during %s: %v", e.Operation, e.Err)
}

func (e *ProcessorUnavailableError) Unwrap() error {
	return e.Err
}
