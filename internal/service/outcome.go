package service

import (
	"errors"

	"escrowengine/internal/escrow"
)

// outcomeFor maps an error to the metric outcome label for a transition.
func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}

	var invalid *escrow.InvalidTransitionError
	if errors.As(err, &invalid) {
		return "invalid_transition"
	}
	var validation *escrow.ValidationError
	if errors.As(err, &validation) {
		return "validation_error"
	}
	var duplicate *escrow.DuplicateOperationError
	if errors.As(err, &duplicate) {
		return "duplicate"
	}
	var unavailable *escrow.ProcessorUnavailableError
	if errors.As(err, &unavailable) {
		return "processor_unavailable"
	}
	if errors.Is(err, escrow.ErrStaleState) {
		return "stale_state"
	}
	return "error"
}
