package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrowengine/internal/escrow"
	"escrowengine/internal/repository"
)

// writeError maps the engine's error taxonomy onto HTTP responses.
// Validation and transition failures are actionable and surfaced verbatim;
// integrity faults get a generic message and are alerted on server side.
func writeError(c *gin.Context, err error) {
	var validation *escrow.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Error()})
		return
	}

	var invalid *escrow.InvalidTransitionError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": invalid.Error()})
		return
	}

	if errors.Is(err, escrow.ErrStaleState) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "milestone changed concurrently, refresh and retry",
		})
		return
	}

	var unavailable *escrow.ProcessorUnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "payment processor is temporarily unavailable, please retry",
			"retryable": true,
		})
		return
	}

	var dup *escrow.DuplicateOperationError
	if errors.As(err, &dup) {
		if dup.Mismatch {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "an inconsistency was detected, please contact support",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": dup.Error()})
		return
	}

	if errors.Is(err, repository.ErrMilestoneNotFound) || errors.Is(err, repository.ErrContractNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
