package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowengine/pkg/outbox"
)

// AdminHandler exposes the operator surface: replaying notification events
// that exhausted their delivery retries.
type AdminHandler struct {
	replay *outbox.ReplayService
	logger *zap.Logger
}

func NewAdminHandler(replay *outbox.ReplayService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		replay: replay,
		logger: logger,
	}
}

func (h *AdminHandler) ReplayEvent(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	if err := h.replay.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay outbox event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed"})
}

func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	count, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed outbox events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": count})
}
