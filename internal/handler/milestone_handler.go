package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowengine/internal/model"
	"escrowengine/internal/service"
	"escrowengine/pkg/logger"
)

type MilestoneHandler struct {
	milestones *service.MilestoneService
	funding    *service.FundingService
	releases   *service.ReleaseService
	logger     *zap.Logger
}

func NewMilestoneHandler(
	milestones *service.MilestoneService,
	funding *service.FundingService,
	releases *service.ReleaseService,
	logger *zap.Logger,
) *MilestoneHandler {
	return &MilestoneHandler{
		milestones: milestones,
		funding:    funding,
		releases:   releases,
		logger:     logger,
	}
}

// ActorKey is the gin context key the auth middleware stores the actor under.
const ActorKey = "actor"

func actorFrom(c *gin.Context) (model.Actor, bool) {
	v, exists := c.Get(ActorKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid actor"})
		return model.Actor{}, false
	}
	return actor, true
}

func milestoneID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone id"})
		return 0, false
	}
	return id, true
}

func (h *MilestoneHandler) GetMilestone(c *gin.Context) {
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	m, err := h.milestones.GetMilestone(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

type fundRequest struct {
	PaymentMethodRef string `json:"payment_method_ref"`
}

func (h *MilestoneHandler) Fund(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Fund request received",
		zap.Int64("milestone_id", id),
		zap.Int64("actor_id", actor.ID),
	)

	rec, err := h.funding.Fund(c.Request.Context(), actor, id, req.PaymentMethodRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"funding_record": rec})
}

type submitRequest struct {
	Notes string `json:"notes"`
}

func (h *MilestoneHandler) Submit(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.milestones.Submit(c.Request.Context(), actor, id, req.Notes); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (h *MilestoneHandler) Approve(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	if err := h.milestones.Approve(c.Request.Context(), actor, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *MilestoneHandler) Reject(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.milestones.Reject(c.Request.Context(), actor, id, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "in_progress"})
}

func (h *MilestoneHandler) Release(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := milestoneID(c)
	if !ok {
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Release request received",
		zap.Int64("milestone_id", id),
		zap.Int64("actor_id", actor.ID),
	)

	rec, err := h.releases.Release(c.Request.Context(), actor, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"release_record": rec})
}
