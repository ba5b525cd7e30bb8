package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowengine/internal/model"
	"escrowengine/internal/repository"
	"escrowengine/internal/service"
	"escrowengine/pkg/logger"
)

type ContractHandler struct {
	milestones  *service.MilestoneService
	projections *repository.ProjectionRepository
	logger      *zap.Logger
}

func NewContractHandler(
	milestones *service.MilestoneService,
	projections *repository.ProjectionRepository,
	logger *zap.Logger,
) *ContractHandler {
	return &ContractHandler{
		milestones:  milestones,
		projections: projections,
		logger:      logger,
	}
}

func contractID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract id"})
		return 0, false
	}
	return id, true
}

type createContractRequest struct {
	ProfessionalID   int64  `json:"professional_id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	TotalAmountCents int64  `json:"total_amount_cents"`
}

func (h *ContractHandler) CreateContract(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	contract := &model.Contract{
		ClientID:         actor.ID,
		ProfessionalID:   req.ProfessionalID,
		Title:            req.Title,
		Description:      req.Description,
		TotalAmountCents: req.TotalAmountCents,
	}

	id, err := h.milestones.CreateContract(c.Request.Context(), actor, contract)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Contract created",
		zap.Int64("contract_id", id),
		zap.Int64("client_id", actor.ID),
	)
	c.JSON(http.StatusCreated, gin.H{"contract_id": id})
}

type addMilestoneRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

func (h *ContractHandler) AddMilestone(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := contractID(c)
	if !ok {
		return
	}

	var req addMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	m := &model.Milestone{
		ContractID:  id,
		Title:       req.Title,
		Description: req.Description,
		AmountCents: req.AmountCents,
		DueDate:     req.DueDate,
	}

	created, err := h.milestones.AddMilestone(c.Request.Context(), actor, m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": created})
}

func (h *ContractHandler) ListMilestones(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}

	milestones, err := h.milestones.ListByContract(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

func (h *ContractHandler) GetSummary(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}

	summary, err := h.projections.ContractSummary(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (h *ContractHandler) GetTimeline(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}

	timeline, err := h.projections.Timeline(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}
