package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	contractsmq "escrowengine/contracts/mq"
	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
	"escrowengine/internal/repository"
	"escrowengine/pkg/metrics"
)

// MilestoneService handles the transitions that have no payment side effect:
// contract and milestone creation, work submission, approval and rejection.
// Funding and release live in their own orchestrators.
type MilestoneService struct {
	store          MilestoneStore
	contracts      ContractStore
	approvalWindow time.Duration
	logger         *zap.Logger
}

func NewMilestoneService(store MilestoneStore, contracts ContractStore, approvalWindow time.Duration, logger *zap.Logger) *MilestoneService {
	if approvalWindow == 0 {
		approvalWindow = 7 * 24 * time.Hour
	}
	return &MilestoneService{
		store:          store,
		contracts:      contracts,
		approvalWindow: approvalWindow,
		logger:         logger,
	}
}

func (s *MilestoneService) CreateContract(ctx context.Context, actor model.Actor, c *model.Contract) (int64, error) {
	if actor.Role != model.RoleClient {
		return 0, &escrow.ValidationError{Field: "actor", Reason: "requires client role"}
	}
	if c.TotalAmountCents <= 0 {
		return 0, &escrow.ValidationError{Field: "total_amount_cents", Reason: "must be positive"}
	}
	if c.ClientID == c.ProfessionalID {
		return 0, &escrow.ValidationError{Field: "professional_id", Reason: "client and professional must differ"}
	}
	c.ClientID = actor.ID
	return s.contracts.Insert(ctx, c)
}

// AddMilestone creates a milestone on an active contract. The sum of all
// milestone amounts must not exceed the contract total; this is checked here
// and never enforced retroactively.
func (s *MilestoneService) AddMilestone(ctx context.Context, actor model.Actor, m *model.Milestone) (*model.Milestone, error) {
	if actor.Role != model.RoleClient {
		return nil, &escrow.ValidationError{Field: "actor", Reason: "requires client role"}
	}
	if m.AmountCents <= 0 {
		return nil, &escrow.ValidationError{Field: "amount_cents", Reason: "must be positive"}
	}
	if m.Title == "" {
		return nil, &escrow.ValidationError{Field: "title", Reason: "required"}
	}

	contract, err := s.contracts.GetByID(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if contract.Status != model.ContractActive {
		return nil, &escrow.ValidationError{Field: "contract", Reason: fmt.Sprintf("contract is %s", contract.Status)}
	}
	if contract.ClientID != actor.ID {
		return nil, &escrow.ValidationError{Field: "actor", Reason: "not the contract's client"}
	}

	sum, nextNumber, err := s.contracts.SumMilestoneAmounts(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if sum+m.AmountCents > contract.TotalAmountCents {
		return nil, &escrow.ValidationError{
			Field:  "amount_cents",
			Reason: "milestone amounts would exceed the contract total",
		}
	}

	m.MilestoneNumber = nextNumber
	m.Status = model.StatusPending

	id, err := s.store.Insert(ctx, m)
	if err != nil {
		return nil, err
	}
	m.ID = id
	return m, nil
}

// Submit moves in_progress -> completed and starts the approval window.
func (s *MilestoneService) Submit(ctx context.Context, actor model.Actor, milestoneID int64, notes string) error {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	req := escrow.Request{Event: escrow.EventSubmit, Actor: actor, SubmissionNotes: notes, Now: now}
	if err := escrow.Validate(m, req); err != nil {
		metrics.RecordTransition(string(escrow.EventSubmit), outcomeFor(err))
		return err
	}

	deadline := now.Add(s.approvalWindow)
	note := repository.Notification{
		RoutingKey:  contractsmq.RoutingKeyMilestoneSubmitted,
		MilestoneID: m.ID,
		Payload: contractsmq.MilestoneSubmittedPayload{
			MilestoneID: m.ID,
			ContractID:  m.ContractID,
			Notes:       notes,
		},
	}
	if err := s.store.MarkSubmitted(ctx, m.ID, notes, now, deadline, note); err != nil {
		metrics.RecordTransition(string(escrow.EventSubmit), outcomeFor(err))
		return err
	}

	metrics.RecordTransition(string(escrow.EventSubmit), "ok")
	s.logger.Info("Milestone submitted",
		zap.Int64("milestone_id", m.ID),
		zap.Int64("contract_id", m.ContractID),
		zap.Time("approval_deadline", deadline),
	)
	return nil
}

// Approve moves completed -> approved on a manual client action.
func (s *MilestoneService) Approve(ctx context.Context, actor model.Actor, milestoneID int64) error {
	return s.approve(ctx, actor, milestoneID, escrow.EventApprove)
}

// AutoApprove is the scanner's deadline-lapsed approval. It goes through the
// same validation and the same CAS as a manual approval.
func (s *MilestoneService) AutoApprove(ctx context.Context, milestoneID int64) error {
	return s.approve(ctx, model.SystemActor, milestoneID, escrow.EventAutoApprove)
}

func (s *MilestoneService) approve(ctx context.Context, actor model.Actor, milestoneID int64, event escrow.Event) error {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := escrow.Validate(m, escrow.Request{Event: event, Actor: actor, Now: now}); err != nil {
		metrics.RecordTransition(string(event), outcomeFor(err))
		return err
	}

	note := repository.Notification{
		RoutingKey:  contractsmq.RoutingKeyMilestoneApproved,
		MilestoneID: m.ID,
		Payload: contractsmq.MilestoneApprovedPayload{
			MilestoneID:  m.ID,
			ContractID:   m.ContractID,
			AutoApproved: event == escrow.EventAutoApprove,
		},
	}
	if err := s.store.MarkApproved(ctx, m.ID, now, note); err != nil {
		metrics.RecordTransition(string(event), outcomeFor(err))
		return err
	}

	metrics.RecordTransition(string(event), "ok")
	s.logger.Info("Milestone approved",
		zap.Int64("milestone_id", m.ID),
		zap.Bool("auto", event == escrow.EventAutoApprove),
	)
	return nil
}

// Reject sends a completed milestone back to in_progress. The reason is
// mandatory; held escrow funds are not touched.
func (s *MilestoneService) Reject(ctx context.Context, actor model.Actor, milestoneID int64, reason string) error {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	req := escrow.Request{Event: escrow.EventReject, Actor: actor, RejectionReason: reason, Now: now}
	if err := escrow.Validate(m, req); err != nil {
		metrics.RecordTransition(string(escrow.EventReject), outcomeFor(err))
		return err
	}

	note := repository.Notification{
		RoutingKey:  contractsmq.RoutingKeyMilestoneRejected,
		MilestoneID: m.ID,
		Payload: contractsmq.MilestoneRejectedPayload{
			MilestoneID: m.ID,
			ContractID:  m.ContractID,
			Reason:      reason,
		},
	}
	if err := s.store.MarkRejected(ctx, m.ID, reason, now, note); err != nil {
		metrics.RecordTransition(string(escrow.EventReject), outcomeFor(err))
		return err
	}

	metrics.RecordTransition(string(escrow.EventReject), "ok")
	s.logger.Info("Milestone rejected",
		zap.Int64("milestone_id", m.ID),
		zap.String("reason", reason),
	)
	return nil
}

func (s *MilestoneService) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return s.store.GetMilestone(ctx, id)
}

func (s *MilestoneService) ListByContract(ctx context.Context, contractID int64) ([]model.Milestone, error) {
	return s.store.FindByContractID(ctx, contractID)
}
