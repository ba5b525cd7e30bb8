package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	contractsmq "escrowengine/contracts/mq"
	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
	"escrowengine/internal/processor"
	"escrowengine/internal/repository"
	"escrowengine/pkg/metrics"
)

// FundingService moves a client's money into escrow for a milestone: it
// places a hold at the payment processor, then commits the funding record and
// the pending -> in_progress transition in one database transaction. If the
// local commit fails after the hold landed, the hold is cancelled
// (compensating rollback).
type FundingService struct {
	store     MilestoneStore
	processor processor.API
	logger    *zap.Logger
}

func NewFundingService(store MilestoneStore, proc processor.API, logger *zap.Logger) *FundingService {
	return &FundingService{
		store:     store,
		processor: proc,
		logger:    logger,
	}
}

// Fund is idempotent on milestone id: a retry after a timeout or crash finds
// either the existing funding record or, via the processor's idempotency key,
// the existing hold, and never places a second one.
func (s *FundingService) Fund(ctx context.Context, actor model.Actor, milestoneID int64, paymentMethodRef string) (*model.EscrowFundingRecord, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	// An existing record means funding already committed; the retry is a no-op
	// only when it is the SAME request. A different payment method ref is a
	// second, distinct funding attempt and must be escalated, not absorbed.
	if existing, err := s.store.GetFundingRecord(ctx, milestoneID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.PaymentMethodRef != paymentMethodRef {
			s.logger.Error("Funding already committed with a different payment method, escalating",
				zap.Int64("milestone_id", milestoneID),
				zap.String("hold_id", existing.HoldID),
			)
			metrics.RecordTransition(string(escrow.EventFund), "duplicate")
			return nil, &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: milestoneID, Mismatch: true}
		}
		s.logger.Info("Funding already committed, treating as success",
			zap.Int64("milestone_id", milestoneID),
			zap.String("hold_id", existing.HoldID),
		)
		metrics.RecordTransition(string(escrow.EventFund), "duplicate")
		return existing, nil
	}

	req := escrow.Request{
		Event:            escrow.EventFund,
		Actor:            actor,
		PaymentMethodRef: paymentMethodRef,
		Now:              time.Now().UTC(),
	}
	if err := escrow.Validate(m, req); err != nil {
		metrics.RecordTransition(string(escrow.EventFund), outcomeFor(err))
		return nil, err
	}

	key := processor.IdempotencyKey(milestoneID)
	holdID, err := s.processor.PlaceHold(ctx, key, m.AmountCents, paymentMethodRef)
	if err != nil {
		metrics.RecordTransition(string(escrow.EventFund), "processor_unavailable")
		return nil, &escrow.ProcessorUnavailableError{Operation: "place_hold", Err: err}
	}

	rec := &model.EscrowFundingRecord{
		MilestoneID:      milestoneID,
		HoldID:           holdID,
		PaymentMethodRef: paymentMethodRef,
		AmountCents:      m.AmountCents,
	}
	note := repository.Notification{
		RoutingKey:  contractsmq.RoutingKeyMilestoneFunded,
		MilestoneID: milestoneID,
		Payload: contractsmq.MilestoneFundedPayload{
			MilestoneID: milestoneID,
			ContractID:  m.ContractID,
			AmountCents: m.AmountCents,
			HoldID:      holdID,
		},
	}

	if err := s.store.CommitFunding(ctx, rec, note); err != nil {
		return s.reconcileCommitFailure(ctx, milestoneID, key, holdID, err)
	}

	metrics.RecordTransition(string(escrow.EventFund), "ok")
	s.logger.Info("Milestone funded",
		zap.Int64("milestone_id", milestoneID),
		zap.Int64("amount_cents", m.AmountCents),
		zap.String("hold_id", holdID),
	)
	return rec, nil
}

// reconcileCommitFailure handles a hold that landed but whose local commit
// did not. A concurrent funder winning the race is success if the hold
// matches; anything else cancels our hold so client money is not left parked.
func (s *FundingService) reconcileCommitFailure(ctx context.Context, milestoneID int64, key, holdID string, commitErr error) (*model.EscrowFundingRecord, error) {
	var dup *escrow.DuplicateOperationError
	if errors.As(commitErr, &dup) {
		existing, err := s.store.GetFundingRecord(ctx, milestoneID)
		if err == nil && existing != nil && existing.HoldID == holdID {
			// Same idempotency key, same hold: the other writer was us retried.
			metrics.RecordTransition(string(escrow.EventFund), "duplicate")
			return existing, nil
		}
		s.logger.Error("Funding record mismatch, escalating",
			zap.Int64("milestone_id", milestoneID),
			zap.String("our_hold_id", holdID),
		)
		s.cancelHold(ctx, key, holdID, milestoneID)
		metrics.RecordTransition(string(escrow.EventFund), "duplicate")
		return nil, &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: milestoneID, Mismatch: true}
	}

	s.cancelHold(ctx, key, holdID, milestoneID)
	metrics.RecordTransition(string(escrow.EventFund), outcomeFor(commitErr))
	return nil, commitErr
}

func (s *FundingService) cancelHold(ctx context.Context, key, holdID string, milestoneID int64) {
	if err := s.processor.CancelHold(ctx, key, holdID); err != nil {
		// The hold stays at the processor; flag loudly for manual follow-up.
		s.logger.Error("Failed to cancel hold after commit failure",
			zap.Int64("milestone_id", milestoneID),
			zap.String("hold_id", holdID),
			zap.Error(err),
		)
	}
}
