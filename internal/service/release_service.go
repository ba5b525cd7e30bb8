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

// ReleaseService transfers held funds to the professional. A milestone must
// never be released twice: the pre-check on the release record is advisory,
// the unique constraint behind CommitRelease is the guarantee, and the
// processor idempotency key backstops even a retried transfer call.
type ReleaseService struct {
	store     MilestoneStore
	processor processor.API
	logger    *zap.Logger
}

func NewReleaseService(store MilestoneStore, proc processor.API, logger *zap.Logger) *ReleaseService {
	return &ReleaseService{
		store:     store,
		processor: proc,
		logger:    logger,
	}
}

// Release executes the approved -> released transition for a client action or
// the deadline scanner. Returns the release record; a repeat call returns the
// existing record as a no-op.
func (s *ReleaseService) Release(ctx context.Context, actor model.Actor, milestoneID int64) (*model.EscrowReleaseRecord, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetReleaseRecord(ctx, milestoneID); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Info("Milestone already released, treating as no-op",
			zap.Int64("milestone_id", milestoneID),
			zap.String("transfer_id", existing.TransferID),
		)
		metrics.RecordTransition(string(escrow.EventRelease), "duplicate")
		return existing, nil
	}

	funding, err := s.store.GetFundingRecord(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if funding == nil {
		// Approved without a funding record indicates corrupted state, not
		// user error; never attempt a transfer from nothing.
		s.logger.Error("Milestone has no funding record, escalating",
			zap.Int64("milestone_id", milestoneID),
			zap.String("status", string(m.Status)),
		)
		metrics.RecordTransition(string(escrow.EventRelease), "error")
		return nil, &escrow.ValidationError{Field: "funding", Reason: "milestone has no escrow funding record"}
	}

	if err := escrow.Validate(m, escrow.Request{Event: escrow.EventRelease, Actor: actor, Now: time.Now().UTC()}); err != nil {
		metrics.RecordTransition(string(escrow.EventRelease), outcomeFor(err))
		return nil, err
	}

	key := processor.IdempotencyKey(milestoneID)
	transferID, err := s.processor.Release(ctx, key, funding.HoldID)
	if err != nil {
		// Milestone stays approved; retrying with the same key is safe.
		metrics.RecordTransition(string(escrow.EventRelease), "processor_unavailable")
		return nil, &escrow.ProcessorUnavailableError{Operation: "release", Err: err}
	}

	now := time.Now().UTC()
	rec := &model.EscrowReleaseRecord{
		MilestoneID: milestoneID,
		TransferID:  transferID,
		TriggeredBy: escrow.TriggerFor(actor),
		AmountCents: funding.AmountCents,
	}
	note := repository.Notification{
		RoutingKey:  contractsmq.RoutingKeyMilestoneReleased,
		MilestoneID: milestoneID,
		Payload: contractsmq.MilestoneReleasedPayload{
			MilestoneID: milestoneID,
			ContractID:  m.ContractID,
			AmountCents: funding.AmountCents,
			TransferID:  transferID,
			TriggeredBy: rec.TriggeredBy,
		},
	}

	if err := s.store.CommitRelease(ctx, rec, now, note); err != nil {
		return s.reconcileCommitFailure(ctx, milestoneID, transferID, err)
	}

	metrics.RecordTransition(string(escrow.EventRelease), "ok")
	s.logger.Info("Milestone released",
		zap.Int64("milestone_id", milestoneID),
		zap.Int64("amount_cents", funding.AmountCents),
		zap.String("transfer_id", transferID),
		zap.String("triggered_by", rec.TriggeredBy),
	)
	return rec, nil
}

// reconcileCommitFailure resolves a commit that lost to a concurrent release.
// Thanks to the shared idempotency key the processor performed one transfer,
// so a matching existing record is success; a mismatch is an integrity fault.
func (s *ReleaseService) reconcileCommitFailure(ctx context.Context, milestoneID int64, transferID string, commitErr error) (*model.EscrowReleaseRecord, error) {
	var dup *escrow.DuplicateOperationError
	if errors.As(commitErr, &dup) {
		existing, err := s.store.GetReleaseRecord(ctx, milestoneID)
		if err == nil && existing != nil && existing.TransferID == transferID {
			metrics.RecordTransition(string(escrow.EventRelease), "duplicate")
			return existing, nil
		}
		s.logger.Error("Release record mismatch, escalating",
			zap.Int64("milestone_id", milestoneID),
			zap.String("our_transfer_id", transferID),
		)
		metrics.RecordTransition(string(escrow.EventRelease), "duplicate")
		return nil, &escrow.DuplicateOperationError{Operation: "release", MilestoneID: milestoneID, Mismatch: true}
	}

	metrics.RecordTransition(string(escrow.EventRelease), outcomeFor(commitErr))
	return nil, commitErr
}
