package service

import (
	"context"
	"time"

	"escrowengine/internal/model"
	"escrowengine/internal/repository"
)

// MilestoneStore is the transactional boundary the orchestrators depend on.
// repository.MilestoneRepository is the production implementation; tests use
// an in-memory fake with the same CAS and write-once semantics.
type MilestoneStore interface {
	GetMilestone(ctx context.Context, id int64) (*model.Milestone, error)
	Insert(ctx context.Context, m *model.Milestone) (int64, error)
	FindByContractID(ctx context.Context, contractID int64) ([]model.Milestone, error)

	MarkSubmitted(ctx context.Context, id int64, notes string, submittedAt, approvalDeadline time.Time, note repository.Notification) error
	MarkApproved(ctx context.Context, id int64, approvedAt time.Time, note repository.Notification) error
	MarkRejected(ctx context.Context, id int64, reason string, rejectedAt time.Time, note repository.Notification) error

	CommitFunding(ctx context.Context, rec *model.EscrowFundingRecord, note repository.Notification) error
	CommitRelease(ctx context.Context, rec *model.EscrowReleaseRecord, releasedAt time.Time, note repository.Notification) error
	GetFundingRecord(ctx context.Context, milestoneID int64) (*model.EscrowFundingRecord, error)
	GetReleaseRecord(ctx context.Context, milestoneID int64) (*model.EscrowReleaseRecord, error)

	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error)
}

// ContractStore is the contract-side slice of the store.
type ContractStore interface {
	Insert(ctx context.Context, c *model.Contract) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Contract, error)
	SumMilestoneAmounts(ctx context.Context, contractID int64) (int64, int, error)
}
