package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowengine/internal/model"
)

// ContractSummary is the read-only dashboard projection for one contract.
type ContractSummary struct {
	ContractID           int64 `json:"contract_id"`
	MilestoneCount       int   `json:"milestone_count"`
	PendingCents         int64 `json:"pending_cents"`
	HeldCents            int64 `json:"held_cents"`
	ReleasedCents        int64 `json:"released_cents"`
	AwaitingApproval     int   `json:"awaiting_approval"`
	RejectionsToDate     int   `json:"rejections_to_date"`
	RemainingBudgetCents int64 `json:"remaining_budget_cents"`
}

// TimelineEntry is one dated event in a contract's milestone history.
type TimelineEntry struct {
	MilestoneID     int64                 `json:"milestone_id"`
	MilestoneNumber int                   `json:"milestone_number"`
	Title           string                `json:"title"`
	Status          model.MilestoneStatus `json:"status"`
	OccurredAt      time.Time             `json:"occurred_at"`
	Event           string                `json:"event"`
}

// ProjectionRepository serves the read-only views. It owns no state and
// performs no writes.
type ProjectionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewProjectionRepository(db *pgxpool.Pool, logger *zap.Logger) *ProjectionRepository {
	return &ProjectionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *ProjectionRepository) ContractSummary(ctx context.Context, contractID int64) (*ContractSummary, error) {
	query := `
        SELECT
            COUNT(m.id),
            COALESCE(SUM(m.amount_cents) FILTER (WHERE m.status = 'pending'), 0),
            COALESCE(SUM(m.amount_cents) FILTER (WHERE m.status IN ('in_progress', 'completed', 'approved')), 0),
            COALESCE(SUM(m.amount_cents) FILTER (WHERE m.status = 'released'), 0),
            COUNT(m.id) FILTER (WHERE m.status = 'completed'),
            COALESCE(SUM(m.rejection_count), 0),
            c.total_amount_cents - COALESCE(SUM(m.amount_cents), 0)
        FROM contracts c
        LEFT JOIN milestones m ON m.contract_id = c.id
        WHERE c.id = $1
        GROUP BY c.id, c.total_amount_cents
    `
	s := ContractSummary{ContractID: contractID}
	err := r.db.QueryRow(ctx, query, contractID).Scan(
		&s.MilestoneCount,
		&s.PendingCents,
		&s.HeldCents,
		&s.ReleasedCents,
		&s.AwaitingApproval,
		&s.RejectionsToDate,
		&s.RemainingBudgetCents,
	)
	if err != nil {
		r.logger.Error("Failed to build contract summary",
			zap.Int64("contract_id", contractID),
			zap.Error(err),
		)
		return nil, err
	}
	return &s, nil
}

// Timeline flattens milestone timestamps into a dated event stream,
// newest first.
func (r *ProjectionRepository) Timeline(ctx context.Context, contractID int64) ([]TimelineEntry, error) {
	query := `
        SELECT milestone_id, milestone_number, title, status, occurred_at, event
        FROM (
            SELECT id AS milestone_id, milestone_number, title, status, created_at AS occurred_at, 'created' AS event
            FROM milestones WHERE contract_id = $1
            UNION ALL
            SELECT id, milestone_number, title, status, submitted_at, 'submitted'
            FROM milestones WHERE contract_id = $1 AND submitted_at IS NOT NULL
            UNION ALL
            SELECT id, milestone_number, title, status, approved_at, 'approved'
            FROM milestones WHERE contract_id = $1 AND approved_at IS NOT NULL
            UNION ALL
            SELECT id, milestone_number, title, status, rejected_at, 'rejected'
            FROM milestones WHERE contract_id = $1 AND rejected_at IS NOT NULL
            UNION ALL
            SELECT id, milestone_number, title, status, released_at, 'released'
            FROM milestones WHERE contract_id = $1 AND released_at IS NOT NULL
        ) events
        ORDER BY occurred_at DESC
    `
	rows, err := r.db.Query(ctx, query, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(
			&e.MilestoneID,
			&e.MilestoneNumber,
			&e.Title,
			&e.Status,
			&e.OccurredAt,
			&e.Event,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
