package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
	"escrowengine/pkg/outbox"
)

// ErrMilestoneNotFound is returned when a milestone id does not exist.
var ErrMilestoneNotFound = errors.New("milestone not found")

// Notification is the outbox event queued in the same transaction as a state
// change, so consumers never see a notification for a transition that rolled
// back.
type Notification struct {
	RoutingKey  string
	MilestoneID int64
	Payload     any
}

const milestoneColumns = `
	id, contract_id, milestone_number, title, description, amount_cents, status,
	due_date, submitted_at, submission_notes, completed_date, approved_at,
	rejected_at, rejection_reason, rejection_count, approval_deadline,
	auto_release_date, released_at, created_at, updated_at`

type MilestoneRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewMilestoneRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *MilestoneRepository {
	return &MilestoneRepository{
		db:     db,
		outbox: outboxRepo,
		logger: logger,
	}
}

func (r *MilestoneRepository) Insert(ctx context.Context, m *model.Milestone) (int64, error) {
	r.logger.Debug("Inserting milestone",
		zap.Int64("contract_id", m.ContractID),
		zap.String("title", m.Title),
		zap.Int("milestone_number", m.MilestoneNumber),
	)

	query := `
        INSERT INTO milestones (contract_id, milestone_number, title, description, amount_cents, status, due_date)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	var id int64
	err := r.db.QueryRow(ctx, query,
		m.ContractID,
		m.MilestoneNumber,
		m.Title,
		m.Description,
		m.AmountCents,
		model.StatusPending,
		m.DueDate,
	).Scan(&id)

	if err != nil {
		r.logger.Error("Failed to insert milestone", zap.Error(err))
		return 0, err
	}

	r.logger.Info("Milestone inserted successfully",
		zap.Int64("id", id),
		zap.Int64("contract_id", m.ContractID),
	)
	return id, nil
}

func (r *MilestoneRepository) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`

	row := r.db.QueryRow(ctx, query, id)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMilestoneNotFound
		}
		r.logger.Error("Failed to get milestone", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}
	return m, nil
}

func (r *MilestoneRepository) FindByContractID(ctx context.Context, contractID int64) ([]model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE contract_id = $1
        ORDER BY milestone_number ASC`

	rows, err := r.db.Query(ctx, query, contractID)
	if err != nil {
		r.logger.Error("Failed to find milestones", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			r.logger.Error("Failed to scan milestone", zap.Error(err))
			return nil, err
		}
		milestones = append(milestones, *m)
	}

	return milestones, rows.Err()
}

// MarkSubmitted is the in_progress -> completed compare-and-swap. The WHERE
// clause on status is the CAS guard; zero rows means the caller lost a race.
func (r *MilestoneRepository) MarkSubmitted(ctx context.Context, id int64, notes string, submittedAt, approvalDeadline time.Time, note Notification) error {
	query := `
        UPDATE milestones
        SET status = $2, submitted_at = $3, completed_date = $3, submission_notes = $4,
            approval_deadline = $5, auto_release_date = $5, updated_at = NOW()
        WHERE id = $1 AND status = $6
    `
	return r.casInTx(ctx, note, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, query, id, model.StatusCompleted, submittedAt, notes, approvalDeadline, model.StatusInProgress)
	})
}

// MarkApproved is the completed -> approved compare-and-swap, for both manual
// and system auto-approval. The approved_at guard keeps a second approval out.
func (r *MilestoneRepository) MarkApproved(ctx context.Context, id int64, approvedAt time.Time, note Notification) error {
	query := `
        UPDATE milestones
        SET status = $2, approved_at = $3, updated_at = NOW()
        WHERE id = $1 AND status = $4 AND approved_at IS NULL
    `
	return r.casInTx(ctx, note, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, query, id, model.StatusApproved, approvedAt, model.StatusCompleted)
	})
}

// MarkRejected is the completed -> in_progress round trip. Rejection never
// touches escrow; held funds stay held while the professional reworks.
func (r *MilestoneRepository) MarkRejected(ctx context.Context, id int64, reason string, rejectedAt time.Time, note Notification) error {
	query := `
        UPDATE milestones
        SET status = $2, rejected_at = $3, rejection_reason = $4,
            rejection_count = rejection_count + 1,
            submitted_at = NULL, completed_date = NULL, submission_notes = '',
            approval_deadline = NULL, auto_release_date = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $5
    `
	return r.casInTx(ctx, note, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, query, id, model.StatusInProgress, rejectedAt, reason, model.StatusCompleted)
	})
}

// CommitFunding writes the funding record and flips pending -> in_progress in
// one transaction: both land or neither does. A duplicate funding record maps
// to DuplicateOperationError so the funding path can detect an earlier hold.
func (r *MilestoneRepository) CommitFunding(ctx context.Context, rec *model.EscrowFundingRecord, note Notification) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
        INSERT INTO escrow_funding_records (milestone_id, hold_id, payment_method_ref, amount_cents)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `
	err = tx.QueryRow(ctx, insert, rec.MilestoneID, rec.HoldID, rec.PaymentMethodRef, rec.AmountCents).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: rec.MilestoneID}
		}
		r.logger.Error("Failed to insert funding record",
			zap.Int64("milestone_id", rec.MilestoneID),
			zap.Error(err),
		)
		return err
	}

	cas := `
        UPDATE milestones
        SET status = $2, updated_at = NOW()
        WHERE id = $1 AND status = $3
    `
	tag, err := tx.Exec(ctx, cas, rec.MilestoneID, model.StatusInProgress, model.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrStaleState
	}

	if err := r.queueNotification(ctx, tx, note); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("Funding committed",
		zap.Int64("milestone_id", rec.MilestoneID),
		zap.String("hold_id", rec.HoldID),
		zap.Int64("amount_cents", rec.AmountCents),
	)
	return nil
}

// CommitRelease writes the release record and flips approved -> released in
// one transaction. The unique constraint on milestone_id is the hard guard
// against a double release; two racing callers cannot both commit.
func (r *MilestoneRepository) CommitRelease(ctx context.Context, rec *model.EscrowReleaseRecord, releasedAt time.Time, note Notification) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
        INSERT INTO escrow_release_records (milestone_id, transfer_id, triggered_by, amount_cents)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `
	err = tx.QueryRow(ctx, insert, rec.MilestoneID, rec.TransferID, rec.TriggeredBy, rec.AmountCents).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &escrow.DuplicateOperationError{Operation: "release", MilestoneID: rec.MilestoneID}
		}
		r.logger.Error("Failed to insert release record",
			zap.Int64("milestone_id", rec.MilestoneID),
			zap.Error(err),
		)
		return err
	}

	cas := `
        UPDATE milestones
        SET status = $2, released_at = $3, updated_at = NOW()
        WHERE id = $1 AND status = $4
    `
	tag, err := tx.Exec(ctx, cas, rec.MilestoneID, model.StatusReleased, releasedAt, model.StatusApproved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrStaleState
	}

	if err := r.queueNotification(ctx, tx, note); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("Release committed",
		zap.Int64("milestone_id", rec.MilestoneID),
		zap.String("transfer_id", rec.TransferID),
		zap.String("triggered_by", rec.TriggeredBy),
	)
	return nil
}

func (r *MilestoneRepository) GetFundingRecord(ctx context.Context, milestoneID int64) (*model.EscrowFundingRecord, error) {
	query := `
        SELECT id, milestone_id, hold_id, payment_method_ref, amount_cents, created_at
        FROM escrow_funding_records
        WHERE milestone_id = $1
    `
	var rec model.EscrowFundingRecord
	err := r.db.QueryRow(ctx, query, milestoneID).Scan(
		&rec.ID,
		&rec.MilestoneID,
		&rec.HoldID,
		&rec.PaymentMethodRef,
		&rec.AmountCents,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *MilestoneRepository) GetReleaseRecord(ctx context.Context, milestoneID int64) (*model.EscrowReleaseRecord, error) {
	query := `
        SELECT id, milestone_id, transfer_id, triggered_by, amount_cents, created_at
        FROM escrow_release_records
        WHERE milestone_id = $1
    `
	var rec model.EscrowReleaseRecord
	err := r.db.QueryRow(ctx, query, milestoneID).Scan(
		&rec.ID,
		&rec.MilestoneID,
		&rec.TransferID,
		&rec.TriggeredBy,
		&rec.AmountCents,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListAutoReleasable returns milestones whose approval deadline has lapsed
// and which still need scanner action: completed ones awaiting auto-approval,
// and approved ones whose release has not happened (e.g. a release that
// failed on an earlier sweep).
func (r *MilestoneRepository) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE approval_deadline IS NOT NULL
          AND approval_deadline < $3
          AND (
               (status = $1 AND approved_at IS NULL)
            OR (status = $2 AND released_at IS NULL)
          )
        ORDER BY approval_deadline ASC
        LIMIT $4`

	rows, err := r.db.Query(ctx, query, model.StatusCompleted, model.StatusApproved, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, *m)
	}
	return milestones, rows.Err()
}

// casInTx runs a guarded UPDATE and the outbox insert in one transaction.
func (r *MilestoneRepository) casInTx(ctx context.Context, note Notification, update func(pgx.Tx) (pgconn.CommandTag, error)) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := update(tx)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrStaleState
	}

	if err := r.queueNotification(ctx, tx, note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *MilestoneRepository) queueNotification(ctx context.Context, tx pgx.Tx, note Notification) error {
	if note.RoutingKey == "" {
		return nil
	}
	aggregateID := note.MilestoneID
	return outbox.InsertEventInTx(ctx, tx, r.outbox, "milestone", &aggregateID, note.RoutingKey, note.Payload)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row rowScanner) (*model.Milestone, error) {
	var m model.Milestone
	err := row.Scan(
		&m.ID,
		&m.ContractID,
		&m.MilestoneNumber,
		&m.Title,
		&m.Description,
		&m.AmountCents,
		&m.Status,
		&m.DueDate,
		&m.SubmittedAt,
		&m.SubmissionNotes,
		&m.CompletedDate,
		&m.ApprovedAt,
		&m.RejectedAt,
		&m.RejectionReason,
		&m.RejectionCount,
		&m.ApprovalDeadline,
		&m.AutoReleaseDate,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
