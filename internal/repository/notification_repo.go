package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowengine/internal/model"
)

type NotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

func (r *NotificationRepository) Insert(ctx context.Context, n *model.UserNotification) (int64, error) {
	query := `
        INSERT INTO notifications (recipient_id, contract_id, milestone_id, event, message)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	var id int64
	err := r.db.QueryRow(ctx, query,
		n.RecipientID,
		n.ContractID,
		n.MilestoneID,
		n.Event,
		n.Message,
	).Scan(&id)

	if err != nil {
		r.logger.Error("Failed to insert notification", zap.Error(err))
		return 0, err
	}
	return id, nil
}

func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID int64, limit int) ([]model.UserNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT id, recipient_id, contract_id, milestone_id, event, message, read, created_at
        FROM notifications
        WHERE recipient_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, recipientID, limit)
	if err != nil {
		r.logger.Error("Failed to list notifications", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var out []model.UserNotification
	for rows.Next() {
		var n model.UserNotification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.ContractID, &n.MilestoneID, &n.Event, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE notifications SET read = TRUE WHERE id = $1 AND recipient_id = $2
    `, id, recipientID)
	return err
}
