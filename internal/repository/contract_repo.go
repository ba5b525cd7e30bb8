package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowengine/internal/model"
)

var ErrContractNotFound = errors.New("contract not found")

type ContractRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewContractRepository(db *pgxpool.Pool, logger *zap.Logger) *ContractRepository {
	return &ContractRepository{
		db:     db,
		logger: logger,
	}
}

func (r *ContractRepository) Insert(ctx context.Context, c *model.Contract) (int64, error) {
	query := `
        INSERT INTO contracts (client_id, professional_id, title, description, total_amount_cents, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	var id int64
	err := r.db.QueryRow(ctx, query,
		c.ClientID,
		c.ProfessionalID,
		c.Title,
		c.Description,
		c.TotalAmountCents,
		model.ContractActive,
	).Scan(&id)

	if err != nil {
		r.logger.Error("Failed to insert contract", zap.Error(err))
		return 0, err
	}

	r.logger.Info("Contract inserted successfully",
		zap.Int64("id", id),
		zap.Int64("client_id", c.ClientID),
		zap.Int64("professional_id", c.ProfessionalID),
	)
	return id, nil
}

func (r *ContractRepository) GetByID(ctx context.Context, id int64) (*model.Contract, error) {
	query := `
        SELECT id, client_id, professional_id, title, description, total_amount_cents, status, created_at, updated_at
        FROM contracts
        WHERE id = $1
    `
	var c model.Contract
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.ClientID,
		&c.ProfessionalID,
		&c.Title,
		&c.Description,
		&c.TotalAmountCents,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		r.logger.Error("Failed to get contract", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}
	return &c, nil
}

// SumMilestoneAmounts returns the sum of all milestone amounts already on the
// contract, plus the next free milestone number. Used for the
// sum-must-not-exceed-total check at milestone creation time.
func (r *ContractRepository) SumMilestoneAmounts(ctx context.Context, contractID int64) (int64, int, error) {
	query := `
        SELECT COALESCE(SUM(amount_cents), 0), COALESCE(MAX(milestone_number), 0) + 1
        FROM milestones
        WHERE contract_id = $1
    `
	var sum int64
	var nextNumber int
	if err := r.db.QueryRow(ctx, query, contractID).Scan(&sum, &nextNumber); err != nil {
		return 0, 0, err
	}
	return sum, nextNumber, nil
}
