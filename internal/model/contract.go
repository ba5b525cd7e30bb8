package model

import "time"

type ContractStatus string

const (
	ContractActive     ContractStatus = "active"
	ContractCompleted  ContractStatus = "completed"
	ContractTerminated ContractStatus = "terminated"
)

// Contract is the agreement between one client and one professional. It owns
// an ordered collection of milestones whose amounts must not exceed
// TotalAmountCents (checked at milestone creation, not retroactively).
type Contract struct {
	ID               int64          `json:"id"`
	ClientID         int64          `json:"client_id"`
	ProfessionalID   int64          `json:"professional_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	TotalAmountCents int64          `json:"total_amount_cents"`
	Status           ContractStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
