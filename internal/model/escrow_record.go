package model

import "time"

// Release triggers stored on EscrowReleaseRecord.
const (
	TriggerClient      = "client"
	TriggerAutoRelease = "system:auto-release"
)

// EscrowFundingRecord records the processor hold placed for a milestone.
// Written once by the funding path; a unique constraint on milestone_id
// makes a second insert impossible.
type EscrowFundingRecord struct {
	ID               int64     `json:"id"`
	MilestoneID      int64     `json:"milestone_id"`
	HoldID           string    `json:"hold_id"`
	PaymentMethodRef string    `json:"payment_method_ref"`
	AmountCents      int64     `json:"amount_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

// EscrowReleaseRecord records the processor transfer that released a
// milestone's held funds to the professional. Write-once; the unique
// constraint on milestone_id is what makes a double release impossible.
type EscrowReleaseRecord struct {
	ID          int64     `json:"id"`
	MilestoneID int64     `json:"milestone_id"`
	TransferID  string    `json:"transfer_id"`
	TriggeredBy string    `json:"triggered_by"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}
