package model

import "time"

// UserNotification is the stored, user-facing record a milestone event is
// relayed into. Delivery is best-effort and never blocks a transition.
type UserNotification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	ContractID  int64     `json:"contract_id"`
	MilestoneID int64     `json:"milestone_id"`
	Event       string    `json:"event"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}
