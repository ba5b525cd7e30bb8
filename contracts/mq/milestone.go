// Package mq defines the event payloads published on milestone transitions.
// Consumers (notification service, dashboards) bind to these routing keys.
package mq

// Routing keys for milestone lifecycle events.
const (
	RoutingKeyMilestoneFunded    = "milestone.funded"
	RoutingKeyMilestoneSubmitted = "milestone.submitted"
	RoutingKeyMilestoneApproved  = "milestone.approved"
	RoutingKeyMilestoneRejected  = "milestone.rejected"
	RoutingKeyMilestoneReleased  = "milestone.released"
)

type MilestoneFundedPayload struct {
	MilestoneID int64  `json:"milestone_id"`
	ContractID  int64  `json:"contract_id"`
	AmountCents int64  `json:"amount_cents"`
	HoldID      string `json:"hold_id"`
}

type MilestoneSubmittedPayload struct {
	MilestoneID int64  `json:"milestone_id"`
	ContractID  int64  `json:"contract_id"`
	Notes       string `json:"notes,omitempty"`
}

type MilestoneApprovedPayload struct {
	MilestoneID  int64 `json:"milestone_id"`
	ContractID   int64 `json:"contract_id"`
	AutoApproved bool  `json:"auto_approved"`
}

type MilestoneRejectedPayload struct {
	MilestoneID int64  `json:"milestone_id"`
	ContractID  int64  `json:"contract_id"`
	Reason      string `json:"reason"`
}

type MilestoneReleasedPayload struct {
	MilestoneID int64  `json:"milestone_id"`
	ContractID  int64  `json:"contract_id"`
	AmountCents int64  `json:"amount_cents"`
	TransferID  string `json:"transfer_id"`
	TriggeredBy string `json:"triggered_by"`
}
