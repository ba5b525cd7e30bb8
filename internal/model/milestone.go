package model

import "time"

// MilestoneStatus is the closed set of stored milestone states. A rejection
// is not a stored state: rejecting a completed milestone returns it to
// in_progress with the rejection fields populated.
type MilestoneStatus string

const (
	StatusPending    MilestoneStatus = "pending"
	StatusInProgress MilestoneStatus = "in_progress"
	StatusCompleted  MilestoneStatus = "completed"
	StatusApproved   MilestoneStatus = "approved"
	StatusReleased   MilestoneStatus = "released"
)

// Milestone is a discrete, separately payable unit of contracted work.
// Amounts are integer cents; the currency is implied by the contract.
type Milestone struct {
	ID              int64           `json:"id"`
	ContractID      int64           `json:"contract_id"`
	MilestoneNumber int             `json:"milestone_number"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	AmountCents     int64           `json:"amount_cents"`
	Status          MilestoneStatus `json:"status"`

	DueDate          *time.Time `json:"due_date,omitempty"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	SubmissionNotes  string     `json:"submission_notes,omitempty"`
	CompletedDate    *time.Time `json:"completed_date,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	RejectionCount   int        `json:"rejection_count"`
	ApprovalDeadline *time.Time `json:"approval_deadline,omitempty"`
	AutoReleaseDate  *time.Time `json:"auto_release_date,omitempty"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Funded reports whether the milestone has passed the funding transition.
// Escrow is held from in_progress onward until release.
func (m *Milestone) Funded() bool {
	switch m.Status {
	case StatusInProgress, StatusCompleted, StatusApproved, StatusReleased:
		return true
	}
	return false
}
