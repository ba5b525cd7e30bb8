// Package escrow holds the milestone state machine: the pure transition
// validator and the error taxonomy shared by the funding and release paths.
package escrow

import (
	"time"

	"escrowengine/internal/model"
)

// Event is a requested milestone transition.
type Event string

const (
	EventFund        Event = "fund"
	EventSubmit      Event = "submit"
	EventApprove     Event = "approve"
	EventReject      Event = "reject"
	EventAutoApprove Event = "auto_approve"
	EventRelease     Event = "release"
)

// Request carries the inputs a transition may need beyond the event itself.
type Request struct {
	Event            Event
	Actor            model.Actor
	PaymentMethodRef string // fund
	RejectionReason  string // reject
	SubmissionNotes  string // submit
	Now              time.Time
}

// Validate decides whether req is legal for the milestone's current state and
// the requesting actor. It mutates nothing; the durable compare-and-swap in
// the store is what makes the decision stick under concurrency.
func Validate(m *model.Milestone, req Request) error {
	if err := validateActor(req.Event, req.Actor); err != nil {
		return err
	}

	switch req.Event {
	case EventFund:
		if m.Status != model.StatusPending {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		if m.AmountCents <= 0 {
			return &ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if req.PaymentMethodRef == "" {
			return &ValidationError{Field: "payment_method_ref", Reason: "required"}
		}
		return nil

	case EventSubmit:
		if m.Status != model.StatusInProgress {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		return nil

	case EventApprove:
		if m.Status != model.StatusCompleted {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		if m.ApprovedAt != nil {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		return nil

	case EventReject:
		if m.Status != model.StatusCompleted {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		if req.RejectionReason == "" {
			return &ValidationError{Field: "rejection_reason", Reason: "required"}
		}
		return nil

	case EventAutoApprove:
		if m.Status != model.StatusCompleted {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		if m.ApprovedAt != nil {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		if m.ApprovalDeadline == nil || !req.Now.After(*m.ApprovalDeadline) {
			return &ValidationError{Field: "approval_deadline", Reason: "has not lapsed"}
		}
		return nil

	case EventRelease:
		if m.Status != model.StatusApproved {
			return &InvalidTransitionError{Event: req.Event, From: m.Status}
		}
		return nil

	default:
		return &ValidationError{Field: "event", Reason: "unknown event"}
	}
}

// Next returns the status a legal event leads to.
func Next(ev Event) model.MilestoneStatus {
	switch ev {
	case EventFund:
		return model.StatusInProgress
	case EventSubmit:
		return model.StatusCompleted
	case EventApprove, EventAutoApprove:
		return model.StatusApproved
	case EventReject:
		return model.StatusInProgress
	case EventRelease:
		return model.StatusReleased
	}
	return ""
}

func validateActor(ev Event, actor model.Actor) error {
	switch ev {
	case EventFund, EventApprove, EventReject:
		if actor.Role != model.RoleClient {
			return &ValidationError{Field: "actor", Reason: "requires client role"}
		}
	case EventSubmit:
		if actor.Role != model.RoleProfessional {
			return &ValidationError{Field: "actor", Reason: "requires professional role"}
		}
	case EventAutoApprove:
		if actor.Role != model.RoleSystem {
			return &ValidationError{Field: "actor", Reason: "requires system role"}
		}
	case EventRelease:
		if actor.Role != model.RoleClient && actor.Role != model.RoleSystem {
			return &ValidationError{Field: "actor", Reason: "requires client or system role"}
		}
	}
	return nil
}

// TriggerFor maps a release actor to the trigger recorded on the release record.
func TriggerFor(actor model.Actor) string {
	if actor.Role == model.RoleSystem {
		return model.TriggerAutoRelease
	}
	return model.TriggerClient
}
