package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowengine/internal/model"
)

var (
	client       = model.Actor{ID: 1, Role: model.RoleClient}
	professional = model.Actor{ID: 2, Role: model.RoleProfessional}
)

func milestoneIn(status model.MilestoneStatus) *model.Milestone {
	return &model.Milestone{
		ID:          10,
		ContractID:  1,
		AmountCents: 50000,
		Status:      status,
	}
}

func TestValidate_TransitionTable(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		status  model.MilestoneStatus
		req     Request
		wantOK  bool
		invalid bool // expect InvalidTransitionError rather than ValidationError
	}{
		{"fund from pending", model.StatusPending, Request{Event: EventFund, Actor: client, PaymentMethodRef: "pm_1", Now: now}, true, false},
		{"fund from in_progress", model.StatusInProgress, Request{Event: EventFund, Actor: client, PaymentMethodRef: "pm_1", Now: now}, false, true},
		{"fund from completed", model.StatusCompleted, Request{Event: EventFund, Actor: client, PaymentMethodRef: "pm_1", Now: now}, false, true},
		{"fund from released", model.StatusReleased, Request{Event: EventFund, Actor: client, PaymentMethodRef: "pm_1", Now: now}, false, true},
		{"fund without payment method", model.StatusPending, Request{Event: EventFund, Actor: client, Now: now}, false, false},

		{"submit from in_progress", model.StatusInProgress, Request{Event: EventSubmit, Actor: professional, Now: now}, true, false},
		{"submit from pending", model.StatusPending, Request{Event: EventSubmit, Actor: professional, Now: now}, false, true},
		{"submit from approved", model.StatusApproved, Request{Event: EventSubmit, Actor: professional, Now: now}, false, true},

		{"approve from completed", model.StatusCompleted, Request{Event: EventApprove, Actor: client, Now: now}, true, false},
		{"approve from in_progress", model.StatusInProgress, Request{Event: EventApprove, Actor: client, Now: now}, false, true},
		{"approve from released", model.StatusReleased, Request{Event: EventApprove, Actor: client, Now: now}, false, true},

		{"reject from completed", model.StatusCompleted, Request{Event: EventReject, Actor: client, RejectionReason: "incomplete", Now: now}, true, false},
		{"reject without reason", model.StatusCompleted, Request{Event: EventReject, Actor: client, Now: now}, false, false},
		{"reject from approved", model.StatusApproved, Request{Event: EventReject, Actor: client, RejectionReason: "too late", Now: now}, false, true},
		{"reject from released", model.StatusReleased, Request{Event: EventReject, Actor: client, RejectionReason: "too late", Now: now}, false, true},

		{"release from approved", model.StatusApproved, Request{Event: EventRelease, Actor: client, Now: now}, true, false},
		{"release from completed", model.StatusCompleted, Request{Event: EventRelease, Actor: client, Now: now}, false, true},
		{"release from released", model.StatusReleased, Request{Event: EventRelease, Actor: client, Now: now}, false, true},
		{"release by system", model.StatusApproved, Request{Event: EventRelease, Actor: model.SystemActor, Now: now}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := milestoneIn(tt.status)
			err := Validate(m, tt.req)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var invalid *InvalidTransitionError
			if tt.invalid {
				assert.True(t, errors.As(err, &invalid), "expected InvalidTransitionError, got %v", err)
			} else {
				var validation *ValidationError
				assert.True(t, errors.As(err, &validation), "expected ValidationError, got %v", err)
			}
		})
	}

	t.Run("auto approve after deadline", func(t *testing.T) {
		m := milestoneIn(model.StatusCompleted)
		m.ApprovalDeadline = &past
		err := Validate(m, Request{Event: EventAutoApprove, Actor: model.SystemActor, Now: now})
		assert.NoError(t, err)
	})

	t.Run("auto approve before deadline", func(t *testing.T) {
		future := now.Add(time.Hour)
		m := milestoneIn(model.StatusCompleted)
		m.ApprovalDeadline = &future
		err := Validate(m, Request{Event: EventAutoApprove, Actor: model.SystemActor, Now: now})
		var validation *ValidationError
		require.True(t, errors.As(err, &validation))
	})

	t.Run("auto approve already approved", func(t *testing.T) {
		m := milestoneIn(model.StatusCompleted)
		m.ApprovalDeadline = &past
		m.ApprovedAt = &past
		err := Validate(m, Request{Event: EventAutoApprove, Actor: model.SystemActor, Now: now})
		var invalid *InvalidTransitionError
		require.True(t, errors.As(err, &invalid))
	})
}

func TestValidate_ActorRoles(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name   string
		status model.MilestoneStatus
		req    Request
	}{
		{"professional cannot fund", model.StatusPending, Request{Event: EventFund, Actor: professional, PaymentMethodRef: "pm_1", Now: now}},
		{"client cannot submit", model.StatusInProgress, Request{Event: EventSubmit, Actor: client, Now: now}},
		{"professional cannot approve", model.StatusCompleted, Request{Event: EventApprove, Actor: professional, Now: now}},
		{"professional cannot reject", model.StatusCompleted, Request{Event: EventReject, Actor: professional, RejectionReason: "r", Now: now}},
		{"professional cannot release", model.StatusApproved, Request{Event: EventRelease, Actor: professional, Now: now}},
		{"client cannot auto approve", model.StatusCompleted, Request{Event: EventAutoApprove, Actor: client, Now: now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(milestoneIn(tt.status), tt.req)
			var validation *ValidationError
			require.True(t, errors.As(err, &validation), "expected ValidationError, got %v", err)
			assert.Equal(t, "actor", validation.Field)
		})
	}
}

func TestNext(t *testing.T) {
	assert.Equal(t, model.StatusInProgress, Next(EventFund))
	assert.Equal(t, model.StatusCompleted, Next(EventSubmit))
	assert.Equal(t, model.StatusApproved, Next(EventApprove))
	assert.Equal(t, model.StatusApproved, Next(EventAutoApprove))
	assert.Equal(t, model.StatusInProgress, Next(EventReject))
	assert.Equal(t, model.StatusReleased, Next(EventRelease))
}

func TestTriggerFor(t *testing.T) {
	assert.Equal(t, model.TriggerClient, TriggerFor(client))
	assert.Equal(t, model.TriggerAutoRelease, TriggerFor(model.SystemActor))
}
