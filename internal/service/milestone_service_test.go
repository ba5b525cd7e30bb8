package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
)

var testProfessional = model.Actor{ID: 2, Role: model.RoleProfessional}

func newMilestoneFixture(window time.Duration) (*fakeStore, *fakeContracts, *MilestoneService) {
	store := newFakeStore()
	contracts := newFakeContracts(store)
	svc := NewMilestoneService(store, contracts, window, zap.NewNop())
	return store, contracts, svc
}

func activeContract(contracts *fakeContracts, totalCents int64) int64 {
	id, _ := contracts.Insert(context.Background(), &model.Contract{
		ClientID:         testClient.ID,
		ProfessionalID:   testProfessional.ID,
		Title:            "Kitchen remodel",
		TotalAmountCents: totalCents,
		Status:           model.ContractActive,
	})
	return id
}

func TestCreateContract_Validation(t *testing.T) {
	_, _, svc := newMilestoneFixture(0)

	_, err := svc.CreateContract(context.Background(), testProfessional, &model.Contract{TotalAmountCents: 1000, ProfessionalID: 9})
	var validation *escrow.ValidationError
	require.True(t, errors.As(err, &validation))

	_, err = svc.CreateContract(context.Background(), testClient, &model.Contract{TotalAmountCents: 0, ProfessionalID: 9})
	require.True(t, errors.As(err, &validation))

	_, err = svc.CreateContract(context.Background(), testClient, &model.Contract{TotalAmountCents: 1000, ClientID: 1, ProfessionalID: 1})
	require.True(t, errors.As(err, &validation))

	id, err := svc.CreateContract(context.Background(), testClient, &model.Contract{TotalAmountCents: 1000, ClientID: 1, ProfessionalID: 9, Status: model.ContractActive})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestAddMilestone_AssignsSequentialNumbers(t *testing.T) {
	_, contracts, svc := newMilestoneFixture(0)
	contractID := activeContract(contracts, 100000)

	first, err := svc.AddMilestone(context.Background(), testClient, &model.Milestone{ContractID: contractID, Title: "Demolition", AmountCents: 30000})
	require.NoError(t, err)
	assert.Equal(t, 1, first.MilestoneNumber)
	assert.Equal(t, model.StatusPending, first.Status)

	second, err := svc.AddMilestone(context.Background(), testClient, &model.Milestone{ContractID: contractID, Title: "Cabinets", AmountCents: 30000})
	require.NoError(t, err)
	assert.Equal(t, 2, second.MilestoneNumber)
}

func TestAddMilestone_RejectsOverBudget(t *testing.T) {
	_, contracts, svc := newMilestoneFixture(0)
	contractID := activeContract(contracts, 50000)

	_, err := svc.AddMilestone(context.Background(), testClient, &model.Milestone{ContractID: contractID, Title: "Demolition", AmountCents: 30000})
	require.NoError(t, err)

	_, err = svc.AddMilestone(context.Background(), testClient, &model.Milestone{ContractID: contractID, Title: "Cabinets", AmountCents: 30000})
	var validation *escrow.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "amount_cents", validation.Field)
}

func TestAddMilestone_OnlyContractClient(t *testing.T) {
	_, contracts, svc := newMilestoneFixture(0)
	contractID := activeContract(contracts, 50000)

	stranger := model.Actor{ID: 77, Role: model.RoleClient}
	_, err := svc.AddMilestone(context.Background(), stranger, &model.Milestone{ContractID: contractID, Title: "Demolition", AmountCents: 10000})
	var validation *escrow.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "actor", validation.Field)
}

func TestSubmit_StartsApprovalWindow(t *testing.T) {
	store, _, svc := newMilestoneFixture(72 * time.Hour)
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusInProgress})

	before := time.Now().UTC()
	err := svc.Submit(context.Background(), testProfessional, 1, "photos attached")
	require.NoError(t, err)

	m := store.get(1)
	assert.Equal(t, model.StatusCompleted, m.Status)
	assert.Equal(t, "photos attached", m.SubmissionNotes)
	require.NotNil(t, m.SubmittedAt)
	require.NotNil(t, m.ApprovalDeadline)
	assert.WithinDuration(t, before.Add(72*time.Hour), *m.ApprovalDeadline, 5*time.Second)
}

func TestSubmit_RequiresInProgress(t *testing.T) {
	store, _, svc := newMilestoneFixture(0)
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusPending})

	err := svc.Submit(context.Background(), testProfessional, 1, "")
	var invalid *escrow.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestReject_RequiresReason(t *testing.T) {
	store, _, svc := newMilestoneFixture(0)
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusCompleted})

	err := svc.Reject(context.Background(), testClient, 1, "")
	var validation *escrow.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "rejection_reason", validation.Field)
}

func TestReject_ClearsSubmissionAndAllowsResubmit(t *testing.T) {
	store, _, svc := newMilestoneFixture(24 * time.Hour)
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusInProgress})

	require.NoError(t, svc.Submit(context.Background(), testProfessional, 1, "round one"))
	require.NoError(t, svc.Reject(context.Background(), testClient, 1, "tiles are crooked"))

	m := store.get(1)
	assert.Equal(t, model.StatusInProgress, m.Status)
	assert.Equal(t, "tiles are crooked", m.RejectionReason)
	assert.Equal(t, 1, m.RejectionCount)
	assert.Nil(t, m.SubmittedAt)
	assert.Nil(t, m.CompletedDate)
	assert.Nil(t, m.ApprovalDeadline)
	assert.Empty(t, m.SubmissionNotes)

	// Full rework cycle: resubmit, reject again, count keeps climbing.
	require.NoError(t, svc.Submit(context.Background(), testProfessional, 1, "round two"))
	require.NoError(t, svc.Reject(context.Background(), testClient, 1, "still crooked"))
	assert.Equal(t, 2, store.get(1).RejectionCount)

	// Third submission finally approved.
	require.NoError(t, svc.Submit(context.Background(), testProfessional, 1, "round three"))
	require.NoError(t, svc.Approve(context.Background(), testClient, 1))
	assert.Equal(t, model.StatusApproved, store.get(1).Status)
}

func TestApprove_OnlyFromCompleted(t *testing.T) {
	store, _, svc := newMilestoneFixture(0)
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusInProgress})

	err := svc.Approve(context.Background(), testClient, 1)
	var invalid *escrow.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestAutoApprove_OnlyAfterDeadline(t *testing.T) {
	store, _, svc := newMilestoneFixture(0)
	future := time.Now().UTC().Add(time.Hour)
	m := &model.Milestone{ID: 1, ContractID: 1, AmountCents: 10000, Status: model.StatusCompleted, ApprovalDeadline: &future}
	store.add(m)

	err := svc.AutoApprove(context.Background(), 1)
	var validation *escrow.ValidationError
	require.True(t, errors.As(err, &validation))

	past := time.Now().UTC().Add(-time.Hour)
	store.mu.Lock()
	store.milestones[1].ApprovalDeadline = &past
	store.mu.Unlock()

	require.NoError(t, svc.AutoApprove(context.Background(), 1))
	assert.Equal(t, model.StatusApproved, store.get(1).Status)
}
