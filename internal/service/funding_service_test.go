package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractsmq "escrowengine/contracts/mq"
	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
)

var testClient = model.Actor{ID: 1, Role: model.RoleClient}

func newFundingFixture() (*fakeStore, *fakeProcessor, *FundingService) {
	store := newFakeStore()
	proc := newFakeProcessor()
	svc := NewFundingService(store, proc, zap.NewNop())
	return store, proc, svc
}

func TestFund_HappyPath(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})

	rec, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(50000), rec.AmountCents)
	assert.Equal(t, "hold-milestone-1", rec.HoldID)

	m := store.get(1)
	assert.Equal(t, model.StatusInProgress, m.Status)
	assert.Equal(t, 1, proc.holdCalls)

	notes := store.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, contractsmq.RoutingKeyMilestoneFunded, notes[0].RoutingKey)
}

func TestFund_RetryIsNoOp(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})

	first, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.NoError(t, err)

	second, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.NoError(t, err)
	assert.Equal(t, first.HoldID, second.HoldID)

	// The retry short-circuits on the existing record without touching the
	// processor again.
	assert.Equal(t, 1, proc.holdCalls)
	assert.Equal(t, model.StatusInProgress, store.get(1).Status)
}

func TestFund_RetryWithDifferentPaymentMethodEscalates(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})

	_, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.NoError(t, err)

	// Same milestone, different card: not a retry of the committed request.
	_, err = svc.Fund(context.Background(), testClient, 1, "pm_card_2")
	var dup *escrow.DuplicateOperationError
	require.True(t, errors.As(err, &dup))
	assert.True(t, dup.Mismatch)

	// The committed funding stands untouched and no second hold was placed.
	assert.Equal(t, 1, proc.holdCalls)
	assert.Empty(t, proc.cancelled)
	assert.Equal(t, model.StatusInProgress, store.get(1).Status)
}

func TestFund_WrongState(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusCompleted})

	_, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	var invalid *escrow.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 0, proc.holdCalls)
	assert.Equal(t, model.StatusCompleted, store.get(1).Status)
}

func TestFund_ProcessorDown(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})
	proc.holdErr = errors.New("connection refused")

	_, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	var unavailable *escrow.ProcessorUnavailableError
	require.True(t, errors.As(err, &unavailable))

	// No state change, no record: the retry starts from scratch.
	assert.Equal(t, model.StatusPending, store.get(1).Status)
	rec, err := store.GetFundingRecord(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFund_CommitFailureCancelsHold(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})
	store.commitFundingHook = func(*fakeStore) error {
		return errors.New("db connection lost")
	}

	_, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.Error(t, err)

	// Compensation: the hold placed before the failed commit was cancelled.
	require.Len(t, proc.cancelled, 1)
	assert.Equal(t, "hold-milestone-1", proc.cancelled[0])
	assert.Equal(t, model.StatusPending, store.get(1).Status)
}

func TestFund_DuplicateCommitWithMatchingHold(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})

	// Simulate losing the commit race to a retried writer that stored the
	// same hold: the record materializes exactly when our commit fails.
	store.commitFundingHook = func(f *fakeStore) error {
		f.funding[1] = &model.EscrowFundingRecord{MilestoneID: 1, HoldID: "hold-milestone-1", AmountCents: 50000}
		return &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: 1}
	}

	rec, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hold-milestone-1", rec.HoldID)
	assert.Empty(t, proc.cancelled)
}

func TestFund_DuplicateCommitMismatchEscalates(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})
	// Duplicate commit with no matching record to reconcile against.
	store.commitFundingHook = func(*fakeStore) error {
		return &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: 1}
	}

	_, err := svc.Fund(context.Background(), testClient, 1, "pm_card_1")
	var dup *escrow.DuplicateOperationError
	require.True(t, errors.As(err, &dup))
	assert.True(t, dup.Mismatch)

	// Our hold must not stay parked at the processor.
	require.Len(t, proc.cancelled, 1)
}

func TestFund_ConcurrentRequestsFundOnce(t *testing.T) {
	store, proc, svc := newFundingFixture()
	store.add(&model.Milestone{ID: 1, ContractID: 1, AmountCents: 50000, Status: model.StatusPending})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Fund(context.Background(), testClient, 1, "pm_card_1")
		}(i)
	}
	wg.Wait()

	// Losers see either the existing record, a stale-state error, or the
	// duplicate resolved as success; nobody double-funds.
	m := store.get(1)
	assert.Equal(t, model.StatusInProgress, m.Status)

	rec, err := store.GetFundingRecord(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hold-milestone-1", rec.HoldID)

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.True(t,
			errors.Is(err, escrow.ErrStaleState) || isInvalidTransition(err),
			"unexpected error: %v", err,
		)
	}
	assert.GreaterOrEqual(t, winners, 1)
	_ = proc // hold count may exceed 1 under racing: the shared key memoizes.
}

func isInvalidTransition(err error) bool {
	var invalid *escrow.InvalidTransitionError
	return errors.As(err, &invalid)
}
