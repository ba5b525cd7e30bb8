package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
	"escrowengine/internal/processor"
	"escrowengine/internal/repository"
)

// fakeStore is an in-memory MilestoneStore with the same compare-and-swap and
// write-once semantics as the pgx repository, guarded by a mutex so the
// concurrency tests exercise real races.
type fakeStore struct {
	mu sync.Mutex

	milestones map[int64]*model.Milestone
	funding    map[int64]*model.EscrowFundingRecord
	releases   map[int64]*model.EscrowReleaseRecord
	notes      []repository.Notification
	nextID     int64

	// Optional fault injection; hooks run with the lock held before the
	// commit logic, and a non-nil return aborts the commit with that error.
	commitFundingHook func(f *fakeStore) error
	commitReleaseHook func(f *fakeStore) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		milestones: make(map[int64]*model.Milestone),
		funding:    make(map[int64]*model.EscrowFundingRecord),
		releases:   make(map[int64]*model.EscrowReleaseRecord),
		nextID:     1,
	}
}

func (f *fakeStore) add(m *model.Milestone) *model.Milestone {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == 0 {
		m.ID = f.nextID
		f.nextID++
	}
	cp := *m
	f.milestones[m.ID] = &cp
	return m
}

func (f *fakeStore) get(id int64) model.Milestone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.milestones[id]
}

func (f *fakeStore) notifications() []repository.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.Notification, len(f.notes))
	copy(out, f.notes)
	return out
}

func (f *fakeStore) GetMilestone(_ context.Context, id int64) (*model.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return nil, repository.ErrMilestoneNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) Insert(_ context.Context, m *model.Milestone) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	cp := *m
	cp.ID = id
	f.milestones[id] = &cp
	return id, nil
}

func (f *fakeStore) FindByContractID(_ context.Context, contractID int64) ([]model.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Milestone
	for _, m := range f.milestones {
		if m.ContractID == contractID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSubmitted(_ context.Context, id int64, notes string, submittedAt, approvalDeadline time.Time, note repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return repository.ErrMilestoneNotFound
	}
	if m.Status != model.StatusInProgress {
		return escrow.ErrStaleState
	}
	m.Status = model.StatusCompleted
	sa := submittedAt
	m.SubmittedAt = &sa
	m.CompletedDate = &sa
	m.SubmissionNotes = notes
	ad := approvalDeadline
	m.ApprovalDeadline = &ad
	m.AutoReleaseDate = &ad
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) MarkApproved(_ context.Context, id int64, approvedAt time.Time, note repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return repository.ErrMilestoneNotFound
	}
	if m.Status != model.StatusCompleted || m.ApprovedAt != nil {
		return escrow.ErrStaleState
	}
	m.Status = model.StatusApproved
	at := approvedAt
	m.ApprovedAt = &at
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) MarkRejected(_ context.Context, id int64, reason string, rejectedAt time.Time, note repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return repository.ErrMilestoneNotFound
	}
	if m.Status != model.StatusCompleted {
		return escrow.ErrStaleState
	}
	m.Status = model.StatusInProgress
	at := rejectedAt
	m.RejectedAt = &at
	m.RejectionReason = reason
	m.RejectionCount++
	m.SubmittedAt = nil
	m.CompletedDate = nil
	m.SubmissionNotes = ""
	m.ApprovalDeadline = nil
	m.AutoReleaseDate = nil
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) CommitFunding(_ context.Context, rec *model.EscrowFundingRecord, note repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitFundingHook != nil {
		if err := f.commitFundingHook(f); err != nil {
			return err
		}
	}
	if _, exists := f.funding[rec.MilestoneID]; exists {
		return &escrow.DuplicateOperationError{Operation: "funding", MilestoneID: rec.MilestoneID}
	}
	m, ok := f.milestones[rec.MilestoneID]
	if !ok {
		return repository.ErrMilestoneNotFound
	}
	if m.Status != model.StatusPending {
		return escrow.ErrStaleState
	}
	m.Status = model.StatusInProgress
	cp := *rec
	cp.CreatedAt = time.Now().UTC()
	f.funding[rec.MilestoneID] = &cp
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) CommitRelease(_ context.Context, rec *model.EscrowReleaseRecord, releasedAt time.Time, note repository.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitReleaseHook != nil {
		if err := f.commitReleaseHook(f); err != nil {
			return err
		}
	}
	if _, exists := f.releases[rec.MilestoneID]; exists {
		return &escrow.DuplicateOperationError{Operation: "release", MilestoneID: rec.MilestoneID}
	}
	m, ok := f.milestones[rec.MilestoneID]
	if !ok {
		return repository.ErrMilestoneNotFound
	}
	if m.Status != model.StatusApproved {
		return escrow.ErrStaleState
	}
	m.Status = model.StatusReleased
	at := releasedAt
	m.ReleasedAt = &at
	cp := *rec
	cp.CreatedAt = time.Now().UTC()
	f.releases[rec.MilestoneID] = &cp
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) GetFundingRecord(_ context.Context, milestoneID int64) (*model.EscrowFundingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.funding[milestoneID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) GetReleaseRecord(_ context.Context, milestoneID int64) (*model.EscrowReleaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.releases[milestoneID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ListAutoReleasable(_ context.Context, now time.Time, limit int) ([]model.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Milestone
	for _, m := range f.milestones {
		if len(out) >= limit {
			break
		}
		if m.ApprovalDeadline == nil || !now.After(*m.ApprovalDeadline) {
			continue
		}
		lapsedCompleted := m.Status == model.StatusCompleted && m.ApprovedAt == nil
		stuckApproved := m.Status == model.StatusApproved && m.ReleasedAt == nil
		if lapsedCompleted || stuckApproved {
			out = append(out, *m)
		}
	}
	return out, nil
}

// fakeContracts is an in-memory ContractStore.
type fakeContracts struct {
	mu        sync.Mutex
	contracts map[int64]*model.Contract
	store     *fakeStore
	nextID    int64
}

func newFakeContracts(store *fakeStore) *fakeContracts {
	return &fakeContracts{
		contracts: make(map[int64]*model.Contract),
		store:     store,
		nextID:    1,
	}
}

func (f *fakeContracts) Insert(_ context.Context, c *model.Contract) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	cp := *c
	cp.ID = id
	f.contracts[id] = &cp
	return id, nil
}

func (f *fakeContracts) GetByID(_ context.Context, id int64) (*model.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return nil, repository.ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContracts) SumMilestoneAmounts(_ context.Context, contractID int64) (int64, int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var sum int64
	count := 0
	for _, m := range f.store.milestones {
		if m.ContractID == contractID {
			sum += m.AmountCents
			count++
		}
	}
	return sum, count + 1, nil
}

// fakeProcessor implements processor.API with per-key memoization so that a
// repeated idempotency key always resolves to the same hold or transfer,
// mirroring the real processor contract.
type fakeProcessor struct {
	mu sync.Mutex

	holds     map[string]string // idempotency key -> hold id
	transfers map[string]string // idempotency key -> transfer id
	cancelled []string

	holdCalls     int
	releaseCalls  int
	holdErr       error
	releaseErr    error
	cancelHoldErr error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		holds:     make(map[string]string),
		transfers: make(map[string]string),
	}
}

func (f *fakeProcessor) PlaceHold(_ context.Context, key string, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdCalls++
	if f.holdErr != nil {
		return "", f.holdErr
	}
	if id, ok := f.holds[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("hold-%s", key)
	f.holds[key] = id
	return id, nil
}

func (f *fakeProcessor) Release(_ context.Context, key string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	if id, ok := f.transfers[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("transfer-%s", key)
	f.transfers[key] = id
	return id, nil
}

func (f *fakeProcessor) CancelHold(_ context.Context, key string, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelHoldErr != nil {
		return f.cancelHoldErr
	}
	f.cancelled = append(f.cancelled, holdID)
	delete(f.holds, key)
	return nil
}

func (f *fakeProcessor) LookupOperation(_ context.Context, key string) (*processor.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.transfers[key]; ok {
		return &processor.Operation{IdempotencyKey: key, Status: "completed", TransferID: id}, nil
	}
	if id, ok := f.holds[key]; ok {
		return &processor.Operation{IdempotencyKey: key, Status: "completed", HoldID: id}, nil
	}
	return nil, processor.ErrOperationNotFound
}

// fakeClaims implements SweepClaims in memory.
type fakeClaims struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{claimed: make(map[string]bool)}
}

func (f *fakeClaims) AcquireOnce(_ context.Context, scope string, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", scope, id)
	if f.claimed[key] {
		return false
	}
	f.claimed[key] = true
	return true
}

func (f *fakeClaims) Release(_ context.Context, scope string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, fmt.Sprintf("%s:%d", scope, id))
}
