package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowengine/internal/escrow"
	"escrowengine/internal/model"
	"escrowengine/pkg/metrics"
	"escrowengine/pkg/util"
)

const scannerClaimScope = "auto_release"

// SweepClaims is the per-milestone claim store the scanner uses to divide
// work between instances. Satisfied by *util.Deduper.
type SweepClaims interface {
	AcquireOnce(ctx context.Context, scope string, id int64) bool
	Release(ctx context.Context, scope string, id int64)
}

// AttemptCounter tracks how many sweeps have failed on a milestone, so a
// poison item stops being retried every tick. Satisfied by *util.RetryCounter.
type AttemptCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadlineScanner sweeps for completed milestones whose approval deadline has
// lapsed and pushes them through auto-approve and release. Each milestone is
// claimed in redis before processing so concurrently running scanner
// instances divide the work; the database CAS and the unique release-record
// constraint remain the guards that make duplicate processing harmless.
type DeadlineScanner struct {
	store      MilestoneStore
	milestones *MilestoneService
	releases   *ReleaseService
	claims     SweepClaims
	attempts   AttemptCounter
	maxRetries int64
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
}

func NewDeadlineScanner(
	store MilestoneStore,
	milestones *MilestoneService,
	releases *ReleaseService,
	claims SweepClaims,
	interval time.Duration,
	batchSize int,
	logger *zap.Logger,
) *DeadlineScanner {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DeadlineScanner{
		store:      store,
		milestones: milestones,
		releases:   releases,
		claims:     claims,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// WithRetryBudget bounds how many failed sweeps a single milestone gets
// before it is parked for manual follow-up.
func (s *DeadlineScanner) WithRetryBudget(attempts AttemptCounter, maxRetries int64) *DeadlineScanner {
	s.attempts = attempts
	s.maxRetries = maxRetries
	return s
}

// Run executes a sweep immediately and then on every tick until ctx is
// cancelled. Blocks; run in a goroutine.
func (s *DeadlineScanner) Run(ctx context.Context) {
	s.logger.Info("Starting approval deadline scanner",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("Initial deadline sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Approval deadline scanner stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("Deadline sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep processes every lapsed milestone independently: one failure is logged
// and skipped, never aborting the rest of the batch.
func (s *DeadlineScanner) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RecordScannerSweep(time.Since(start))
	}()

	lapsed, err := s.store.ListAutoReleasable(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list lapsed milestones", zap.Error(err))
		return err
	}

	if len(lapsed) == 0 {
		s.logger.Debug("No lapsed milestones found")
		return nil
	}

	released := 0
	for _, m := range lapsed {
		if !s.claims.AcquireOnce(ctx, scannerClaimScope, m.ID) {
			continue
		}

		if err := s.processOne(ctx, m); err != nil {
			metrics.RecordAutoRelease("error")
			s.logger.Error("Auto-release failed",
				zap.Int64("milestone_id", m.ID),
				zap.Error(err),
			)
			if s.budgetExhausted(ctx, m.ID) {
				// Keep the claim until its TTL lapses; the item is parked
				// instead of failing on every tick.
				continue
			}
			// Drop the claim so the next sweep retries this milestone.
			s.claims.Release(ctx, scannerClaimScope, m.ID)
			continue
		}

		if s.attempts != nil {
			_ = s.attempts.Reset(ctx, util.FormatRetryKey(scannerClaimScope, m.ID))
		}
		released++
		metrics.RecordAutoRelease("ok")
	}

	s.logger.Info("Deadline sweep completed",
		zap.Int("lapsed", len(lapsed)),
		zap.Int("released", released),
	)
	return nil
}

// budgetExhausted counts a failed attempt and reports whether the milestone
// has used up its retry budget.
func (s *DeadlineScanner) budgetExhausted(ctx context.Context, milestoneID int64) bool {
	if s.attempts == nil {
		return false
	}
	count, err := s.attempts.IncrementAndGet(ctx, util.FormatRetryKey(scannerClaimScope, milestoneID))
	if err != nil {
		// Counting unavailable: keep retrying rather than silently parking.
		return false
	}
	if count > s.maxRetries {
		s.logger.Error("Auto-release retry budget exhausted, parking milestone",
			zap.Int64("milestone_id", milestoneID),
			zap.Int64("attempts", count),
		)
		return true
	}
	return false
}

func (s *DeadlineScanner) processOne(ctx context.Context, m model.Milestone) error {
	if m.Status == model.StatusCompleted {
		if err := s.milestones.AutoApprove(ctx, m.ID); err != nil {
			// A reject got there first; nothing left to do this sweep.
			var invalid *escrow.InvalidTransitionError
			if errors.As(err, &invalid) || errors.Is(err, escrow.ErrStaleState) {
				s.logger.Info("Milestone changed before auto-approval, skipping",
					zap.Int64("milestone_id", m.ID),
				)
				return nil
			}
			return err
		}
	}

	_, err := s.releases.Release(ctx, model.SystemActor, m.ID)
	return err
}
