/**
 * @description
 * Cron-driven ledger reconciliation. The job cross-checks every account's
 * balance against the summed audit deltas and its invited_count against the
 * relationship records, and reports drift at error severity. It is strictly
 * read-only: drift means a bug or out-of-band edit, and silently "fixing up"
 * state would only mask the root cause.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/advisoryhq/credit-service/internal/store"
)

const driftReportLimit = 100

// Reconciler runs the periodic ledger consistency check.
type Reconciler struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(repo store.Repository, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger}
}

// VerifyLedgerConsistency is the cron job body.
func (r *Reconciler) VerifyLedgerConsistency() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	started := time.Now()
	drift, err := r.repo.FindLedgerDrift(ctx, driftReportLimit)
	if err != nil {
		r.logger.Error("ledger reconciliation failed", "error", err)
		return
	}

	if len(drift) == 0 {
		r.logger.Info("ledger reconciliation clean", "duration", time.Since(started).String())
		return
	}

	for _, d := range drift {
		r.logger.Error("ledger drift detected",
			"account_id", d.AccountID,
			"balance", d.Balance,
			"ledger_sum", d.LedgerSum,
			"invited_count", d.InvitedCount,
			"relationships", d.Relationships,
		)
	}
	r.logger.Error("ledger reconciliation found drift", "accounts", len(drift), "duration", time.Since(started).String())
}

// Scheduler manages the reconciliation cron job.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *slog.Logger
	schedule   string
}

// NewScheduler creates a scheduler running the reconciler on the given cron
// schedule.
func NewScheduler(reconciler *Reconciler, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		schedule:   schedule,
	}
}

// Start registers the job and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.reconciler.VerifyLedgerConsistency); err != nil {
		s.logger.Error("failed to schedule ledger reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled ledger reconciliation job", "schedule", s.schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
