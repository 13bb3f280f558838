package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Sweeper runs one reconcile pass over a tier
type Sweeper interface {
	Sweep(ctx context.Context, tier reconcile.Tier) (reconcile.SweepStats, error)
}

// ReconcileJob sweeps one tier of the due queue
// ⭐ SSOT: 폴링 주기는 이 Job 의 interval 로만 결정
type ReconcileJob struct {
	sweeper  Sweeper
	tier     reconcile.Tier
	interval time.Duration
	logger   *logger.Logger
}

// NewReconcileJob creates a sweep job for tier running every interval
func NewReconcileJob(sweeper Sweeper, tier reconcile.Tier, interval time.Duration, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{
		sweeper:  sweeper,
		tier:     tier,
		interval: interval,
		logger:   log,
	}
}

// Name returns the job name
func (j *ReconcileJob) Name() string {
	return "reconcile_" + string(j.tier)
}

// Schedule returns the cron schedule
func (j *ReconcileJob) Schedule() string {
	return fmt.Sprintf("@every %s", j.interval)
}

// MaxRetries: the next tick is the retry
func (j *ReconcileJob) MaxRetries() int {
	return 0
}

// Run executes one sweep
func (j *ReconcileJob) Run(ctx context.Context) error {
	stats, err := j.sweeper.Sweep(ctx, j.tier)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", j.tier, err)
	}

	if stats.Flagged > 0 {
		j.logger.WithFields(map[string]interface{}{
			"tier":    j.tier,
			"flagged": stats.Flagged,
		}).Warn("Entities moved to manual review")
	}

	return nil
}
