package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// AllotmentSyncer applies an exchange settlement statement
type AllotmentSyncer interface {
	SyncAllotments(ctx context.Context, src gateway.AllotmentSource, lookback time.Duration) (reconcile.AllotmentStats, error)
}

// AllotmentSyncJob is the nightly allotment reconciliation for one exchange
type AllotmentSyncJob struct {
	syncer   AllotmentSyncer
	source   gateway.AllotmentSource
	lookback time.Duration
	logger   *logger.Logger
}

// NewAllotmentSyncJob creates the nightly statement sync for source
func NewAllotmentSyncJob(syncer AllotmentSyncer, source gateway.AllotmentSource, lookback time.Duration, log *logger.Logger) *AllotmentSyncJob {
	return &AllotmentSyncJob{
		syncer:   syncer,
		source:   source,
		lookback: lookback,
		logger:   log,
	}
}

// Name returns the job name
func (j *AllotmentSyncJob) Name() string {
	return "allotment_sync_" + strings.ToLower(string(j.source.Exchange()))
}

// Schedule returns the cron schedule (평일 21:00, 정산 파일 반영 이후)
func (j *AllotmentSyncJob) Schedule() string {
	return "0 0 21 * * 1-5"
}

// MaxRetries allows two more statement fetches in the same run
func (j *AllotmentSyncJob) MaxRetries() int {
	return 2
}

// Run executes the statement sync
func (j *AllotmentSyncJob) Run(ctx context.Context) error {
	stats, err := j.syncer.SyncAllotments(ctx, j.source, j.lookback)
	if err != nil {
		return fmt.Errorf("sync %s allotments: %w", j.source.Exchange(), err)
	}

	if stats.Rejected > 0 {
		j.logger.WithFields(map[string]interface{}{
			"exchange": stats.Exchange,
			"rejected": stats.Rejected,
		}).Warn("Allotment entries could not be applied")
	}
	return nil
}
