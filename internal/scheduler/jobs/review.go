package jobs

import (
	"context"
	"fmt"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// FlaggedFinder lists NeedsManualReview entities (and refreshes the gauge)
type FlaggedFinder interface {
	FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error)
}

// ReviewReportJob logs the manual-review backlog and keeps the gauge current
type ReviewReportJob struct {
	finder FlaggedFinder
	logger *logger.Logger
}

// NewReviewReportJob creates a new review report job
func NewReviewReportJob(f FlaggedFinder, log *logger.Logger) *ReviewReportJob {
	return &ReviewReportJob{finder: f, logger: log}
}

// Name returns the job name
func (j *ReviewReportJob) Name() string {
	return "review_report"
}

// Schedule returns the cron schedule (hourly)
func (j *ReviewReportJob) Schedule() string {
	return "0 0 * * * *"
}

// Run counts flagged entities per type
func (j *ReviewReportJob) Run(ctx context.Context) error {
	counts := make(map[string]interface{}, 2)
	total := 0
	for _, entity := range []contracts.EntityType{contracts.EntityOrder, contracts.EntityMandate} {
		items, err := j.finder.FindFlagged(ctx, entity)
		if err != nil {
			return fmt.Errorf("find flagged %s: %w", entity, err)
		}
		counts[string(entity)] = len(items)
		total += len(items)
	}

	if total > 0 {
		j.logger.WithFields(counts).Warn("Manual review backlog")
	}
	return nil
}
