package jobs

import (
	"context"
	"fmt"

	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Expirer moves APPROVED mandates past their end date to EXPIRED
type Expirer interface {
	ExpireMandates(ctx context.Context) (int, error)
}

// MandateExpiryJob runs the daily expiry sweep
type MandateExpiryJob struct {
	expirer Expirer
	logger  *logger.Logger
}

// NewMandateExpiryJob creates a new mandate expiry job
func NewMandateExpiryJob(e Expirer, log *logger.Logger) *MandateExpiryJob {
	return &MandateExpiryJob{expirer: e, logger: log}
}

// Name returns the job name
func (j *MandateExpiryJob) Name() string {
	return "mandate_expiry"
}

// Schedule returns the cron schedule (00:30 daily, after the date rolls)
func (j *MandateExpiryJob) Schedule() string {
	return "0 30 0 * * *"
}

// Run executes the expiry sweep
func (j *MandateExpiryJob) Run(ctx context.Context) error {
	j.logger.Info("Starting mandate expiry sweep")

	n, err := j.expirer.ExpireMandates(ctx)
	if err != nil {
		return fmt.Errorf("expire mandates: %w", err)
	}

	j.logger.WithField("expired", n).Info("Mandate expiry sweep completed")
	return nil
}
