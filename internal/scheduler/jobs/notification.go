package jobs

import (
	"context"
	"fmt"

	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Resender redelivers notifications the async path lost
type Resender interface {
	Run(ctx context.Context) (int, error)
}

// NotificationReconcileJob retries undelivered state-change notifications
type NotificationReconcileJob struct {
	resender Resender
	logger   *logger.Logger
}

// NewNotificationReconcileJob creates a new notification reconcile job
func NewNotificationReconcileJob(r Resender, log *logger.Logger) *NotificationReconcileJob {
	return &NotificationReconcileJob{resender: r, logger: log}
}

// Name returns the job name
func (j *NotificationReconcileJob) Name() string {
	return "notification_reconcile"
}

// Schedule returns the cron schedule (every 5 minutes)
func (j *NotificationReconcileJob) Schedule() string {
	return "0 */5 * * * *"
}

// MaxRetries is zero; the next tick resends
func (j *NotificationReconcileJob) MaxRetries() int {
	return 0
}

// Run executes the resend pass
func (j *NotificationReconcileJob) Run(ctx context.Context) error {
	sent, err := j.resender.Run(ctx)
	if err != nil {
		return fmt.Errorf("resend notifications: %w", err)
	}

	if sent > 0 {
		j.logger.WithField("sent", sent).Info("Redelivered missed notifications")
	}
	return nil
}
