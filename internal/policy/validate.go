package policy

import (
	"fmt"
	"time"
)

// ValidationError 정책 검증 실패
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks all required constraints
func Validate(p *Policy) error {
	// === Reconcile ===
	if p.Reconcile.MaxFailures < 1 {
		return ValidationError{"reconcile.max_failures", "must be >= 1"}
	}
	if p.Reconcile.MaxRejections < 1 {
		return ValidationError{"reconcile.max_rejections", "must be >= 1"}
	}
	if p.Reconcile.BackoffInitial <= 0 {
		return ValidationError{"reconcile.backoff_initial", "must be > 0"}
	}
	if p.Reconcile.BackoffMax < p.Reconcile.BackoffInitial {
		return ValidationError{"reconcile.backoff_max", "must be >= backoff_initial"}
	}
	if p.Reconcile.StaleActive < time.Second {
		return ValidationError{"reconcile.stale_active", "must be >= 1s"}
	}
	if p.Reconcile.StaleSettlement < p.Reconcile.StaleActive {
		return ValidationError{"reconcile.stale_settlement", "must be >= stale_active"}
	}
	if p.Reconcile.BatchSize < 1 || p.Reconcile.BatchSize > 1000 {
		return ValidationError{"reconcile.batch_size", "must be in [1, 1000]"}
	}

	// === Payment ===
	if p.Payment.MaxFailures < 1 || p.Payment.MaxFailures > 10 {
		return ValidationError{"payment.max_failures", "must be in [1, 10]"}
	}

	return nil
}
