// Package policy holds the tunable reconcile and payment limits.
// The values live in an optional YAML file so operators can change them
// without a deploy; absent fields keep the environment defaults.
package policy

import (
	"sync/atomic"
	"time"

	"github.com/sparrowinvest/mfengine/pkg/config"
)

// Policy is the full tunable set
type Policy struct {
	Reconcile Reconcile `yaml:"reconcile" json:"reconcile"`
	Payment   Payment   `yaml:"payment" json:"payment"`
}

// Reconcile governs polling backoff and the manual-review ceiling
type Reconcile struct {
	// MaxFailures consecutive unreachable polls before NeedsManualReview.
	// 40 at the capped 2h interval spans about three business days.
	// MaxRejections is the same ceiling for polls whose status the table refuses.
	MaxFailures     int           `yaml:"max_failures" json:"max_failures"`
	MaxRejections   int           `yaml:"max_rejections" json:"max_rejections"`
	BackoffInitial  time.Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max" json:"backoff_max"`
	StaleActive     time.Duration `yaml:"stale_active" json:"stale_active"`
	StaleSettlement time.Duration `yaml:"stale_settlement" json:"stale_settlement"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
}

// Payment governs the payment retry branch
type Payment struct {
	// MaxFailures failed payment attempts before the order is FAILED
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
}

// Default builds the policy from environment config
func Default(cfg *config.Config) Policy {
	p := Policy{
		Reconcile: Reconcile{
			MaxFailures:     40,
			MaxRejections:   10,
			BackoffInitial:  cfg.Reconcile.BackoffInitial,
			BackoffMax:      cfg.Reconcile.BackoffMax,
			StaleActive:     cfg.Reconcile.StaleActive,
			StaleSettlement: cfg.Reconcile.StaleSettlement,
			BatchSize:       cfg.Reconcile.BatchSize,
		},
		Payment: Payment{MaxFailures: cfg.Payment.MaxFailures},
	}
	if p.Payment.MaxFailures <= 0 {
		p.Payment.MaxFailures = 3
	}
	return p
}

// Store holds the current policy for concurrent readers
// ⭐ SSOT: 실행 중 정책 조회는 Store.Get() 으로만
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a store holding p
func NewStore(p Policy) *Store {
	s := &Store{}
	s.current.Store(&p)
	return s
}

// Get returns a copy of the current policy
func (s *Store) Get() Policy {
	return *s.current.Load()
}

// Set replaces the policy (already validated)
func (s *Store) Set(p Policy) {
	s.current.Store(&p)
}
