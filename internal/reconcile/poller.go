package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
	"github.com/sparrowinvest/mfengine/pkg/redis"
)

// Tier groups states by how often the exchange is expected to move them
type Tier string

const (
	// TierActive polls minutes-scale states (acknowledgement, payment)
	TierActive Tier = "active"
	// TierSettlement polls hours-scale registrar states
	TierSettlement Tier = "settlement"
)

// defaultLockTTL bounds a crashed worker's hold on a tier
const defaultLockTTL = 5 * time.Minute

var tierOrderStates = map[Tier][]contracts.State{
	TierActive: {
		contracts.OrderSubmitted,
		contracts.OrderPlaced,
		contracts.OrderTwoFactorPending,
		contracts.OrderAuthPending,
		contracts.OrderPaymentPending,
		contracts.OrderPaymentConfirmationPending,
	},
	TierSettlement: {
		contracts.OrderPendingRegistrar,
		contracts.OrderValidatedByRegistrar,
		contracts.OrderAllotmentDone,
	},
}

var tierMandateStates = map[Tier][]contracts.State{
	TierActive:     {contracts.MandateCreated, contracts.MandateSubmitted},
	TierSettlement: {contracts.MandatePendingAuth},
}

// TierOf returns the polling tier of a state, false for states nobody polls
func TierOf(entity contracts.EntityType, s contracts.State) (Tier, bool) {
	table := tierOrderStates
	if entity == contracts.EntityMandate {
		table = tierMandateStates
	}
	for tier, states := range table {
		for _, st := range states {
			if st == s {
				return tier, true
			}
		}
	}
	return "", false
}

// SweepStats summarizes one tier sweep
type SweepStats struct {
	Tier        Tier `json:"tier"`
	Skipped     bool `json:"skipped"` // another worker holds the tier lock
	Candidates  int  `json:"candidates"`
	Attempted   int  `json:"attempted"`
	Advanced    int  `json:"advanced"`
	Unreachable int  `json:"unreachable"`
	Rejected    int  `json:"rejected"`
	Flagged     int  `json:"flagged"`
}

// Poller runs the tiered sweeps over stale entities
// ⭐ SSOT: 주기적 상태 조회는 Poller.Sweep 로만
type Poller struct {
	reconciler *Reconciler
	ledger     *ledger.Ledger
	locker     *redis.Locker
	lockTTL    time.Duration
	queues     map[Tier]*DueQueue
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

// NewPoller creates a poller. locker may be backed by a disabled redis client.
func NewPoller(rec *Reconciler, l *ledger.Ledger, locker *redis.Locker, m *metrics.Metrics, log *logger.Logger) *Poller {
	return &Poller{
		reconciler: rec,
		ledger:     l,
		locker:     locker,
		lockTTL:    defaultLockTTL,
		queues: map[Tier]*DueQueue{
			TierActive:     NewDueQueue(),
			TierSettlement: NewDueQueue(),
		},
		metrics: m,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithLockTTL sets how long a tier lock survives a crashed holder
func (p *Poller) WithLockTTL(d time.Duration) *Poller {
	if d > 0 {
		p.lockTTL = d
	}
	return p
}

// Queue returns the due queue of a tier
func (p *Poller) Queue(tier Tier) *DueQueue {
	return p.queues[tier]
}

// Sweep polls every due entity of one tier.
// Only one worker sweeps a tier at a time; the others return Skipped.
func (p *Poller) Sweep(ctx context.Context, tier Tier) (SweepStats, error) {
	stats := SweepStats{Tier: tier}
	queue, ok := p.queues[tier]
	if !ok {
		return stats, fmt.Errorf("unknown reconcile tier %q", tier)
	}

	lock, err := p.locker.TryAcquire(ctx, "reconcile:"+string(tier), p.lockTTL)
	if err != nil {
		return stats, err
	}
	if lock == nil {
		stats.Skipped = true
		p.logger.WithField("tier", tier).Debug("Tier sweep held by another worker")
		return stats, nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			p.logger.WithError(err).Warn("Failed to release sweep lock")
		}
	}()

	pol := p.reconciler.policy.Get().Reconcile
	stale := pol.StaleActive
	if tier == TierSettlement {
		stale = pol.StaleSettlement
	}

	now := p.now()
	n, err := p.enqueueStale(ctx, tier, queue, stale, pol.BatchSize, now)
	if err != nil {
		return stats, err
	}
	stats.Candidates = n

	for _, it := range queue.PopDue(now, pol.BatchSize) {
		if ctx.Err() != nil {
			// 남은 항목은 다음 스윕에서
			queue.ScheduleIfAbsent(it.Entity, it.ID, now)
			break
		}
		res := p.reconcileOne(ctx, tier, queue, it)
		if res == "" {
			continue
		}
		stats.Attempted++
		switch res {
		case ResultAdvanced:
			stats.Advanced++
		case ResultUnreachable:
			stats.Unreachable++
		case ResultRejected:
			stats.Rejected++
		case ResultFlagged:
			stats.Flagged++
		}
		p.metrics.RecordReconcile(string(tier), string(res))
	}

	p.metrics.SetQueueDepth(string(tier), queue.Len())
	p.logger.WithFields(map[string]interface{}{
		"tier":        tier,
		"candidates":  stats.Candidates,
		"attempted":   stats.Attempted,
		"advanced":    stats.Advanced,
		"unreachable": stats.Unreachable,
		"rejected":    stats.Rejected,
		"flagged":     stats.Flagged,
		"queued":      queue.Len(),
	}).Info("Reconcile sweep completed")

	return stats, ctx.Err()
}

// enqueueStale adds stale rows without touching entries already backing off
func (p *Poller) enqueueStale(ctx context.Context, tier Tier, queue *DueQueue, stale time.Duration, limit int, now time.Time) (int, error) {
	orders, err := p.ledger.FindStaleOrders(ctx, tierOrderStates[tier], stale, limit)
	if err != nil {
		return 0, fmt.Errorf("find stale orders: %w", err)
	}
	mandates, err := p.ledger.FindStaleMandates(ctx, tierMandateStates[tier], stale, limit)
	if err != nil {
		return 0, fmt.Errorf("find stale mandates: %w", err)
	}

	for _, o := range orders {
		queue.ScheduleIfAbsent(contracts.EntityOrder, o.ID, now)
	}
	for _, m := range mandates {
		queue.ScheduleIfAbsent(contracts.EntityMandate, m.ID, now)
	}
	return len(orders) + len(mandates), nil
}

// reconcileOne reloads and polls one entity. Returns "" when the entity left the tier.
func (p *Poller) reconcileOne(ctx context.Context, tier Tier, queue *DueQueue, it dueItem) Result {
	var (
		res      Result
		err      error
		failures int
	)

	switch it.Entity {
	case contracts.EntityOrder:
		o, gerr := p.ledger.GetOrder(ctx, it.ID)
		if gerr != nil || !p.eligible(tier, it.Entity, o.State, o.NeedsManualReview) {
			return ""
		}
		failures = o.ReconcileFailures
		res, err = p.reconciler.ReconcileOrder(ctx, o, "poller")
	case contracts.EntityMandate:
		m, gerr := p.ledger.GetMandate(ctx, it.ID)
		if gerr != nil || !p.eligible(tier, it.Entity, m.State, m.NeedsManualReview) {
			return ""
		}
		failures = m.ReconcileFailures
		res, err = p.reconciler.ReconcileMandate(ctx, m, "poller")
	default:
		return ""
	}

	switch res {
	case ResultUnreachable, ResultRejected:
		record := func() (time.Duration, bool, error) {
			if res == ResultRejected {
				return p.reconciler.RecordRejection(ctx, it.Entity, it.ID, failures)
			}
			return p.reconciler.RecordFailure(ctx, it.Entity, it.ID, failures, err)
		}
		delay, flagged, merr := record()
		if merr != nil {
			p.logger.WithError(merr).WithField("id", it.ID).Error("Failed to record reconcile failure")
			queue.Schedule(it.Entity, it.ID, p.now())
			return res
		}
		if flagged {
			return ResultFlagged
		}
		queue.Schedule(it.Entity, it.ID, p.now().Add(delay))
	case ResultConflict:
		queue.Schedule(it.Entity, it.ID, p.now())
	case ResultError:
		p.logger.WithError(err).WithFields(map[string]interface{}{
			"entity": it.Entity,
			"id":     it.ID,
		}).Error("Reconcile attempt failed locally")
		queue.Schedule(it.Entity, it.ID, p.now().Add(p.reconciler.policy.Get().Reconcile.BackoffInitial))
	case ResultStale:
		// 늦게 도착한 응답: 실패도 성공도 아님
		queue.Remove(it.Entity, it.ID)
	case ResultFlagged:
		queue.Remove(it.Entity, it.ID)
	default:
		if serr := p.reconciler.RecordSuccess(ctx, it.Entity, it.ID, failures); serr != nil {
			p.logger.WithError(serr).WithField("id", it.ID).Warn("Failed to reset reconcile failures")
		}
	}
	return res
}

func (p *Poller) eligible(tier Tier, entity contracts.EntityType, s contracts.State, flagged bool) bool {
	if flagged {
		return false
	}
	t, ok := TierOf(entity, s)
	return ok && t == tier
}

// ExpireMandates moves approved mandates past their end date to EXPIRED
func (p *Poller) ExpireMandates(ctx context.Context) (int, error) {
	batch := p.reconciler.policy.Get().Reconcile.BatchSize
	due, err := p.ledger.FindMandatesExpiring(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("find expiring mandates: %w", err)
	}

	expired := 0
	for _, m := range due {
		_, _, err := p.ledger.ApplyMandateEvent(ctx, m.ID, contracts.Event{
			Kind:            contracts.EventMandateRevoked,
			Target:          contracts.MandateExpired,
			ResponseMessage: "mandate end date passed",
			Source:          "sweep",
		})
		if err != nil {
			p.logger.WithError(err).WithField("mandate_id", m.ID).Warn("Mandate expiry not applied")
			continue
		}
		expired++
	}

	if expired > 0 {
		p.logger.WithField("expired", expired).Info("Expired mandates past end date")
	}
	return expired, nil
}
