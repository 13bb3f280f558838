// Package reconcile bridges the asynchrony gap with the exchanges: it submits
// new entities, polls stale ones and applies normalized results through the ledger.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/internal/policy"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

// Result is the outcome of one reconcile attempt
type Result string

const (
	ResultAdvanced    Result = "advanced"    // a transition was recorded
	ResultUnchanged   Result = "unchanged"   // exchange reports the current state
	ResultStale       Result = "stale"       // response older than the last transition
	ResultRejected    Result = "rejected"    // state machine refused the mapped event
	ResultConflict    Result = "conflict"    // lost a race, retry soon
	ResultUnreachable Result = "unreachable" // transport failure, backoff
	ResultFlagged     Result = "flagged"     // needs manual review
	ResultError       Result = "error"       // local failure (store), not counted against the gateway
)

// Reconciler talks to the gateways on behalf of the ledger
// ⭐ SSOT: 거래소 응답 → 원장 반영 경로는 여기 하나
type Reconciler struct {
	ledger   *ledger.Ledger
	gateways *gateway.Registry
	policy   *policy.Store
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// New creates a reconciler
func New(l *ledger.Ledger, gateways *gateway.Registry, p *policy.Store, m *metrics.Metrics, log *logger.Logger) *Reconciler {
	return &Reconciler{
		ledger:   l,
		gateways: gateways,
		policy:   p,
		metrics:  m,
		logger:   log,
	}
}

// ======================================
// Submission
// ======================================

// SubmitOrder sends a SUBMITTED order to its exchange and records the answer.
// A transport failure leaves the order SUBMITTED for the active tier to resubmit.
func (r *Reconciler) SubmitOrder(ctx context.Context, o *contracts.Order, source string) (*contracts.Order, error) {
	updated, _, err := r.submitOrder(ctx, o, source)
	return updated, err
}

// submitOrder reports whether the order was flagged for an ack that arrived after it ended
func (r *Reconciler) submitOrder(ctx context.Context, o *contracts.Order, source string) (*contracts.Order, bool, error) {
	client, err := r.gateways.Get(o.Exchange)
	if err != nil {
		return o, false, err
	}

	res, err := client.SubmitOrder(ctx, o)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"order_id": o.ID,
			"exchange": o.Exchange,
		}).Warn("Order submission failed, left for reconcile")
		return o, false, err
	}

	updated, _, err := r.ledger.ApplyOrderEvent(ctx, o.ID, gateway.SubmitEvent(res, source))
	if err != nil && res.Accepted && errors.Is(err, contracts.ErrAlreadyTerminal) {
		return updated, r.flagOrphanAck(ctx, o, res.ExchangeRef), err
	}
	return updated, false, err
}

// flagOrphanAck marks an order that ended locally (cancelled before the ack
// arrived) while the exchange still holds a live order for it.
func (r *Reconciler) flagOrphanAck(ctx context.Context, o *contracts.Order, exchangeRef string) bool {
	log := r.logger.WithFields(map[string]interface{}{
		"order_id":     o.ID,
		"exchange":     o.Exchange,
		"exchange_ref": exchangeRef,
	})
	if err := r.ledger.MarkReconcile(ctx, contracts.EntityOrder, o.ID, o.ReconcileFailures, true); err != nil {
		log.WithError(err).Error("Failed to flag order acknowledged after it ended")
		return false
	}
	log.Error("Exchange acknowledged an order that already ended, flagged for manual review")
	return true
}

// SubmitMandate sends a CREATED mandate to its exchange
func (r *Reconciler) SubmitMandate(ctx context.Context, m *contracts.Mandate, source string) (*contracts.Mandate, error) {
	client, err := r.gateways.Get(m.Exchange)
	if err != nil {
		return m, err
	}

	res, err := client.SubmitMandate(ctx, m)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"mandate_id": m.ID,
			"exchange":   m.Exchange,
		}).Warn("Mandate submission failed, left for reconcile")
		return m, err
	}

	ev := gateway.SubmitEvent(res, source)
	if !res.Accepted {
		ev.Target = contracts.MandateRejected
	}
	updated, _, err := r.ledger.ApplyMandateEvent(ctx, m.ID, ev)
	return updated, err
}

// ======================================
// Status reconciliation
// ======================================

// ReconcileOrder polls one order and applies the result.
// Orders still SUBMITTED without an exchange id are resubmitted under the
// same reference, so the exchange deduplicates a lost first attempt.
func (r *Reconciler) ReconcileOrder(ctx context.Context, o *contracts.Order, source string) (Result, error) {
	if o.State == contracts.OrderSubmitted && o.ExchangeOrderID == "" {
		updated, flagged, err := r.submitOrder(ctx, o, source)
		if flagged {
			return ResultFlagged, nil
		}
		return r.classify(updated != nil && updated.Version != o.Version, err)
	}

	client, err := r.gateways.Get(o.Exchange)
	if err != nil {
		return r.classify(false, err)
	}
	if o.ExchangeOrderID == "" {
		// 거래소 ID 없이 SUBMITTED 이후 단계: 조회 불가
		return ResultUnchanged, nil
	}

	st, err := client.QueryOrderStatus(ctx, o.ExchangeOrderID)
	if err != nil {
		return r.classify(false, err)
	}
	return r.ApplyOrderStatus(ctx, o, st, source)
}

// ApplyOrderStatus maps a normalized status (poll or webhook) onto the order
func (r *Reconciler) ApplyOrderStatus(ctx context.Context, o *contracts.Order, st *gateway.StatusResult, source string) (Result, error) {
	if !st.ReportedAt.IsZero() && st.ReportedAt.Before(o.UpdatedAt) {
		r.logger.WithFields(map[string]interface{}{
			"order_id":    o.ID,
			"reported_at": st.ReportedAt,
			"updated_at":  o.UpdatedAt,
		}).Debug("Ignoring status older than last transition")
		return ResultStale, nil
	}

	if st.AckOnly {
		refined := *st
		refined.State = gateway.AckStage(o)
		st = &refined
	}

	events, ok := gateway.OrderEvents(o.State, st, source)
	if !ok {
		return ResultUnchanged, nil
	}

	advanced := false
	for _, ev := range events {
		_, out, err := r.ledger.ApplyOrderEvent(ctx, o.ID, ev)
		if err != nil {
			if advanced {
				// 일부 단계만 반영됨: 나머지는 다음 조회에서
				r.logger.WithError(err).WithFields(map[string]interface{}{
					"order_id": o.ID,
					"target":   st.State,
				}).Warn("Status walk stopped part way")
				return ResultAdvanced, nil
			}
			return r.classify(false, err)
		}
		advanced = advanced || !out.NoOp
	}
	return r.classify(advanced, nil)
}

// ReconcileMandate polls one mandate and applies the result
func (r *Reconciler) ReconcileMandate(ctx context.Context, m *contracts.Mandate, source string) (Result, error) {
	if m.State == contracts.MandateCreated && m.ExchangeMandateID == "" {
		updated, err := r.SubmitMandate(ctx, m, source)
		return r.classify(updated != nil && updated.Version != m.Version, err)
	}

	client, err := r.gateways.Get(m.Exchange)
	if err != nil {
		return r.classify(false, err)
	}
	if m.ExchangeMandateID == "" {
		return ResultUnchanged, nil
	}

	st, err := client.QueryMandateStatus(ctx, m.ExchangeMandateID)
	if err != nil {
		return r.classify(false, err)
	}
	if !st.ReportedAt.IsZero() && st.ReportedAt.Before(m.UpdatedAt) {
		return ResultStale, nil
	}

	ev, ok := gateway.EventFromStatus(contracts.EntityMandate, m.State, st, source)
	if !ok {
		return ResultUnchanged, nil
	}

	_, out, err := r.ledger.ApplyMandateEvent(ctx, m.ID, ev)
	return r.classify(err == nil && !out.NoOp, err)
}

// classify folds an attempt into a Result. Only transport failures are errors
// for the caller; state machine refusals mean the gateway answered.
func (r *Reconciler) classify(advanced bool, err error) (Result, error) {
	if err == nil {
		if advanced {
			return ResultAdvanced, nil
		}
		return ResultUnchanged, nil
	}

	var te *contracts.TransitionError
	switch {
	case errors.Is(err, contracts.ErrConflict):
		return ResultConflict, nil
	case errors.Is(err, contracts.ErrStaleEvent):
		return ResultStale, nil
	case errors.Is(err, contracts.ErrAlreadyTerminal):
		// 다른 경로가 먼저 종결시킴: 더 이상 조회 대상 아님
		return ResultUnchanged, nil
	case errors.As(err, &te):
		return ResultRejected, nil
	case contracts.IsRetriable(err):
		return ResultUnreachable, err
	}
	return ResultError, err
}

// ======================================
// Failure accounting
// ======================================

// RecordFailure counts an unreachable attempt and flags the entity at the
// policy ceiling. Returns the delay before the next attempt.
func (r *Reconciler) RecordFailure(ctx context.Context, entity contracts.EntityType, id string, failuresBefore int, cause error) (time.Duration, bool, error) {
	return r.recordFailure(ctx, entity, id, failuresBefore, r.policy.Get().Reconcile.MaxFailures, cause)
}

// RecordRejection counts a poll whose answer the state machine refused.
// An exchange status that can never be applied ends in manual review
// after MaxRejections polls instead of being polled forever.
func (r *Reconciler) RecordRejection(ctx context.Context, entity contracts.EntityType, id string, failuresBefore int) (time.Duration, bool, error) {
	return r.recordFailure(ctx, entity, id, failuresBefore, r.policy.Get().Reconcile.MaxRejections, errRejectedStatus)
}

var errRejectedStatus = errors.New("exchange status not applicable to current state")

func (r *Reconciler) recordFailure(ctx context.Context, entity contracts.EntityType, id string, failuresBefore, limit int, cause error) (time.Duration, bool, error) {
	p := r.policy.Get().Reconcile
	failures := failuresBefore + 1
	flag := failures >= limit

	if err := r.ledger.MarkReconcile(ctx, entity, id, failures, flag); err != nil {
		return 0, false, err
	}

	log := r.logger.WithFields(map[string]interface{}{
		"entity":   entity,
		"id":       id,
		"failures": failures,
	})
	if cause != nil {
		log = log.WithError(cause)
	}
	if flag {
		log.Error("Reconcile failure ceiling reached, flagged for manual review")
		return 0, true, nil
	}

	delay := RetryDelay(p, failures)
	log.WithField("next_in", delay).Warn("Reconcile attempt failed")
	return delay, false, nil
}

// RecordSuccess clears the failure counter after a reachable attempt
func (r *Reconciler) RecordSuccess(ctx context.Context, entity contracts.EntityType, id string, failuresBefore int) error {
	if failuresBefore == 0 {
		return nil
	}
	return r.ledger.MarkReconcile(ctx, entity, id, 0, false)
}

// RetryDelay is the capped exponential delay after n consecutive failures
func RetryDelay(p policy.Reconcile, failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffInitial
	b.MaxInterval = p.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < failures; i++ {
		delay = b.NextBackOff()
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return delay
}
