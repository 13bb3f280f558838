package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/gateway"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
)

// AllotmentStats summarizes one statement sync
type AllotmentStats struct {
	Exchange  contracts.Exchange `json:"exchange"`
	Skipped   bool               `json:"skipped"`
	Entries   int                `json:"entries"`
	Applied   int                `json:"applied"`
	Settled   int                `json:"settled"` // already terminal
	Unmatched int                `json:"unmatched"`
	Rejected  int                `json:"rejected"`
}

// SyncAllotments applies the exchange settlement statement of the last
// lookback window. Each entry goes through ApplyOrderStatus, so an order
// still waiting on the registrar is walked to UNITS_TRANSFERRED edge by edge.
func (p *Poller) SyncAllotments(ctx context.Context, src gateway.AllotmentSource, lookback time.Duration) (AllotmentStats, error) {
	stats := AllotmentStats{Exchange: src.Exchange()}

	lock, err := p.locker.TryAcquire(ctx, "allotment:"+string(src.Exchange()), p.lockTTL)
	if err != nil {
		return stats, err
	}
	if lock == nil {
		stats.Skipped = true
		return stats, nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			p.logger.WithError(err).Warn("Failed to release allotment lock")
		}
	}()

	to := p.now()
	entries, err := src.AllotmentStatement(ctx, to.Add(-lookback), to)
	if err != nil {
		return stats, fmt.Errorf("allotment statement: %w", err)
	}
	stats.Entries = len(entries)

	for _, st := range entries {
		if ctx.Err() != nil {
			break
		}
		o, err := p.ledger.FindOrderByExchangeID(ctx, src.Exchange(), st.ExchangeRef)
		if errors.Is(err, contracts.ErrNotFound) {
			// 다른 시스템에서 접수된 주문
			stats.Unmatched++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("find order %s: %w", st.ExchangeRef, err)
		}
		if statemachine.Orders.IsTerminal(o.State) {
			stats.Settled++
			continue
		}

		res, err := p.reconciler.ApplyOrderStatus(ctx, o, st, "allotment_statement")
		if err != nil {
			return stats, fmt.Errorf("apply allotment %s: %w", o.ID, err)
		}
		switch res {
		case ResultAdvanced:
			stats.Applied++
		case ResultRejected:
			stats.Rejected++
			p.logger.WithFields(map[string]interface{}{
				"order_id":          o.ID,
				"exchange_order_id": st.ExchangeRef,
				"state":             o.State,
			}).Warn("Allotment entry not applicable to order")
		}
		p.metrics.RecordReconcile("allotment", string(res))
	}

	p.logger.WithFields(map[string]interface{}{
		"exchange":  stats.Exchange,
		"entries":   stats.Entries,
		"applied":   stats.Applied,
		"settled":   stats.Settled,
		"unmatched": stats.Unmatched,
		"rejected":  stats.Rejected,
	}).Info("Allotment statement synced")

	return stats, ctx.Err()
}
