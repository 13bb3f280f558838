package notify

import (
	"context"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/ledger"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// Resender re-dispatches entities sitting in a notifiable state whose
// notification never reached the sink
type Resender struct {
	ledger     *ledger.Ledger
	dispatcher *Dispatcher
	logger     *logger.Logger
	grace      time.Duration
	batch      int
}

// NewResender creates a resender. grace keeps it from racing fresh dispatches.
func NewResender(l *ledger.Ledger, d *Dispatcher, log *logger.Logger, grace time.Duration, batch int) *Resender {
	return &Resender{ledger: l, dispatcher: d, logger: log, grace: grace, batch: batch}
}

// Run delivers one batch per entity type and returns how many were sent
func (r *Resender) Run(ctx context.Context) (int, error) {
	sent := 0
	for _, entity := range []contracts.EntityType{contracts.EntityOrder, contracts.EntityMandate} {
		ids, err := r.ledger.FindUnnotified(ctx, entity, r.grace, r.batch)
		if err != nil {
			return sent, err
		}
		for _, id := range ids {
			n, err := r.notification(ctx, entity, id)
			if err != nil {
				r.logger.WithError(err).WithField("id", id).Warn("Skipping unnotified entity")
				continue
			}
			if err := r.dispatcher.Deliver(ctx, n); err == nil {
				sent++
			}
		}
	}

	if sent > 0 {
		r.logger.WithField("sent", sent).Info("Re-dispatched unnotified states")
	}
	return sent, nil
}

func (r *Resender) notification(ctx context.Context, entity contracts.EntityType, id string) (contracts.Notification, error) {
	if entity == contracts.EntityMandate {
		m, err := r.ledger.GetMandate(ctx, id)
		if err != nil {
			return contracts.Notification{}, err
		}
		return contracts.Notification{
			Entity: entity, ID: m.ID, ClientID: m.ClientID, State: m.State, Version: m.Version,
			ResponseCode: m.ResponseCode, ResponseMessage: m.ResponseMessage, OccurredAt: m.UpdatedAt,
		}, nil
	}

	o, err := r.ledger.GetOrder(ctx, id)
	if err != nil {
		return contracts.Notification{}, err
	}
	return contracts.Notification{
		Entity: entity, ID: o.ID, ClientID: o.ClientID, State: o.State, Version: o.Version,
		ResponseCode: o.ResponseCode, ResponseMessage: o.ResponseMessage, OccurredAt: o.UpdatedAt,
	}, nil
}
