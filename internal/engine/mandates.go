package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/reconcile"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
)

// CreateMandate stores a mandate and registers it with the exchange.
// Amount and validity are fixed from here on; a change needs a new mandate.
func (s *Service) CreateMandate(ctx context.Context, req contracts.MandateRequest) (*contracts.MandateView, error) {
	if err := s.checkRegistered(ctx, req.Exchange, req.ClientID); err != nil {
		return nil, err
	}

	m, created, err := s.ledger.CreateMandate(ctx, req)
	if err != nil {
		return nil, err
	}

	if created {
		if _, err := s.reconciler.SubmitMandate(ctx, m, "api"); err != nil && !contracts.IsRetriable(err) {
			return nil, err
		}
	}
	return s.ledger.MandateView(ctx, m.ID)
}

// GetMandate returns the mandate read model
func (s *Service) GetMandate(ctx context.Context, id string) (*contracts.MandateView, error) {
	return s.ledger.MandateView(ctx, id)
}

// CancelMandate cancels a mandate before approval
func (s *Service) CancelMandate(ctx context.Context, id string) (*contracts.MandateView, error) {
	m, err := s.ledger.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}

	cancel := contracts.Event{Kind: contracts.EventLocalCancel, Source: "api"}
	out, err := statemachine.Mandates.Transition(statemachine.Snapshot{
		Entity: contracts.EntityMandate, ID: m.ID, State: m.State, LastEvent: m.LastEvent,
	}, cancel)
	if err != nil {
		return nil, err
	}
	if out.NoOp {
		return s.ledger.MandateView(ctx, m.ID)
	}

	if m.ExchangeMandateID != "" {
		client, err := s.gateways.Get(m.Exchange)
		if err != nil {
			return nil, err
		}
		res, err := client.CancelMandate(ctx, m)
		if errors.Is(err, contracts.ErrCancellationRefused) {
			if _, rerr := s.reconciler.ReconcileMandate(ctx, m, "api"); rerr != nil {
				s.logger.WithError(rerr).WithField("mandate_id", m.ID).Warn("Status refresh after refused cancel failed")
			}
			return nil, &contracts.TransitionError{
				Entity: contracts.EntityMandate, ID: m.ID, From: m.State,
				Event: contracts.EventLocalCancel, Err: fmt.Errorf("%w: %v", contracts.ErrCancellationWindowClosed, err),
			}
		}
		if err != nil {
			return nil, err
		}
		cancel.ResponseCode = res.ResponseCode
		cancel.ResponseMessage = res.ResponseMessage
		cancel.Payload = res.Raw
	}

	if _, _, err := s.ledger.ApplyMandateEvent(ctx, m.ID, cancel); err != nil {
		return nil, err
	}
	return s.ledger.MandateView(ctx, m.ID)
}

// RefreshMandate polls the exchange for one mandate now
func (s *Service) RefreshMandate(ctx context.Context, id string) (*contracts.MandateView, reconcile.Result, error) {
	m, err := s.ledger.GetMandate(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if statemachine.Mandates.IsTerminal(m.State) {
		view, err := s.ledger.MandateView(ctx, id)
		return view, reconcile.ResultUnchanged, err
	}

	res, err := s.reconciler.ReconcileMandate(ctx, m, "api")
	if res == reconcile.ResultUnreachable {
		if _, _, merr := s.reconciler.RecordFailure(ctx, contracts.EntityMandate, m.ID, m.ReconcileFailures, err); merr != nil {
			s.logger.WithError(merr).Warn("Failed to record reconcile failure")
		}
		return nil, res, err
	}
	if err != nil {
		return nil, res, err
	}
	if res != reconcile.ResultRejected && res != reconcile.ResultFlagged {
		if err := s.reconciler.RecordSuccess(ctx, contracts.EntityMandate, m.ID, m.ReconcileFailures); err != nil {
			s.logger.WithError(err).Warn("Failed to reset reconcile failures")
		}
	}

	view, err := s.ledger.MandateView(ctx, id)
	return view, res, err
}

// ======================================
// Manual review
// ======================================

// ListReview returns every entity flagged for manual review
func (s *Service) ListReview(ctx context.Context) ([]contracts.ReviewItem, error) {
	var items []contracts.ReviewItem
	for _, entity := range []contracts.EntityType{contracts.EntityOrder, contracts.EntityMandate} {
		flagged, err := s.ledger.FindFlagged(ctx, entity)
		if err != nil {
			return nil, err
		}
		items = append(items, flagged...)
	}
	return items, nil
}

// ClearReview returns a flagged entity to automatic polling
func (s *Service) ClearReview(ctx context.Context, entity contracts.EntityType, id string) error {
	switch entity {
	case contracts.EntityOrder:
		if _, err := s.ledger.GetOrder(ctx, id); err != nil {
			return err
		}
	case contracts.EntityMandate:
		if _, err := s.ledger.GetMandate(ctx, id); err != nil {
			return err
		}
	default:
		return contracts.ValidationError{Field: "entity", Message: "must be order or mandate"}
	}
	return s.ledger.ClearReview(ctx, entity, id)
}
