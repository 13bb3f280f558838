package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
	"github.com/sparrowinvest/mfengine/pkg/metrics"
)

// Ledger is the OrderLedger / MandateLedger service
// ⭐ SSOT: 상태 변경은 ApplyOrderEvent / ApplyMandateEvent 로만
type Ledger struct {
	store     Store
	notifier  contracts.Notifier
	observers []contracts.TransitionObserver
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// New creates a ledger over store. notifier and m may be nil.
func New(store Store, notifier contracts.Notifier, m *metrics.Metrics, log *logger.Logger) *Ledger {
	return &Ledger{
		store:    store,
		notifier: notifier,
		metrics:  m,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddObserver registers a transition observer (timeline hub)
func (l *Ledger) AddObserver(o contracts.TransitionObserver) {
	l.observers = append(l.observers, o)
}

// SetNotifier replaces the notification sink
func (l *Ledger) SetNotifier(n contracts.Notifier) {
	l.notifier = n
}

// Store exposes the underlying store (CLI, jobs)
func (l *Ledger) Store() Store {
	return l.store
}

// Now returns the ledger clock
func (l *Ledger) Now() time.Time {
	return l.now()
}

// ======================================
// Orders
// ======================================

// CreateOrder validates and stores a new order in SUBMITTED.
// created=false means an active order with the same key already existed and was returned unchanged.
func (l *Ledger) CreateOrder(ctx context.Context, req contracts.OrderRequest) (*contracts.Order, bool, error) {
	if err := ValidateOrderRequest(&req); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = DeriveOrderKey(&req)
	}

	now := l.now()
	o := &contracts.Order{
		ID:               uuid.NewString(),
		Exchange:         req.Exchange,
		Type:             req.Type,
		ClientID:         req.ClientID,
		SchemeCode:       req.SchemeCode,
		TargetSchemeCode: req.TargetSchemeCode,
		Amount:           req.Amount,
		Units:            req.Units,
		Folio:            req.Folio,
		MandateID:        req.MandateID,
		IdempotencyKey:   req.IdempotencyKey,
		State:            statemachine.Orders.Initial(),
		LastEvent:        contracts.EventCreated,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rec := &contracts.Transition{
		Entity: contracts.EntityOrder, EntityID: o.ID,
		To: o.State, Event: contracts.EventCreated, Source: "api", OccurredAt: now,
	}

	stored, created, err := l.store.InsertOrder(ctx, o, rec)
	if err != nil {
		return nil, false, err
	}

	log := l.logger.WithFields(map[string]interface{}{
		"order_id":  stored.ID,
		"client_id": stored.ClientID,
		"exchange":  stored.Exchange,
	})
	if !created {
		log.WithField("state", stored.State).Info("Duplicate order request, returning existing order")
		return stored, false, nil
	}

	log.Info("Order created")
	l.committed(*rec)
	return stored, true, nil
}

// GetOrder returns the current order row
func (l *Ledger) GetOrder(ctx context.Context, id string) (*contracts.Order, error) {
	return l.store.GetOrder(ctx, id)
}

// FindOrderByExchangeID resolves an exchange-assigned order number
func (l *Ledger) FindOrderByExchangeID(ctx context.Context, exchange contracts.Exchange, ref string) (*contracts.Order, error) {
	return l.store.FindOrderByExchangeID(ctx, exchange, ref)
}

// OrderView builds the read model with full history
func (l *Ledger) OrderView(ctx context.Context, id string) (*contracts.OrderView, error) {
	o, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := l.store.Transitions(ctx, contracts.EntityOrder, id)
	if err != nil {
		return nil, err
	}
	return &contracts.OrderView{
		Order:     o,
		History:   history,
		Terminal:  statemachine.Orders.IsTerminal(o.State),
		CanCancel: statemachine.Orders.CanCancel(o.State),
		CanPay:    o.State == contracts.OrderPaymentPending,
	}, nil
}

// ApplyOrderEvent runs ev through the state machine and persists the result
// with its transition record. A NoOp outcome returns the unchanged order.
func (l *Ledger) ApplyOrderEvent(ctx context.Context, id string, ev contracts.Event) (*contracts.Order, statemachine.Outcome, error) {
	cur, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return nil, statemachine.Outcome{}, err
	}

	out, err := statemachine.Orders.Transition(statemachine.Snapshot{
		Entity: contracts.EntityOrder, ID: cur.ID, State: cur.State, LastEvent: cur.LastEvent,
	}, ev)
	if err != nil {
		l.rejected(contracts.EntityOrder, cur.ID, ev, err)
		return cur, out, err
	}
	if out.NoOp {
		return cur, out, nil
	}

	now := l.now()
	next := cur.Clone()
	next.State = out.To
	next.LastEvent = ev.Kind
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	setResponse(&next.ResponseCode, &next.ResponseMessage, ev)
	next.ExchangeOrderID = l.keepFirstRef(contracts.EntityOrder, cur.ID, cur.ExchangeOrderID, ev.ExchangeRef)
	if ev.Allotment != nil {
		a := *ev.Allotment
		next.Allotment = &a
	}
	if ev.Kind == contracts.EventPaymentFailed || ev.PaymentFailure {
		next.PaymentFailures++
	}

	rec := l.record(contracts.EntityOrder, cur.ID, out, ev, now)
	if err := l.store.SaveOrder(ctx, next, cur.Version, rec); err != nil {
		return cur, statemachine.Outcome{}, l.saveError(contracts.EntityOrder, cur.ID, cur.State, ev, err)
	}

	l.logger.WithFields(map[string]interface{}{
		"order_id": cur.ID,
		"from":     out.From,
		"to":       out.To,
		"event":    ev.Kind,
		"source":   ev.Source,
	}).Info("Order transition applied")

	l.committed(*rec)
	if out.Has(statemachine.EffectNotify) {
		l.notify(contracts.Notification{
			Entity: contracts.EntityOrder, ID: next.ID, ClientID: next.ClientID,
			State: next.State, PreviousState: out.From, Version: next.Version,
			ResponseCode: next.ResponseCode, ResponseMessage: next.ResponseMessage, OccurredAt: now,
		})
	}
	return next, out, nil
}

// FindStaleOrders returns orders in states not updated within olderThan
func (l *Ledger) FindStaleOrders(ctx context.Context, states []contracts.State, olderThan time.Duration, limit int) ([]*contracts.Order, error) {
	return l.store.FindStaleOrders(ctx, states, l.now().Add(-olderThan), limit)
}

// ======================================
// Mandates
// ======================================

// CreateMandate validates and stores a new mandate in CREATED
func (l *Ledger) CreateMandate(ctx context.Context, req contracts.MandateRequest) (*contracts.Mandate, bool, error) {
	if err := ValidateMandateRequest(&req); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = DeriveMandateKey(&req)
	}

	now := l.now()
	m := &contracts.Mandate{
		ID:             uuid.NewString(),
		Exchange:       req.Exchange,
		ClientID:       req.ClientID,
		Type:           req.Type,
		AmountCeiling:  req.AmountCeiling,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		BankAccount:    req.BankAccount,
		LinkedPlans:    append([]string(nil), req.LinkedPlans...),
		IdempotencyKey: req.IdempotencyKey,
		State:          statemachine.Mandates.Initial(),
		LastEvent:      contracts.EventCreated,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec := &contracts.Transition{
		Entity: contracts.EntityMandate, EntityID: m.ID,
		To: m.State, Event: contracts.EventCreated, Source: "api", OccurredAt: now,
	}

	stored, created, err := l.store.InsertMandate(ctx, m, rec)
	if err != nil {
		return nil, false, err
	}

	log := l.logger.WithFields(map[string]interface{}{
		"mandate_id": stored.ID,
		"client_id":  stored.ClientID,
		"exchange":   stored.Exchange,
	})
	if !created {
		log.WithField("state", stored.State).Info("Duplicate mandate request, returning existing mandate")
		return stored, false, nil
	}

	log.Info("Mandate created")
	l.committed(*rec)
	return stored, true, nil
}

// GetMandate returns the current mandate row
func (l *Ledger) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	return l.store.GetMandate(ctx, id)
}

// MandateView builds the read model with full history
func (l *Ledger) MandateView(ctx context.Context, id string) (*contracts.MandateView, error) {
	m, err := l.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := l.store.Transitions(ctx, contracts.EntityMandate, id)
	if err != nil {
		return nil, err
	}
	return &contracts.MandateView{
		Mandate:   m,
		History:   history,
		Terminal:  statemachine.Mandates.IsTerminal(m.State),
		CanCancel: statemachine.Mandates.CanCancel(m.State),
	}, nil
}

// ApplyMandateEvent runs ev through the state machine and persists the result
func (l *Ledger) ApplyMandateEvent(ctx context.Context, id string, ev contracts.Event) (*contracts.Mandate, statemachine.Outcome, error) {
	cur, err := l.store.GetMandate(ctx, id)
	if err != nil {
		return nil, statemachine.Outcome{}, err
	}

	out, err := statemachine.Mandates.Transition(statemachine.Snapshot{
		Entity: contracts.EntityMandate, ID: cur.ID, State: cur.State, LastEvent: cur.LastEvent,
	}, ev)
	if err != nil {
		l.rejected(contracts.EntityMandate, cur.ID, ev, err)
		return cur, out, err
	}
	if out.NoOp {
		return cur, out, nil
	}

	// 금액/기간은 복사만, 절대 수정하지 않음
	now := l.now()
	next := cur.Clone()
	next.State = out.To
	next.LastEvent = ev.Kind
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	setResponse(&next.ResponseCode, &next.ResponseMessage, ev)
	next.ExchangeMandateID = l.keepFirstRef(contracts.EntityMandate, cur.ID, cur.ExchangeMandateID, ev.ExchangeRef)
	if next.UMRN == "" && ev.UMRN != "" {
		next.UMRN = ev.UMRN
	}

	rec := l.record(contracts.EntityMandate, cur.ID, out, ev, now)
	if err := l.store.SaveMandate(ctx, next, cur.Version, rec); err != nil {
		return cur, statemachine.Outcome{}, l.saveError(contracts.EntityMandate, cur.ID, cur.State, ev, err)
	}

	l.logger.WithFields(map[string]interface{}{
		"mandate_id": cur.ID,
		"from":       out.From,
		"to":         out.To,
		"event":      ev.Kind,
		"source":     ev.Source,
	}).Info("Mandate transition applied")

	l.committed(*rec)
	if out.Has(statemachine.EffectNotify) {
		l.notify(contracts.Notification{
			Entity: contracts.EntityMandate, ID: next.ID, ClientID: next.ClientID,
			State: next.State, PreviousState: out.From, Version: next.Version,
			ResponseCode: next.ResponseCode, ResponseMessage: next.ResponseMessage, OccurredAt: now,
		})
	}
	return next, out, nil
}

// FindStaleMandates returns mandates in states not updated within olderThan
func (l *Ledger) FindStaleMandates(ctx context.Context, states []contracts.State, olderThan time.Duration, limit int) ([]*contracts.Mandate, error) {
	return l.store.FindStaleMandates(ctx, states, l.now().Add(-olderThan), limit)
}

// FindMandatesExpiring returns approved mandates whose end date has passed
func (l *Ledger) FindMandatesExpiring(ctx context.Context, limit int) ([]*contracts.Mandate, error) {
	return l.store.FindMandatesExpiring(ctx, l.now(), limit)
}

// ======================================
// Side annotations
// ======================================

// History returns the transition records of one entity
func (l *Ledger) History(ctx context.Context, entity contracts.EntityType, id string) ([]contracts.Transition, error) {
	return l.store.Transitions(ctx, entity, id)
}

// MarkReconcile stores the reconcile failure count and review flag
func (l *Ledger) MarkReconcile(ctx context.Context, entity contracts.EntityType, id string, failures int, needsReview bool) error {
	return l.store.MarkReconcile(ctx, entity, id, failures, needsReview)
}

// MarkNotified records a successful notification dispatch of one entity version
func (l *Ledger) MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error {
	return l.store.MarkNotified(ctx, entity, id, version)
}

// FindFlagged lists NeedsManualReview entities and refreshes the gauge
func (l *Ledger) FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error) {
	items, err := l.store.FindFlagged(ctx, entity)
	if err != nil {
		return nil, err
	}
	l.metrics.SetManualReview(string(entity), len(items))
	return items, nil
}

// ClearReview is the operator action that returns an entity to automatic polling
func (l *Ledger) ClearReview(ctx context.Context, entity contracts.EntityType, id string) error {
	if err := l.store.MarkReconcile(ctx, entity, id, 0, false); err != nil {
		return err
	}
	l.logger.WithFields(map[string]interface{}{
		"entity": entity,
		"id":     id,
	}).Info("Manual review flag cleared")
	return nil
}

// FindUnnotified returns entities whose latest notifiable transition never reached the sink.
// Re-entering a state (PAYMENT_PENDING after a failed payment) counts as a new transition.
func (l *Ledger) FindUnnotified(ctx context.Context, entity contracts.EntityType, grace time.Duration, limit int) ([]string, error) {
	states := statemachine.For(entity).NotifiableStates()
	return l.store.FindUnnotified(ctx, entity, states, l.now().Add(-grace), limit)
}

// ======================================
// helpers
// ======================================

func (l *Ledger) record(entity contracts.EntityType, id string, out statemachine.Outcome, ev contracts.Event, now time.Time) *contracts.Transition {
	return &contracts.Transition{
		Entity:          entity,
		EntityID:        id,
		From:            out.From,
		To:              out.To,
		Event:           ev.Kind,
		Source:          ev.Source,
		ResponseCode:    ev.ResponseCode,
		ResponseMessage: ev.ResponseMessage,
		Payload:         ev.Payload,
		OccurredAt:      now,
	}
}

// keepFirstRef enforces set-once exchange identifiers
func (l *Ledger) keepFirstRef(entity contracts.EntityType, id, current, incoming string) string {
	if current == "" {
		return incoming
	}
	if incoming != "" && incoming != current {
		l.logger.WithFields(map[string]interface{}{
			"entity":   entity,
			"id":       id,
			"current":  current,
			"incoming": incoming,
		}).Warn("Ignoring different exchange reference, id is set once")
	}
	return current
}

func setResponse(code, message *string, ev contracts.Event) {
	if ev.ResponseCode != "" {
		*code = ev.ResponseCode
	}
	if ev.ResponseMessage != "" {
		*message = ev.ResponseMessage
	}
}

func (l *Ledger) saveError(entity contracts.EntityType, id string, from contracts.State, ev contracts.Event, err error) error {
	if errors.Is(err, contracts.ErrConflict) {
		te := &contracts.TransitionError{Entity: entity, ID: id, From: from, Event: ev.Kind, Err: contracts.ErrConflict}
		l.rejected(entity, id, ev, te)
		return te
	}
	return err
}

func (l *Ledger) rejected(entity contracts.EntityType, id string, ev contracts.Event, err error) {
	var te *contracts.TransitionError
	if !errors.As(err, &te) {
		return
	}
	l.metrics.RecordTransitionRejected(string(entity), string(ev.Kind), te.Reason())

	log := l.logger.WithFields(map[string]interface{}{
		"entity": entity,
		"id":     id,
		"from":   te.From,
		"event":  ev.Kind,
		"target": ev.Target,
		"source": ev.Source,
		"reason": te.Reason(),
	})
	if errors.Is(err, contracts.ErrAlreadyTerminal) && ev.Source != "api" {
		// 종결 상태 이후 도착한 거래소 응답: 수동 대사 필요
		log.Warn("Event after terminal state, needs manual reconciliation")
		return
	}
	log.Debug("Transition rejected")
}

func (l *Ledger) committed(rec contracts.Transition) {
	l.metrics.RecordTransition(string(rec.Entity), string(rec.Event), string(rec.To))
	for _, o := range l.observers {
		o.OnTransition(rec)
	}
}

func (l *Ledger) notify(n contracts.Notification) {
	if l.notifier == nil {
		return
	}
	l.notifier.Dispatch(n)
}
