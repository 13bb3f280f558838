package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
)

// MemoryStore is a process-local Store (STORE=memory, tests)
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*contracts.Order
	mandates map[string]*contracts.Mandate
	history  map[string][]contracts.Transition
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*contracts.Order),
		mandates: make(map[string]*contracts.Mandate),
		history:  make(map[string][]contracts.Transition),
	}
}

func historyKey(entity contracts.EntityType, id string) string {
	return string(entity) + ":" + id
}

// appendLocked assigns the next sequence number; caller holds mu
func (s *MemoryStore) appendLocked(rec *contracts.Transition) {
	key := historyKey(rec.Entity, rec.EntityID)
	rec.Seq = int64(len(s.history[key]) + 1)
	s.history[key] = append(s.history[key], *rec)
}

// ---- orders ----

func (s *MemoryStore) InsertOrder(ctx context.Context, o *contracts.Order, rec *contracts.Transition) (*contracts.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.ClientID == o.ClientID && existing.IdempotencyKey == o.IdempotencyKey &&
			!statemachine.Orders.IsTerminal(existing.State) {
			return existing.Clone(), false, nil
		}
	}

	s.orders[o.ID] = o.Clone()
	s.appendLocked(rec)
	return o.Clone(), true, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) FindOrderByExchangeID(ctx context.Context, exchange contracts.Exchange, exchangeOrderID string) (*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.Exchange == exchange && o.ExchangeOrderID == exchangeOrderID {
			return o.Clone(), nil
		}
	}
	return nil, contracts.ErrNotFound
}

func (s *MemoryStore) SaveOrder(ctx context.Context, o *contracts.Order, expectedVersion int64, rec *contracts.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return contracts.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return contracts.ErrConflict
	}

	// side annotations are owned by MarkReconcile / MarkNotified
	next := o.Clone()
	next.ReconcileFailures = cur.ReconcileFailures
	next.NeedsManualReview = cur.NeedsManualReview
	next.NotifiedVersion = cur.NotifiedVersion
	s.orders[o.ID] = next

	if rec != nil {
		s.appendLocked(rec)
	}
	return nil
}

func (s *MemoryStore) FindStaleOrders(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := stateSet(states)
	var out []*contracts.Order
	for _, o := range s.orders {
		if want[o.State] && !o.NeedsManualReview && o.UpdatedAt.Before(olderThan) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

// ---- mandates ----

func (s *MemoryStore) InsertMandate(ctx context.Context, m *contracts.Mandate, rec *contracts.Transition) (*contracts.Mandate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.mandates {
		if existing.ClientID == m.ClientID && existing.IdempotencyKey == m.IdempotencyKey &&
			!statemachine.Mandates.IsTerminal(existing.State) {
			return existing.Clone(), false, nil
		}
	}

	s.mandates[m.ID] = m.Clone()
	s.appendLocked(rec)
	return m.Clone(), true, nil
}

func (s *MemoryStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mandates[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) SaveMandate(ctx context.Context, m *contracts.Mandate, expectedVersion int64, rec *contracts.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.mandates[m.ID]
	if !ok {
		return contracts.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return contracts.ErrConflict
	}

	next := m.Clone()
	next.ReconcileFailures = cur.ReconcileFailures
	next.NeedsManualReview = cur.NeedsManualReview
	next.NotifiedVersion = cur.NotifiedVersion
	s.mandates[m.ID] = next

	if rec != nil {
		s.appendLocked(rec)
	}
	return nil
}

func (s *MemoryStore) FindStaleMandates(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := stateSet(states)
	var out []*contracts.Mandate
	for _, m := range s.mandates {
		if want[m.State] && !m.NeedsManualReview && m.UpdatedAt.Before(olderThan) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) FindMandatesExpiring(ctx context.Context, before time.Time, limit int) ([]*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Mandate
	for _, m := range s.mandates {
		if m.State == contracts.MandateApproved && !m.NeedsManualReview && m.EndDate.Before(before) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return truncate(out, limit), nil
}

// ---- shared ----

func (s *MemoryStore) Transitions(ctx context.Context, entity contracts.EntityType, id string) ([]contracts.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.history[historyKey(entity, id)]
	return append([]contracts.Transition(nil), recs...), nil
}

func (s *MemoryStore) MarkReconcile(ctx context.Context, entity contracts.EntityType, id string, failures int, needsReview bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch entity {
	case contracts.EntityOrder:
		o, ok := s.orders[id]
		if !ok {
			return contracts.ErrNotFound
		}
		o.ReconcileFailures, o.NeedsManualReview = failures, needsReview
	default:
		m, ok := s.mandates[id]
		if !ok {
			return contracts.ErrNotFound
		}
		m.ReconcileFailures, m.NeedsManualReview = failures, needsReview
	}
	return nil
}

func (s *MemoryStore) MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch entity {
	case contracts.EntityOrder:
		o, ok := s.orders[id]
		if !ok {
			return contracts.ErrNotFound
		}
		o.NotifiedVersion = max(o.NotifiedVersion, version)
	default:
		m, ok := s.mandates[id]
		if !ok {
			return contracts.ErrNotFound
		}
		m.NotifiedVersion = max(m.NotifiedVersion, version)
	}
	return nil
}

func (s *MemoryStore) FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.ReviewItem
	switch entity {
	case contracts.EntityOrder:
		for _, o := range s.orders {
			if o.NeedsManualReview {
				out = append(out, contracts.ReviewItem{
					Entity: entity, ID: o.ID, Exchange: o.Exchange, State: o.State,
					ReconcileFailures: o.ReconcileFailures, UpdatedAt: o.UpdatedAt,
				})
			}
		}
	default:
		for _, m := range s.mandates {
			if m.NeedsManualReview {
				out = append(out, contracts.ReviewItem{
					Entity: entity, ID: m.ID, Exchange: m.Exchange, State: m.State,
					ReconcileFailures: m.ReconcileFailures, UpdatedAt: m.UpdatedAt,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) FindUnnotified(ctx context.Context, entity contracts.EntityType, states []contracts.State, olderThan time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := stateSet(states)
	var ids []string
	switch entity {
	case contracts.EntityOrder:
		for _, o := range s.orders {
			if want[o.State] && o.NotifiedVersion < o.Version && o.UpdatedAt.Before(olderThan) {
				ids = append(ids, o.ID)
			}
		}
	default:
		for _, m := range s.mandates {
			if want[m.State] && m.NotifiedVersion < m.Version && m.UpdatedAt.Before(olderThan) {
				ids = append(ids, m.ID)
			}
		}
	}
	sort.Strings(ids)
	return truncate(ids, limit), nil
}

func stateSet(states []contracts.State) map[contracts.State]bool {
	m := make(map[contracts.State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
