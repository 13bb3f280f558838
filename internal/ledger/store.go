// Package ledger owns durable order and mandate state.
// Every state mutation goes through the state machine and lands atomically
// with its transition record.
package ledger

import (
	"context"
	"time"

	"github.com/sparrowinvest/mfengine/internal/contracts"
)

// Store is the persistence port behind the ledgers.
// ⭐ SSOT: 주문/mandate 행은 Store 구현체만 소유
//
// Save* is a conditional write keyed on expectedVersion: zero matched rows
// means another writer won and the call returns contracts.ErrConflict.
// The transition record is appended in the same atomic unit and its Seq is
// assigned by the store.
type Store interface {
	// InsertOrder creates o with its creation record. When a non-terminal order
	// already exists for (client, idempotency key) it is returned with created=false.
	InsertOrder(ctx context.Context, o *contracts.Order, rec *contracts.Transition) (*contracts.Order, bool, error)
	GetOrder(ctx context.Context, id string) (*contracts.Order, error)
	FindOrderByExchangeID(ctx context.Context, exchange contracts.Exchange, exchangeOrderID string) (*contracts.Order, error)
	SaveOrder(ctx context.Context, o *contracts.Order, expectedVersion int64, rec *contracts.Transition) error
	FindStaleOrders(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Order, error)

	InsertMandate(ctx context.Context, m *contracts.Mandate, rec *contracts.Transition) (*contracts.Mandate, bool, error)
	GetMandate(ctx context.Context, id string) (*contracts.Mandate, error)
	SaveMandate(ctx context.Context, m *contracts.Mandate, expectedVersion int64, rec *contracts.Transition) error
	FindStaleMandates(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Mandate, error)
	// FindMandatesExpiring returns approved mandates whose validity ended before the cutoff
	FindMandatesExpiring(ctx context.Context, before time.Time, limit int) ([]*contracts.Mandate, error)

	Transitions(ctx context.Context, entity contracts.EntityType, id string) ([]contracts.Transition, error)

	// Side annotations: written without a version bump, never part of a transition
	MarkReconcile(ctx context.Context, entity contracts.EntityType, id string, failures int, needsReview bool) error
	MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error
	FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error)
	FindUnnotified(ctx context.Context, entity contracts.EntityType, states []contracts.State, olderThan time.Time, limit int) ([]string, error)
}
