package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/statemachine"
)

// Repository is the PostgreSQL Store
// ⭐ SSOT: orders/mandates/transitions 테이블 접근은 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new ledger repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

const orderColumns = `
	id, exchange, order_type, client_id, scheme_code, target_scheme_code, amount, units, folio,
	COALESCE(mandate_id, ''), state, last_event, COALESCE(exchange_order_id, ''),
	COALESCE(response_code, ''), COALESCE(response_message, ''), idempotency_key,
	payment_failures, reconcile_failures, needs_manual_review, notified_version,
	allotted_units, allotted_nav, allotted_amount, COALESCE(allotted_folio, ''),
	version, created_at, updated_at`

const mandateColumns = `
	id, exchange, client_id, mandate_type, amount_ceiling, start_date, end_date, bank_account,
	linked_plans, state, last_event, COALESCE(exchange_mandate_id, ''), COALESCE(umrn, ''),
	COALESCE(response_code, ''), COALESCE(response_message, ''), idempotency_key,
	reconcile_failures, needs_manual_review, notified_version, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*contracts.Order, error) {
	var o contracts.Order
	var amount, units, aUnits, aNAV, aAmount decimal.NullDecimal
	var aFolio string

	err := row.Scan(
		&o.ID, &o.Exchange, &o.Type, &o.ClientID, &o.SchemeCode, &o.TargetSchemeCode, &amount, &units, &o.Folio,
		&o.MandateID, &o.State, &o.LastEvent, &o.ExchangeOrderID,
		&o.ResponseCode, &o.ResponseMessage, &o.IdempotencyKey,
		&o.PaymentFailures, &o.ReconcileFailures, &o.NeedsManualReview, &o.NotifiedVersion,
		&aUnits, &aNAV, &aAmount, &aFolio,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Amount, o.Units = amount.Decimal, units.Decimal
	if aUnits.Valid || aAmount.Valid {
		o.Allotment = &contracts.Allotment{
			Units: aUnits.Decimal, NAV: aNAV.Decimal, Amount: aAmount.Decimal, Folio: aFolio,
		}
	}
	return &o, nil
}

func scanMandate(row rowScanner) (*contracts.Mandate, error) {
	var m contracts.Mandate
	err := row.Scan(
		&m.ID, &m.Exchange, &m.ClientID, &m.Type, &m.AmountCeiling, &m.StartDate, &m.EndDate, &m.BankAccount,
		&m.LinkedPlans, &m.State, &m.LastEvent, &m.ExchangeMandateID, &m.UMRN,
		&m.ResponseCode, &m.ResponseMessage, &m.IdempotencyKey,
		&m.ReconcileFailures, &m.NeedsManualReview, &m.NotifiedVersion, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ---- orders ----

// InsertOrder creates the order and its first transition in one transaction
func (r *Repository) InsertOrder(ctx context.Context, o *contracts.Order, rec *contracts.Transition) (*contracts.Order, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO orders (
			id, exchange, order_type, client_id, scheme_code, target_scheme_code, amount, units, folio,
			mandate_id, state, last_event, idempotency_key, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = tx.Exec(ctx, query,
		o.ID, o.Exchange, o.Type, o.ClientID, o.SchemeCode, o.TargetSchemeCode,
		nullDecimal(o.Amount), nullDecimal(o.Units), o.Folio,
		nullString(o.MandateID), o.State, o.LastEvent, o.IdempotencyKey, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err, "orders_active_idempotency") {
		tx.Rollback(ctx)
		existing, err := r.findActiveOrder(ctx, o.ClientID, o.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert order: %w", err)
	}

	if err := appendTransition(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit order: %w", err)
	}
	return o.Clone(), true, nil
}

func (r *Repository) findActiveOrder(ctx context.Context, clientID, key string) (*contracts.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE client_id = $1 AND idempotency_key = $2 AND NOT (state = ANY($3))`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, clientID, key, terminalStates(statemachine.Orders)))
	if err != nil {
		return nil, fmt.Errorf("failed to load existing order: %w", err)
	}
	return o, nil
}

// GetOrder retrieves an order by ID
func (r *Repository) GetOrder(ctx context.Context, id string) (*contracts.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// FindOrderByExchangeID resolves an exchange-side reference (webhooks)
func (r *Repository) FindOrderByExchangeID(ctx context.Context, exchange contracts.Exchange, exchangeOrderID string) (*contracts.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE exchange = $1 AND exchange_order_id = $2`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, exchange, exchangeOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by exchange id: %w", err)
	}
	return o, nil
}

// SaveOrder writes the new state iff the stored version still matches
func (r *Repository) SaveOrder(ctx context.Context, o *contracts.Order, expectedVersion int64, rec *contracts.Transition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var aUnits, aNAV, aAmount decimal.NullDecimal
	var aFolio *string
	if a := o.Allotment; a != nil {
		aUnits = decimal.NullDecimal{Decimal: a.Units, Valid: true}
		aNAV = decimal.NullDecimal{Decimal: a.NAV, Valid: true}
		aAmount = decimal.NullDecimal{Decimal: a.Amount, Valid: true}
		aFolio = nullString(a.Folio)
	}

	query := `
		UPDATE orders SET
			state = $3, last_event = $4, exchange_order_id = $5, response_code = $6, response_message = $7,
			payment_failures = $8, allotted_units = $9, allotted_nav = $10, allotted_amount = $11,
			allotted_folio = $12, version = $13, updated_at = $14
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		o.ID, expectedVersion,
		o.State, o.LastEvent, nullString(o.ExchangeOrderID), nullString(o.ResponseCode), nullString(o.ResponseMessage),
		o.PaymentFailures, aUnits, aNAV, aAmount, aFolio, o.Version, o.UpdatedAt,
	)
	if isUniqueViolation(err, "orders_exchange_order_id") {
		return fmt.Errorf("%w: %s already used", contracts.ErrExchangeIDImmutable, o.ExchangeOrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, "orders", o.ID)
	}

	if rec != nil {
		if err := appendTransition(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

// FindStaleOrders returns unflagged orders in states, untouched since olderThan
func (r *Repository) FindStaleOrders(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE state = ANY($1) AND updated_at < $2 AND NOT needs_manual_review
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, stateStrings(states), olderThan, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*contracts.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return orders, nil
}

// ---- mandates ----

// InsertMandate creates the mandate and its first transition in one transaction
func (r *Repository) InsertMandate(ctx context.Context, m *contracts.Mandate, rec *contracts.Transition) (*contracts.Mandate, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	plans := m.LinkedPlans
	if plans == nil {
		plans = []string{}
	}

	query := `
		INSERT INTO mandates (
			id, exchange, client_id, mandate_type, amount_ceiling, start_date, end_date, bank_account,
			linked_plans, state, last_event, idempotency_key, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = tx.Exec(ctx, query,
		m.ID, m.Exchange, m.ClientID, m.Type, m.AmountCeiling, m.StartDate, m.EndDate, m.BankAccount,
		plans, m.State, m.LastEvent, m.IdempotencyKey, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err, "mandates_active_idempotency") {
		tx.Rollback(ctx)
		query := `SELECT ` + mandateColumns + ` FROM mandates
			WHERE client_id = $1 AND idempotency_key = $2 AND NOT (state = ANY($3))`
		existing, err := scanMandate(r.pool.QueryRow(ctx, query, m.ClientID, m.IdempotencyKey, terminalStates(statemachine.Mandates)))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing mandate: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert mandate: %w", err)
	}

	if err := appendTransition(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit mandate: %w", err)
	}
	return m.Clone(), true, nil
}

// GetMandate retrieves a mandate by ID
func (r *Repository) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE id = $1`

	m, err := scanMandate(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mandate: %w", err)
	}
	return m, nil
}

// SaveMandate writes the new state iff the stored version still matches.
// Ceiling and validity are never written after insert.
func (r *Repository) SaveMandate(ctx context.Context, m *contracts.Mandate, expectedVersion int64, rec *contracts.Transition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE mandates SET
			state = $3, last_event = $4, exchange_mandate_id = $5, umrn = $6,
			response_code = $7, response_message = $8, version = $9, updated_at = $10
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		m.ID, expectedVersion,
		m.State, m.LastEvent, nullString(m.ExchangeMandateID), nullString(m.UMRN),
		nullString(m.ResponseCode), nullString(m.ResponseMessage), m.Version, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update mandate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, "mandates", m.ID)
	}

	if rec != nil {
		if err := appendTransition(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit mandate: %w", err)
	}
	return nil
}

// FindStaleMandates returns unflagged mandates in states, untouched since olderThan
func (r *Repository) FindStaleMandates(ctx context.Context, states []contracts.State, olderThan time.Time, limit int) ([]*contracts.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates
		WHERE state = ANY($1) AND updated_at < $2 AND NOT needs_manual_review
		ORDER BY updated_at ASC
		LIMIT $3`

	return r.queryMandates(ctx, query, stateStrings(states), olderThan, limitOrAll(limit))
}

// FindMandatesExpiring returns approved mandates past their end date
func (r *Repository) FindMandatesExpiring(ctx context.Context, before time.Time, limit int) ([]*contracts.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates
		WHERE state = $1 AND end_date < $2 AND NOT needs_manual_review
		ORDER BY end_date ASC
		LIMIT $3`

	return r.queryMandates(ctx, query, contracts.MandateApproved, before, limitOrAll(limit))
}

func (r *Repository) queryMandates(ctx context.Context, query string, args ...any) ([]*contracts.Mandate, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mandates: %w", err)
	}
	defer rows.Close()

	mandates := make([]*contracts.Mandate, 0)
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mandate: %w", err)
		}
		mandates = append(mandates, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return mandates, nil
}

// ---- shared ----

// Transitions returns the full ordered history of one entity
func (r *Repository) Transitions(ctx context.Context, entity contracts.EntityType, id string) ([]contracts.Transition, error) {
	query := `
		SELECT entity_type, entity_id, seq, from_state, to_state, event, source,
		       COALESCE(response_code, ''), COALESCE(response_message, ''), payload, occurred_at
		FROM transitions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, entity, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	history := make([]contracts.Transition, 0)
	for rows.Next() {
		var t contracts.Transition
		var payload []byte
		if err := rows.Scan(
			&t.Entity, &t.EntityID, &t.Seq, &t.From, &t.To, &t.Event, &t.Source,
			&t.ResponseCode, &t.ResponseMessage, &payload, &t.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Payload = payload
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return history, nil
}

// MarkReconcile updates the reconcile side annotations only
func (r *Repository) MarkReconcile(ctx context.Context, entity contracts.EntityType, id string, failures int, needsReview bool) error {
	query := fmt.Sprintf(`UPDATE %s SET reconcile_failures = $2, needs_manual_review = $3 WHERE id = $1`, tableFor(entity))

	tag, err := r.pool.Exec(ctx, query, id, failures, needsReview)
	if err != nil {
		return fmt.Errorf("failed to mark reconcile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// MarkNotified records the entity version last handed to the notification sink.
// An older delivery finishing late never moves the mark back.
func (r *Repository) MarkNotified(ctx context.Context, entity contracts.EntityType, id string, version int64) error {
	query := fmt.Sprintf(`UPDATE %s SET notified_version = GREATEST(notified_version, $2) WHERE id = $1`, tableFor(entity))

	tag, err := r.pool.Exec(ctx, query, id, version)
	if err != nil {
		return fmt.Errorf("failed to mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// FindFlagged lists entities waiting for an operator
func (r *Repository) FindFlagged(ctx context.Context, entity contracts.EntityType) ([]contracts.ReviewItem, error) {
	query := fmt.Sprintf(`
		SELECT id, exchange, state, reconcile_failures, updated_at
		FROM %s
		WHERE needs_manual_review
		ORDER BY updated_at ASC
	`, tableFor(entity))

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged: %w", err)
	}
	defer rows.Close()

	items := make([]contracts.ReviewItem, 0)
	for rows.Next() {
		item := contracts.ReviewItem{Entity: entity}
		if err := rows.Scan(&item.ID, &item.Exchange, &item.State, &item.ReconcileFailures, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flagged: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return items, nil
}

// FindUnnotified returns ids whose latest notifiable version never reached the sink
func (r *Repository) FindUnnotified(ctx context.Context, entity contracts.EntityType, states []contracts.State, olderThan time.Time, limit int) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE state = ANY($1) AND notified_version < version AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, tableFor(entity))

	rows, err := r.pool.Query(ctx, query, stateStrings(states), olderThan, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query unnotified: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect unnotified: %w", err)
	}
	return ids, nil
}

// ---- helpers ----

// appendTransition inserts the next record; the row lock taken by the
// preceding UPDATE serializes sequence assignment per entity
func appendTransition(ctx context.Context, tx pgx.Tx, rec *contracts.Transition) error {
	var payload any
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}

	query := `
		INSERT INTO transitions (
			entity_type, entity_id, seq, from_state, to_state, event, source,
			response_code, response_message, payload, occurred_at
		)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9, $10
		FROM transitions WHERE entity_type = $1 AND entity_id = $2
		RETURNING seq
	`
	err := tx.QueryRow(ctx, query,
		rec.Entity, rec.EntityID, rec.From, rec.To, rec.Event, rec.Source,
		nullString(rec.ResponseCode), nullString(rec.ResponseMessage), payload, rec.OccurredAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (r *Repository) missOrConflict(ctx context.Context, table, id string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if !exists {
		return contracts.ErrNotFound
	}
	return contracts.ErrConflict
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func tableFor(entity contracts.EntityType) string {
	if entity == contracts.EntityMandate {
		return "mandates"
	}
	return "orders"
}

func terminalStates(t *statemachine.Table) []string {
	var out []string
	for _, s := range t.States() {
		if t.IsTerminal(s) {
			out = append(out, string(s))
		}
	}
	return out
}

func stateStrings(states []contracts.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}

// LIMIT NULL means no limit in PostgreSQL
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
