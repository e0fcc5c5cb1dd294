package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

var ErrOrderNotFound = errors.New("order not found")

const orderColumns = `id, session_id, asset_id, buyer_id, buyer_email, amount, currency, status,
	created_at, updated_at, refunded_at, refund_reason, voided_at, void_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a pending order at checkout time. A second insert for the same
// session is ignored and the stored order is returned.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, session_id, asset_id, buyer_id, buyer_email, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = orders.updated_at
		RETURNING `+orderColumns,
		order.ID, order.SessionID, order.AssetID, order.BuyerID, order.BuyerEmail,
		order.Amount, order.Currency, order.Status, order.CreatedAt)

	stored, err := scanOrder(row)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	*order = *stored
	return nil
}

// Upsert guarantees an order exists for the session in a single conditional
// write. Attributes already stored are kept; only empty ones are filled from
// the patch. The status is never touched here.
func (r *OrderRepository) Upsert(ctx context.Context, sessionID string, patch domain.OrderPatch) (*domain.Order, error) {
	var amount int64
	if patch.Amount != nil {
		amount = *patch.Amount
	}
	currency := patch.Currency
	if currency == "" {
		currency = "eur"
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, session_id, asset_id, buyer_id, buyer_email, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			asset_id    = CASE WHEN orders.asset_id = '' THEN EXCLUDED.asset_id ELSE orders.asset_id END,
			buyer_id    = CASE WHEN orders.buyer_id = '' THEN EXCLUDED.buyer_id ELSE orders.buyer_id END,
			buyer_email = CASE WHEN orders.buyer_email = '' THEN EXCLUDED.buyer_email ELSE orders.buyer_email END,
			amount      = CASE WHEN orders.amount = 0 AND $8::boolean THEN EXCLUDED.amount ELSE orders.amount END,
			updated_at  = NOW()
		RETURNING `+orderColumns,
		uuid.New().String(), sessionID, patch.AssetID, patch.BuyerID, patch.BuyerEmail,
		amount, currency, patch.Amount != nil)

	order, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("upsert order %s: %w", sessionID, err)
	}
	return order, nil
}

// Transition moves the order for a session to the given status. The previous
// status is read under a row lock in the same transaction, so concurrent
// deliveries observe each other's result.
func (r *OrderRepository) Transition(ctx context.Context, sessionID string, status domain.OrderStatus, extra domain.TransitionExtra) (*domain.Transition, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanOrder(tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE session_id = $1
		FOR UPDATE
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order %s: %w", sessionID, err)
	}

	previous := current.Status
	if !domain.CanTransition(previous, status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, previous, status)
	}
	if previous == status {
		return &domain.Transition{Order: current, Previous: previous, Changed: false}, nil
	}

	at := extra.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var updated *domain.Order
	switch status {
	case domain.OrderStatusRefunded:
		updated, err = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders SET status = $2, refunded_at = $3, refund_reason = $4, updated_at = $3
			WHERE id = $1
			RETURNING `+orderColumns, current.ID, status, at, extra.Reason))
	case domain.OrderStatusVoid:
		updated, err = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders SET status = $2, voided_at = $3, void_reason = $4, updated_at = $3
			WHERE id = $1
			RETURNING `+orderColumns, current.ID, status, at, extra.Reason))
	default:
		updated, err = scanOrder(tx.QueryRowContext(ctx, `
			UPDATE orders SET status = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+orderColumns, current.ID, status, at))
	}
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition %s: %w", sessionID, err)
	}

	return &domain.Transition{Order: updated, Previous: previous, Changed: true}, nil
}

func (r *OrderRepository) FindBySession(ctx context.Context, sessionID string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE session_id = $1
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return r.List(ctx, ListFilter{BuyerID: buyerID})
}

type ListFilter struct {
	Statuses []domain.OrderStatus
	BuyerID  string
	AssetID  string
	Limit    int
}

func (r *OrderRepository) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR buyer_id = $2)
		  AND ($3 = '' OR asset_id = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, pq.Array(statuses), filter.BuyerID, filter.AssetID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// HasPaidOrder reports whether the buyer holds a paid order for the asset.
func (r *OrderRepository) HasPaidOrder(ctx context.Context, assetID, buyerID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE asset_id = $1 AND buyer_id = $2 AND status = 'paid'
		)
	`, assetID, buyerID).Scan(&exists)
	return exists, err
}

// CountPaidByAsset is the source of truth for an asset's sold count.
func (r *OrderRepository) CountPaidByAsset(ctx context.Context, assetID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE asset_id = $1 AND status = 'paid'
	`, assetID).Scan(&count)
	return count, err
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order      domain.Order
		refundedAt sql.NullTime
		voidedAt   sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.SessionID, &order.AssetID, &order.BuyerID, &order.BuyerEmail,
		&order.Amount, &order.Currency, &order.Status, &order.CreatedAt, &order.UpdatedAt,
		&refundedAt, &order.RefundReason, &voidedAt, &order.VoidReason,
	)
	if err != nil {
		return nil, err
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		order.RefundedAt = &t
	}
	if voidedAt.Valid {
		t := voidedAt.Time
		order.VoidedAt = &t
	}
	return &order, nil
}
