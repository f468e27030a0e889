package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// Repository persists orders and their lines on Postgres. Lines are
// replaced wholesale on update; the cart is small and the replace keeps
// deletes and quantity changes symmetric.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

const orderColumns = `id, user_id, status, total_cents, payment_status, checkout_expires_at, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, o domain.Order) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		const query = `
INSERT INTO orders (id, user_id, status, total_cents, payment_status, checkout_expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		if _, err := r.exec(ctx, query,
			o.ID, o.UserID, string(o.Status), o.TotalCents, o.PaymentStatus,
			expiresArg(o.CheckoutExpiresAt), o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return r.replaceLines(ctx, o)
	})
}

func (r *Repository) Update(ctx context.Context, o domain.Order) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		const query = `
UPDATE orders
SET status = $2, total_cents = $3, payment_status = $4, checkout_expires_at = $5, updated_at = $6
WHERE id = $1`

		tag, err := r.exec(ctx, query,
			o.ID, string(o.Status), o.TotalCents, o.PaymentStatus,
			expiresArg(o.CheckoutExpiresAt), o.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOrderNotFound
		}
		return r.replaceLines(ctx, o)
	})
}

func (r *Repository) replaceLines(ctx context.Context, o domain.Order) error {
	if _, err := r.exec(ctx, `DELETE FROM order_lines WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("clear order lines: %w", err)
	}
	if len(o.Lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(`
INSERT INTO order_lines (order_id, product_id, quantity, price_cents)
VALUES ($1, $2, $3, $4)`,
			o.ID, l.ProductID, l.Quantity, l.PriceCents)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := r.scanOrder(r.queryRow(ctx, query, id))
	if err != nil {
		return domain.Order{}, err
	}
	if err := r.loadLines(ctx, &o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (r *Repository) FindCurrentByUser(ctx context.Context, userID int64) (domain.Order, error) {
	// A cancelled order only counts as the current cart while it still
	// has lines to resume.
	query := `
SELECT ` + orderColumns + `
FROM orders o
WHERE o.user_id = $1
  AND (o.status IN ('cart', 'checkout_hold')
       OR (o.status = 'cancelled' AND EXISTS (
             SELECT 1 FROM order_lines l WHERE l.order_id = o.id)))
ORDER BY o.created_at DESC
LIMIT 1`

	o, err := r.scanOrder(r.queryRow(ctx, query, userID))
	if err != nil {
		return domain.Order{}, err
	}
	if err := r.loadLines(ctx, &o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, skip, limit int) ([]domain.Order, int, error) {
	var total int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := `
SELECT ` + orderColumns + `
FROM orders
WHERE user_id = $1
ORDER BY created_at DESC
OFFSET $2 LIMIT $3`

	rows, err := r.query(ctx, query, userID, skip, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if err := r.loadLines(ctx, &out[i]); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (r *Repository) loadLines(ctx context.Context, o *domain.Order) error {
	const query = `
SELECT product_id, quantity, price_cents
FROM order_lines
WHERE order_id = $1
ORDER BY product_id`

	rows, err := r.query(ctx, query, o.ID)
	if err != nil {
		return fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.Line
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.PriceCents); err != nil {
			return fmt.Errorf("scan order line: %w", err)
		}
		o.Lines = append(o.Lines, l)
	}
	return rows.Err()
}

func (r *Repository) scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o       domain.Order
		status  string
		expires *time.Time
	)
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.PaymentStatus, &expires, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.Status = domain.Status(status)
	if expires != nil {
		t := expires.UTC()
		o.CheckoutExpiresAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func expiresArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	var br pgx.BatchResults
	if tx := txFromContext(ctx); tx != nil {
		br = tx.SendBatch(ctx, batch)
	} else {
		br = r.pool.SendBatch(ctx, batch)
	}
	return br.Close()
}
