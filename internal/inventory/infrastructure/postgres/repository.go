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

	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
)

// Repository implements the ledger storage on Postgres. Correctness under
// concurrent checkouts rests on ProductsForUpdate locking rows in ascending
// id order inside the ambient transaction.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *Repository) ProductsForUpdate(ctx context.Context, ids []int64) ([]domain.Product, error) {
	const query = `
SELECT id, name, COALESCE(description, ''), price_cents, stock, COALESCE(category, '')
FROM products
WHERE id = ANY($1)
ORDER BY id
FOR UPDATE`

	rows, err := r.query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.Category); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) SumActiveReservations(ctx context.Context, productID int64, excludeOrderID string, now time.Time) (int, error) {
	const query = `
SELECT COALESCE(SUM(quantity), 0)
FROM reservations
WHERE product_id = $1 AND order_id <> $2 AND expires_at > $3`

	var total int
	if err := r.queryRow(ctx, query, productID, excludeOrderID, now.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}

func (r *Repository) InsertReservations(ctx context.Context, rs []domain.Reservation) error {
	batch := &pgx.Batch{}
	for _, res := range rs {
		batch.Queue(`
INSERT INTO reservations (order_id, user_id, product_id, quantity, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			res.OrderID, res.UserID, res.ProductID, res.Quantity, res.ExpiresAt.UTC(), res.CreatedAt.UTC())
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert reservations: %w", err)
	}
	return nil
}

func (r *Repository) DeleteForOrder(ctx context.Context, orderID string) (int64, error) {
	ct, err := r.exec(ctx, `DELETE FROM reservations WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete reservations for order: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := r.exec(ctx, `DELETE FROM reservations WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired reservations: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (r *Repository) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	ct, err := r.exec(ctx, `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`, productID, quantity)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrStockInconsistent
	}
	return nil
}

func (r *Repository) MarkSettled(ctx context.Context, orderID string, now time.Time) (bool, error) {
	ct, err := r.exec(ctx, `
INSERT INTO settlements (order_id, applied_at)
VALUES ($1, $2)
ON CONFLICT (order_id) DO NOTHING`, orderID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	const query = `
SELECT id, name, COALESCE(description, ''), price_cents, stock, COALESCE(category, '')
FROM products
WHERE id = $1`

	var p domain.Product
	err := r.queryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.Category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
		}
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *Repository) ListProducts(ctx context.Context, search string, skip, limit int) ([]domain.Product, error) {
	const query = `
SELECT id, name, COALESCE(description, ''), price_cents, stock, COALESCE(category, '')
FROM products
WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
ORDER BY id
OFFSET $2 LIMIT $3`

	rows, err := r.query(ctx, query, search, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Stock, &p.Category); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
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
