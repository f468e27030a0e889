package application

import (
	"context"
	"time"

	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
)

// LedgerRepository is the transactional storage behind the reservation
// ledger. WithTx runs fn inside one transaction; every other method joins
// the transaction carried in ctx when present.
type LedgerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// ProductsForUpdate locks the given product rows in ascending id order
	// and returns them. Missing ids are simply absent from the result.
	ProductsForUpdate(ctx context.Context, ids []int64) ([]domain.Product, error)

	// SumActiveReservations totals unexpired holds on a product, excluding
	// those belonging to excludeOrderID.
	SumActiveReservations(ctx context.Context, productID int64, excludeOrderID string, now time.Time) (int, error)

	InsertReservations(ctx context.Context, rs []domain.Reservation) error

	// DeleteForOrder removes every reservation held by the order and
	// returns how many rows went away.
	DeleteForOrder(ctx context.Context, orderID string) (int64, error)

	// PurgeExpired drops all reservations whose expiry has passed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	DecrementStock(ctx context.Context, productID int64, quantity int) error

	// MarkSettled records that the order's stock decrement was applied.
	// Returns false if a marker already exists.
	MarkSettled(ctx context.Context, orderID string, now time.Time) (bool, error)

	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	ListProducts(ctx context.Context, search string, skip, limit int) ([]domain.Product, error)
}
