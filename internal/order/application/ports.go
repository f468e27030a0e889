package application

import (
	"context"
	"time"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// OrderRepository persists orders together with their lines.
type OrderRepository interface {
	Create(ctx context.Context, o domain.Order) error
	Update(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	// FindCurrentByUser returns the newest order still usable as the
	// user's cart (cart, checkout_hold, or cancelled-with-lines), or
	// domain.ErrOrderNotFound.
	FindCurrentByUser(ctx context.Context, userID int64) (domain.Order, error)
	ListByUser(ctx context.Context, userID int64, skip, limit int) ([]domain.Order, int, error)
}

// ReservationClient is the synchronous edge to inventory-service. Reserve
// and Release are idempotent per order on the far side; error detail from
// the ledger (insufficient stock, unknown product) comes back typed.
type ReservationClient interface {
	Reserve(ctx context.Context, orderID string, userID int64, items []domain.Line, ttl time.Duration) (time.Time, error)
	Release(ctx context.Context, orderID string) (int64, error)
}

// ProductCatalog is the read side used for price snapshots.
type ProductCatalog interface {
	Product(ctx context.Context, id int64) (ProductInfo, error)
}

type ProductInfo struct {
	ID         int64
	Name       string
	PriceCents int64
	Stock      int
}

// EventPublisher fans domain events out to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any, headers map[string]string) error
}
