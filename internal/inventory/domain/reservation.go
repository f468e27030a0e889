package domain

import "time"

// Reservation is a time-bounded hold on product quantity for one order.
// It claims capacity without decrementing Product.Stock, so other shoppers
// are never blocked by someone else's payment flow.
type Reservation struct {
	OrderID   string
	UserID    int64
	ProductID int64
	Quantity  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Active reports whether the hold still counts against availability.
// Expiry is lazy: rows past ExpiresAt are ignored by this check and purged
// opportunistically on the next ledger touch, never by a sweeper.
func (r Reservation) Active(now time.Time) bool {
	return r.ExpiresAt.After(now.UTC())
}
