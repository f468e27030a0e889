package domain

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCart         Status = "cart"
	StatusCheckoutHold Status = "checkout_hold"
	StatusPaid         Status = "paid"
	StatusCancelled    Status = "cancelled"
	StatusFailed       Status = "failed"
)

// Order is the per-user cart and its lifecycle. At most one order per user
// is ever in {cart, checkout_hold}; a cancelled order that still has lines
// doubles as the user's resumable cart.
type Order struct {
	ID                string
	UserID            int64
	Status            Status
	TotalCents        int64
	PaymentStatus     bool
	CheckoutExpiresAt *time.Time
	Lines             []Line
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Line is one product position. The price is snapshotted when the line is
// added so the total stays stable through the hold window.
type Line struct {
	ProductID  int64
	Quantity   int
	PriceCents int64
}

func NewCart(userID int64, now time.Time) Order {
	now = now.UTC()
	return Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusCart,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Line returns the line for a product, if present.
func (o *Order) Line(productID int64) (Line, bool) {
	for _, l := range o.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return Line{}, false
}

// UpsertLine sets the quantity for a product; zero deletes the line. The
// total is recomputed from the snapshotted prices.
func (o *Order) UpsertLine(productID int64, quantity int, priceCents int64) {
	if quantity <= 0 {
		for i, l := range o.Lines {
			if l.ProductID == productID {
				o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
				break
			}
		}
	} else {
		found := false
		for i, l := range o.Lines {
			if l.ProductID == productID {
				o.Lines[i].Quantity = quantity
				found = true
				break
			}
		}
		if !found {
			o.Lines = append(o.Lines, Line{ProductID: productID, Quantity: quantity, PriceCents: priceCents})
		}
	}
	o.recalcTotal()
}

func (o *Order) recalcTotal() {
	var total int64
	for _, l := range o.Lines {
		total += int64(l.Quantity) * l.PriceCents
	}
	o.TotalCents = total
}

// HoldExpired reports whether a checkout hold exists and its TTL has
// passed. Both sides of the comparison are normalized to UTC so a
// timestamp that lost its zone on the way through storage is never
// compared against a local wall clock.
func (o *Order) HoldExpired(now time.Time) bool {
	if o.Status != StatusCheckoutHold || o.CheckoutExpiresAt == nil {
		return false
	}
	return !o.CheckoutExpiresAt.UTC().After(now.UTC())
}

// HoldActive reports whether the order is locked by an unexpired hold.
func (o *Order) HoldActive(now time.Time) bool {
	if o.Status != StatusCheckoutHold || o.CheckoutExpiresAt == nil {
		return false
	}
	return o.CheckoutExpiresAt.UTC().After(now.UTC())
}

// BeginHold locks the order for payment until expiresAt.
func (o *Order) BeginHold(expiresAt, now time.Time) {
	expiresAt = expiresAt.UTC()
	o.Status = StatusCheckoutHold
	o.CheckoutExpiresAt = &expiresAt
	o.UpdatedAt = now.UTC()
}

// MarkPaid finalizes a successful settlement.
func (o *Order) MarkPaid(now time.Time) {
	o.Status = StatusPaid
	o.PaymentStatus = true
	o.CheckoutExpiresAt = nil
	o.UpdatedAt = now.UTC()
}

// Cancel reverts the order to the retry-able cancelled state.
func (o *Order) Cancel(now time.Time) {
	o.Status = StatusCancelled
	o.CheckoutExpiresAt = nil
	o.UpdatedAt = now.UTC()
}

// Resumable reports whether lookup should surface this order as the user's
// current cart.
func (o *Order) Resumable() bool {
	switch o.Status {
	case StatusCart, StatusCheckoutHold:
		return true
	case StatusCancelled:
		return len(o.Lines) > 0
	default:
		return false
	}
}
