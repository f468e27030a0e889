package application

import (
	"context"
	"time"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// DefaultHoldTTL bounds how long a checkout hold keeps the cart locked
// and the stock reserved before payment must have settled.
const DefaultHoldTTL = 60 * time.Second

type CheckoutResult struct {
	OrderID       string
	ReservedUntil time.Time
	TotalCents    int64
}

// Checkout places a time-bounded hold on the cart: stock is reserved in
// the inventory ledger first, and only then is the order locked. Calling
// checkout again while a hold is active returns the existing hold instead
// of stacking a second reservation. A stale hold is released and the order
// cancelled before re-reserving, so the ledger never carries two holds for
// one order.
func (s *Service) Checkout(ctx context.Context, userID int64, ttl time.Duration) (CheckoutResult, error) {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	now := s.clock.Now().UTC()

	o, err := s.orders.FindCurrentByUser(ctx, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(o.Lines) == 0 {
		return CheckoutResult{}, domain.ErrEmptyCart
	}

	if o.HoldActive(now) {
		return CheckoutResult{
			OrderID:       o.ID,
			ReservedUntil: o.CheckoutExpiresAt.UTC(),
			TotalCents:    o.TotalCents,
		}, nil
	}
	if o.HoldExpired(now) {
		if _, err := s.stock.Release(ctx, o.ID); err != nil {
			// The stale hold expires in the ledger on its own; re-reserving
			// below supersedes it for this order either way.
			s.log.Warn("stale hold release failed", "order_id", o.ID, "err", err)
		}
		o.Cancel(now)
		if err := s.orders.Update(ctx, o); err != nil {
			return CheckoutResult{}, err
		}
	}

	reservedUntil, err := s.stock.Reserve(ctx, o.ID, userID, o.Lines, ttl)
	if err != nil {
		return CheckoutResult{}, err
	}

	o.BeginHold(reservedUntil, now)
	if err := s.orders.Update(ctx, o); err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{
		OrderID:       o.ID,
		ReservedUntil: reservedUntil.UTC(),
		TotalCents:    o.TotalCents,
	}, nil
}
