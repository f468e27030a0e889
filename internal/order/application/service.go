package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
	"github.com/nkhatri94/checkout-system/pkg/clock"
	"github.com/nkhatri94/checkout-system/pkg/tracing"
)

const (
	orderCreatedTopic = "order.created"
	orderPaidTopic    = "order.paid"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service owns the cart lifecycle: edits, checkout holds, and payment
// settlement. Inventory is only ever reached through the reservation
// client; stock levels are never cached here.
type Service struct {
	log     *slog.Logger
	orders  OrderRepository
	catalog ProductCatalog
	stock   ReservationClient
	events  EventPublisher
	clock   clock.Clock
}

func NewService(log *slog.Logger, orders OrderRepository, catalog ProductCatalog, stock ReservationClient, events EventPublisher, clk clock.Clock) *Service {
	return &Service{
		log:     log,
		orders:  orders,
		catalog: catalog,
		stock:   stock,
		events:  events,
		clock:   clk,
	}
}

// CurrentCart returns the user's active cart. An expired checkout hold is
// reverted to cancelled on the way out; the ledger hold it left behind
// expires on its own.
func (s *Service) CurrentCart(ctx context.Context, userID int64) (domain.Order, error) {
	o, err := s.orders.FindCurrentByUser(ctx, userID)
	if err != nil {
		return domain.Order{}, err
	}
	return s.refreshHold(ctx, o), nil
}

// UpsertItem sets the quantity of a product in the user's cart, creating
// the cart if needed. Quantity zero removes the line. Edits against an
// order locked by an unexpired hold fail with ErrCartLocked.
func (s *Service) UpsertItem(ctx context.Context, userID, productID int64, quantity int) (domain.Order, error) {
	now := s.clock.Now().UTC()

	o, err := s.orders.FindCurrentByUser(ctx, userID)
	created := false
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		if quantity <= 0 {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		o = domain.NewCart(userID, now)
		created = true
	case err != nil:
		return domain.Order{}, err
	}

	if !created {
		if o.HoldActive(now) {
			return domain.Order{}, domain.ErrCartLocked
		}
		if o.HoldExpired(now) {
			o.Cancel(now)
		}
	}

	// Price is snapshotted once, when the line first appears. Later
	// quantity changes keep the original price.
	var priceCents int64
	if quantity > 0 {
		if _, ok := o.Line(productID); !ok {
			p, err := s.catalog.Product(ctx, productID)
			if err != nil {
				return domain.Order{}, err
			}
			priceCents = p.PriceCents
		}
	}

	o.UpsertLine(productID, quantity, priceCents)
	// Editing a cancelled order resumes it as a plain cart.
	o.Status = domain.StatusCart
	o.UpdatedAt = now

	if created {
		if err := s.orders.Create(ctx, o); err != nil {
			return domain.Order{}, err
		}
		s.publishOrderCreated(ctx, o, now)
	} else {
		if err := s.orders.Update(ctx, o); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

// RemoveItem drops a product from the cart. Removing a product that is
// not in the cart is a no-op.
func (s *Service) RemoveItem(ctx context.Context, userID, productID int64) (domain.Order, error) {
	return s.UpsertItem(ctx, userID, productID, 0)
}

// Order returns one of the user's orders by id.
func (s *Service) Order(ctx context.Context, userID int64, orderID string) (domain.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.UserID != userID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.refreshHold(ctx, o), nil
}

// Orders lists the user's order history, newest first.
func (s *Service) Orders(ctx context.Context, userID int64, skip, limit int) ([]domain.Order, int, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.orders.ListByUser(ctx, userID, skip, limit)
}

// refreshHold applies the lazy TTL: a hold found expired on read flips to
// cancelled. A failed persist is logged and retried by whoever reads next.
func (s *Service) refreshHold(ctx context.Context, o domain.Order) domain.Order {
	now := s.clock.Now().UTC()
	if !o.HoldExpired(now) {
		return o
	}
	o.Cancel(now)
	if err := s.orders.Update(ctx, o); err != nil {
		s.log.Warn("expired hold revert failed", "order_id", o.ID, "err", err)
	}
	return o
}

func (s *Service) publishOrderCreated(ctx context.Context, o domain.Order, now time.Time) {
	ev := domain.OrderCreated{
		Event:       orderCreatedTopic,
		OccurredAt:  now.Format(time.RFC3339),
		OrderID:     o.ID,
		UserID:      o.UserID,
		TotalAmount: o.TotalCents,
		Items:       make([]domain.OrderCreatedItem, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		ev.Items = append(ev.Items, domain.OrderCreatedItem{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			PriceCents: l.PriceCents,
		})
	}
	headers := tracing.InjectBusHeaders(ctx, map[string]string{"source": "order-service"})
	if err := s.events.Publish(ctx, orderCreatedTopic, ev, headers); err != nil {
		// The cart is already saved; the announcement is best-effort.
		s.log.Error("order.created publish failed", "order_id", o.ID, "err", err)
	}
}
