package application

import (
	"context"
	"errors"
	"time"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
	"github.com/nkhatri94/checkout-system/pkg/tracing"
)

type PaymentOutcome int

const (
	PaymentSucceeded PaymentOutcome = iota
	PaymentFailed
)

type SettlementAction int

const (
	// ActionNone acknowledges the event without touching the order.
	ActionNone SettlementAction = iota
	// ActionMarkPaid commits the order and hands it to inventory via
	// order.paid.
	ActionMarkPaid
	// ActionCancel reverts the order and releases its ledger hold.
	ActionCancel
)

// DecideSettlement maps a payment outcome onto the order's current state.
// Pure: the same (order, outcome, now) always yields the same action, which
// is what makes redelivered events safe to reprocess.
func DecideSettlement(o domain.Order, outcome PaymentOutcome, now time.Time) SettlementAction {
	switch outcome {
	case PaymentSucceeded:
		switch {
		case o.Status == domain.StatusPaid:
			// Duplicate delivery of an already-settled payment.
			return ActionNone
		case o.HoldActive(now):
			return ActionMarkPaid
		case o.Status == domain.StatusCheckoutHold:
			// Payment landed after the hold expired; the stock may already
			// be promised elsewhere, so the money has to come back.
			return ActionCancel
		default:
			return ActionNone
		}
	case PaymentFailed:
		switch o.Status {
		case domain.StatusPaid, domain.StatusCancelled:
			// A failure after settlement, or a redelivered failure, changes
			// nothing.
			return ActionNone
		default:
			return ActionCancel
		}
	}
	return ActionNone
}

// SettlePayment applies a payment outcome to an order. Unknown orders are
// acknowledged (the event can never succeed); other failures propagate and
// the delivery is nacked without requeue, leaving the order in checkout_hold
// until its hold lapses and a later payment event or cart edit moves it on.
func (s *Service) SettlePayment(ctx context.Context, orderID string, outcome PaymentOutcome) error {
	now := s.clock.Now().UTC()

	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		s.log.Warn("payment event for unknown order", "order_id", orderID)
		return nil
	}
	if err != nil {
		return err
	}

	switch DecideSettlement(o, outcome, now) {
	case ActionMarkPaid:
		// order.paid goes out before the status flips: a failed publish
		// leaves the order unpaid instead of paid-but-unsettled, and if a
		// crash before the ack redelivers the event, inventory's own
		// settlement marker absorbs the duplicate publish.
		if err := s.publishOrderPaid(ctx, o, now); err != nil {
			return err
		}
		o.MarkPaid(now)
		if err := s.orders.Update(ctx, o); err != nil {
			return err
		}
		s.log.Info("order settled", "order_id", o.ID, "total_cents", o.TotalCents)
		return nil
	case ActionCancel:
		o.Cancel(now)
		if err := s.orders.Update(ctx, o); err != nil {
			return err
		}
		if _, err := s.stock.Release(ctx, o.ID); err != nil {
			// Holds expire in the ledger on their own; a failed release
			// only delays the capacity coming back.
			s.log.Warn("ledger release failed", "order_id", o.ID, "err", err)
		}
		s.log.Info("order cancelled on settlement", "order_id", o.ID, "outcome", int(outcome))
		return nil
	default:
		return nil
	}
}

func (s *Service) publishOrderPaid(ctx context.Context, o domain.Order, now time.Time) error {
	ev := domain.OrderPaid{
		Event:      orderPaidTopic,
		OccurredAt: now.Format(time.RFC3339),
		OrderID:    o.ID,
		UserID:     o.UserID,
		Items:      make([]domain.OrderPaidItem, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		ev.Items = append(ev.Items, domain.OrderPaidItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	headers := tracing.InjectBusHeaders(ctx, map[string]string{"source": "order-service"})
	return s.events.Publish(ctx, orderPaidTopic, ev, headers)
}
