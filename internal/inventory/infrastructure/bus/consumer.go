package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkhatri94/checkout-system/internal/inventory/application"
	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
	"github.com/nkhatri94/checkout-system/pkg/bus"
	"github.com/nkhatri94/checkout-system/pkg/tracing"
)

const (
	orderPaidQueue = "inventory-service.order.paid.q"
	orderPaidTopic = "order.paid"

	stockDecrementedTopic = "stock.decremented"
)

// eventBus is the slice of pkg/bus the consumer needs.
type eventBus interface {
	Publish(ctx context.Context, topic string, payload any, headers map[string]string) error
	Subscribe(ctx context.Context, queue string, topics []string, h bus.Handler) error
}

// dedupStore is the consumer-side view of pkg/idempotency.
type dedupStore interface {
	Key(topic, orderID string) string
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Consumer settles paid orders: each order.paid becomes a durable stock
// decrement plus a stock.decremented event. The order reference arrives by
// id only; the two services share no schema.
type Consumer struct {
	log    *slog.Logger
	bus    eventBus
	ledger *application.Ledger
	idem   dedupStore
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, b eventBus, ledger *application.Ledger, idem dedupStore) *Consumer {
	return &Consumer{
		log:    log,
		bus:    b,
		ledger: ledger,
		idem:   idem,
		tracer: otel.Tracer("inventory-consumer"),
	}
}

// Run blocks consuming order.paid until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Subscribe(ctx, orderPaidQueue, []string{orderPaidTopic}, c.handle)
}

type orderPaidEvent struct {
	OrderID string `json:"order_id"`
	Items   []struct {
		ProductID int64 `json:"product_id"`
		Quantity  int   `json:"quantity"`
	} `json:"items"`
}

func (c *Consumer) handle(ctx context.Context, d bus.Delivery) error {
	msgCtx := tracing.ExtractBusHeaders(ctx, d.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderPaid")
	defer span.End()

	var ev orderPaidEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.log.Error("order.paid unmarshal failed", "err", err)
		// Malformed payload will never parse; ack and move on.
		return nil
	}
	if ev.OrderID == "" || len(ev.Items) == 0 {
		return nil
	}

	// Read-only fast path; the settlement marker below is what actually
	// guarantees a single decrement.
	key := c.idem.Key(d.Topic, ev.OrderID)
	if seen, err := c.idem.Seen(msgCtx, key); err != nil {
		c.log.Warn("idempotency check failed", "err", err)
	} else if seen {
		c.log.Info("duplicate order.paid skipped", "order_id", ev.OrderID)
		return nil
	}

	items := make([]application.Item, 0, len(ev.Items))
	for _, it := range ev.Items {
		items = append(items, application.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	applied, err := c.ledger.CommitAndDecrement(msgCtx, ev.OrderID, items)
	if err != nil {
		c.log.Error("settlement commit failed", "order_id", ev.OrderID, "err", err)
		return err
	}

	// The key is marked only once the decrement is durable. A crash
	// before this line redelivers the message; the settlement marker
	// turns that retry into a no-op instead of a double decrement.
	if err := c.idem.Mark(msgCtx, key); err != nil {
		c.log.Warn("idempotency mark failed", "err", err)
	}
	if !applied {
		return nil
	}

	out := domain.StockDecremented{
		Event:      stockDecrementedTopic,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		OrderID:    ev.OrderID,
		Items:      make([]domain.StockDecrementedItem, 0, len(ev.Items)),
	}
	for _, it := range ev.Items {
		out.Items = append(out.Items, domain.StockDecrementedItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	headers := tracing.InjectBusHeaders(msgCtx, map[string]string{"source": "inventory-service"})
	if err := c.bus.Publish(msgCtx, stockDecrementedTopic, out, headers); err != nil {
		// Stock is already committed; losing the notification must not
		// nack the message into a second decrement attempt.
		c.log.Error("stock.decremented publish failed", "order_id", ev.OrderID, "err", err)
	}
	return nil
}
