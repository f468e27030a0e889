package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkhatri94/checkout-system/internal/order/application"
	"github.com/nkhatri94/checkout-system/pkg/bus"
	"github.com/nkhatri94/checkout-system/pkg/tracing"
)

const (
	paymentQueue          = "order-service.payment.q"
	paymentSucceededTopic = "payment.succeeded"
	paymentFailedTopic    = "payment.failed"
)

// Consumer feeds payment outcomes into settlement. Deliveries are
// at-least-once; everything downstream of handle is idempotent on the
// order's state.
type Consumer struct {
	log    *slog.Logger
	bus    *bus.Bus
	svc    *application.Service
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, b *bus.Bus, svc *application.Service) *Consumer {
	return &Consumer{
		log:    log,
		bus:    b,
		svc:    svc,
		tracer: otel.Tracer("order-consumer"),
	}
}

// Run blocks consuming payment.succeeded and payment.failed until ctx is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Subscribe(ctx, paymentQueue, []string{paymentSucceededTopic, paymentFailedTopic}, c.handle)
}

type paymentEvent struct {
	Event   string `json:"event"`
	OrderID string `json:"order_id"`
}

func (c *Consumer) handle(ctx context.Context, d bus.Delivery) error {
	msgCtx := tracing.ExtractBusHeaders(ctx, d.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumePaymentEvent")
	defer span.End()

	var ev paymentEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.log.Error("payment event unmarshal failed", "topic", d.Topic, "err", err)
		// Malformed payload will never parse; ack and move on.
		return nil
	}
	if ev.OrderID == "" {
		return nil
	}

	var outcome application.PaymentOutcome
	switch d.Topic {
	case paymentSucceededTopic:
		outcome = application.PaymentSucceeded
	case paymentFailedTopic:
		outcome = application.PaymentFailed
	default:
		c.log.Warn("unexpected payment topic", "topic", d.Topic)
		return nil
	}

	if err := c.svc.SettlePayment(msgCtx, ev.OrderID, outcome); err != nil {
		c.log.Error("payment settlement failed", "order_id", ev.OrderID, "topic", d.Topic, "err", err)
		return err
	}
	return nil
}
