package domain

// OrderCreated announces a new cart.
type OrderCreated struct {
	Event       string             `json:"event"`
	OccurredAt  string             `json:"occurred_at"`
	OrderID     string             `json:"order_id"`
	UserID      int64              `json:"user_id"`
	TotalAmount int64              `json:"total_amount"`
	Items       []OrderCreatedItem `json:"items"`
}

type OrderCreatedItem struct {
	ProductID  int64 `json:"product_id"`
	Quantity   int   `json:"quantity"`
	PriceCents int64 `json:"price_cents"`
}

// OrderPaid carries only what inventory needs to settle: which products,
// how many. No prices, no cart detail.
type OrderPaid struct {
	Event      string          `json:"event"`
	OccurredAt string          `json:"occurred_at"`
	OrderID    string          `json:"order_id"`
	UserID     int64           `json:"user_id"`
	Items      []OrderPaidItem `json:"items"`
}

type OrderPaidItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
