package domain

// StockDecremented is published after a settlement commit permanently
// reduced stock for an order.
type StockDecremented struct {
	Event      string                 `json:"event"`
	OccurredAt string                 `json:"occurred_at"`
	OrderID    string                 `json:"order_id"`
	Items      []StockDecrementedItem `json:"items"`
}

type StockDecrementedItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
