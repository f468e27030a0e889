package inventoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	inventorydomain "github.com/nkhatri94/checkout-system/internal/inventory/domain"
	"github.com/nkhatri94/checkout-system/internal/order/application"
	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// Client calls inventory-service over HTTP. Ledger refusals come back as
// the same typed errors the ledger raises, so checkout can surface which
// product fell short; transport failures collapse into
// domain.ErrServiceUnavailable.
type Client struct {
	log  *slog.Logger
	base string
	http *http.Client
}

func New(log *slog.Logger, baseURL string) *Client {
	return &Client{
		log:  log,
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

type reserveReq struct {
	OrderID    string        `json:"order_id"`
	UserID     int64         `json:"user_id"`
	TTLSeconds int           `json:"ttl_seconds"`
	Items      []reserveItem `json:"items"`
}

type reserveItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type errorBody struct {
	Error     string `json:"error"`
	ProductID int64  `json:"product_id"`
	Available *int   `json:"available"`
	Requested *int   `json:"requested"`
}

func (c *Client) Reserve(ctx context.Context, orderID string, userID int64, items []domain.Line, ttl time.Duration) (time.Time, error) {
	req := reserveReq{
		OrderID:    orderID,
		UserID:     userID,
		TTLSeconds: int(ttl / time.Second),
		Items:      make([]reserveItem, 0, len(items)),
	}
	for _, l := range items {
		req.Items = append(req.Items, reserveItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	resp, err := c.post(ctx, "/reserve", req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var out struct {
			ReservedUntil string `json:"reserved_until"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return time.Time{}, fmt.Errorf("decode reserve response: %w", err)
		}
		t, err := time.Parse(time.RFC3339, out.ReservedUntil)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse reserved_until: %w", err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, c.ledgerError(resp)
}

func (c *Client) Release(ctx context.Context, orderID string) (int64, error) {
	resp, err := c.post(ctx, "/release", map[string]string{"order_id": orderID})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.ledgerError(resp)
	}
	var out struct {
		Released int64 `json:"released"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode release response: %w", err)
	}
	return out.Released, nil
}

func (c *Client) Product(ctx context.Context, id int64) (application.ProductInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/products/%d", c.base, id), nil)
	if err != nil {
		return application.ProductInfo{}, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return application.ProductInfo{}, fmt.Errorf("inventory-service unreachable: %w", domain.ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return application.ProductInfo{}, c.ledgerError(resp)
	}
	var out struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		PriceCents int64  `json:"price_cents"`
		Stock      int    `json:"stock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return application.ProductInfo{}, fmt.Errorf("decode product response: %w", err)
	}
	return application.ProductInfo{ID: out.ID, Name: out.Name, PriceCents: out.PriceCents, Stock: out.Stock}, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inventory-service unreachable: %w", domain.ErrServiceUnavailable)
	}
	return resp, nil
}

// ledgerError rebuilds the typed ledger error from the wire payload.
func (c *Client) ledgerError(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("inventory-service returned %d: %w", resp.StatusCode, domain.ErrServiceUnavailable)
	}

	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("inventory-service returned %d", resp.StatusCode)
	}
	switch body.Error {
	case "insufficient_stock":
		e := &inventorydomain.InsufficientStockError{ProductID: body.ProductID}
		if body.Available != nil {
			e.Available = *body.Available
		}
		if body.Requested != nil {
			e.Requested = *body.Requested
		}
		return e
	case "product_not_found":
		return &inventorydomain.ProductNotFoundError{ProductID: body.ProductID}
	case "invalid_quantity":
		return inventorydomain.ErrInvalidQuantity
	default:
		return fmt.Errorf("inventory-service rejected request: %s", body.Error)
	}
}
