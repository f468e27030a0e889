package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// Client resolves bearer tokens against user-service.
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

// UserID exchanges a bearer token for the authenticated user's id.
func (c *Client) UserID(ctx context.Context, token string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/me", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("user-service unreachable: %w", domain.ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("decode identity response: %w", err)
		}
		if out.ID <= 0 {
			return 0, domain.ErrInvalidToken
		}
		return out.ID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, domain.ErrInvalidToken
	case resp.StatusCode >= http.StatusInternalServerError:
		return 0, fmt.Errorf("user-service returned %d: %w", resp.StatusCode, domain.ErrServiceUnavailable)
	default:
		return 0, fmt.Errorf("user-service returned %d", resp.StatusCode)
	}
}
