package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	inventorydomain "github.com/nkhatri94/checkout-system/internal/inventory/domain"
	"github.com/nkhatri94/checkout-system/internal/order/application"
	"github.com/nkhatri94/checkout-system/internal/order/domain"
)

// TokenResolver exchanges a bearer token for a user id.
type TokenResolver interface {
	UserID(ctx context.Context, token string) (int64, error)
}

type Handler struct {
	log    *slog.Logger
	svc    *application.Service
	ids    TokenResolver
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Service, ids TokenResolver) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		ids:    ids,
		tracer: otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/cart", h.getCart)
		r.Put("/cart/items", h.upsertItem)
		r.Delete("/cart/items/{product_id}", h.removeItem)
		r.Post("/checkout", h.checkout)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
	})
	return r
}

type userKey struct{}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		userID, err := h.ids.UserID(r.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			h.log.Error("token resolution failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, errorBody{Error: "service_unavailable"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) || len(auth) == len(prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetCart")
	defer span.End()

	o, err := h.svc.CurrentCart(ctx, userFrom(ctx))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderOut(o))
}

type upsertItemReq struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

func (h *Handler) upsertItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpsertCartItem")
	defer span.End()

	var req upsertItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_body"})
		return
	}
	if req.ProductID <= 0 || req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_item"})
		return
	}

	o, err := h.svc.UpsertItem(ctx, userFrom(ctx), req.ProductID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderOut(o))
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RemoveCartItem")
	defer span.End()

	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_product_id"})
		return
	}

	o, err := h.svc.RemoveItem(ctx, userFrom(ctx), productID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderOut(o))
}

type checkoutReq struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Checkout")
	defer span.End()

	var req checkoutReq
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_body"})
			return
		}
	}

	res, err := h.svc.Checkout(ctx, userFrom(ctx), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       res.OrderID,
		"reserved_until": res.ReservedUntil.UTC().Format(time.RFC3339),
		"total_amount":   res.TotalCents,
	})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOrders")
	defer span.End()

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	orders, total, err := h.svc.Orders(ctx, userFrom(ctx), skip, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]orderOut, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderOut(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": out,
		"total":  total,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	o, err := h.svc.Order(ctx, userFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderOut(o))
}

type orderOut struct {
	ID                string         `json:"id"`
	UserID            int64          `json:"user_id"`
	Status            string         `json:"status"`
	TotalAmount       int64          `json:"total_amount"`
	PaymentStatus     bool           `json:"payment_status"`
	CheckoutExpiresAt *string        `json:"checkout_expires_at"`
	Items             []orderItemOut `json:"items"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

type orderItemOut struct {
	ProductID  int64 `json:"product_id"`
	Quantity   int   `json:"quantity"`
	PriceCents int64 `json:"price_cents"`
}

func toOrderOut(o domain.Order) orderOut {
	out := orderOut{
		ID:            o.ID,
		UserID:        o.UserID,
		Status:        string(o.Status),
		TotalAmount:   o.TotalCents,
		PaymentStatus: o.PaymentStatus,
		Items:         make([]orderItemOut, 0, len(o.Lines)),
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if o.CheckoutExpiresAt != nil {
		s := o.CheckoutExpiresAt.UTC().Format(time.RFC3339)
		out.CheckoutExpiresAt = &s
	}
	for _, l := range o.Lines {
		out.Items = append(out.Items, orderItemOut{ProductID: l.ProductID, Quantity: l.Quantity, PriceCents: l.PriceCents})
	}
	return out
}

type errorBody struct {
	Error     string `json:"error"`
	ProductID int64  `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *inventorydomain.InsufficientStockError
	if errors.As(err, &insufficient) {
		writeError(w, http.StatusConflict, errorBody{
			Error:     "insufficient_stock",
			ProductID: insufficient.ProductID,
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
		return
	}
	var notFound *inventorydomain.ProductNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, errorBody{
			Error:     "product_not_found",
			ProductID: notFound.ProductID,
		})
		return
	}
	switch {
	case errors.Is(err, domain.ErrCartLocked):
		writeError(w, http.StatusConflict, errorBody{Error: "cart_locked"})
	case errors.Is(err, domain.ErrEmptyCart):
		writeError(w, http.StatusBadRequest, errorBody{Error: "empty_cart"})
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: "order_not_found"})
	case errors.Is(err, inventorydomain.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_quantity"})
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: "service_unavailable"})
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}
