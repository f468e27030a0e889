package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkhatri94/checkout-system/internal/inventory/application"
	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
)

const defaultReserveTTL = 60 * time.Second

// Handler exposes the reservation RPC consumed by order-service plus the
// product read side.
type Handler struct {
	log    *slog.Logger
	ledger *application.Ledger
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, ledger *application.Ledger) *Handler {
	return &Handler{
		log:    log,
		ledger: ledger,
		tracer: otel.Tracer("inventory-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/reserve", h.reserve)
	r.Post("/release", h.release)
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	return r
}

type reserveReq struct {
	OrderID    string `json:"order_id"`
	UserID     int64  `json:"user_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	Items      []struct {
		ProductID int64 `json:"product_id"`
		Quantity  int   `json:"quantity"`
	} `json:"items"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Reserve")
	defer span.End()

	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_body"})
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, errorBody{Error: "order_id_required"})
		return
	}

	ttl := defaultReserveTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	items := make([]application.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, application.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	reservedUntil, err := h.ledger.Reserve(ctx, req.OrderID, req.UserID, items, ttl)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"reserved_until": reservedUntil.UTC().Format(time.RFC3339),
	})
}

type releaseReq struct {
	OrderID string `json:"order_id"`
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Release")
	defer span.End()

	var req releaseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_body"})
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, errorBody{Error: "order_id_required"})
		return
	}

	n, err := h.ledger.Release(ctx, req.OrderID)
	if err != nil {
		h.log.Error("release failed", "order_id", req.OrderID, "err", err)
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"released": n})
}

type productOut struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceCents  int64  `json:"price_cents"`
	Stock       int    `json:"stock"`
	Category    string `json:"category,omitempty"`
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetProduct")
	defer span.End()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_product_id"})
		return
	}

	p, err := h.ledger.Product(ctx, id)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductOut(p))
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListProducts")
	defer span.End()

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	search := r.URL.Query().Get("search")

	products, err := h.ledger.Products(ctx, search, skip, limit)
	if err != nil {
		h.log.Error("list products failed", "err", err)
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	out := make([]productOut, 0, len(products))
	for _, p := range products {
		out = append(out, toProductOut(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error     string `json:"error"`
	ProductID int64  `json:"product_id,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

// writeLedgerError maps domain errors to the wire payloads callers act on;
// the product/quantity detail must survive the boundary.
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		writeError(w, http.StatusConflict, errorBody{
			Error:     "insufficient_stock",
			ProductID: insufficient.ProductID,
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
		return
	}
	var notFound *domain.ProductNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, errorBody{
			Error:     "product_not_found",
			ProductID: notFound.ProductID,
		})
		return
	}
	if errors.Is(err, domain.ErrInvalidQuantity) {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_quantity"})
		return
	}
	h.log.Error("ledger error", "err", err)
	writeError(w, http.StatusInternalServerError, errorBody{Error: "internal"})
}

func toProductOut(p domain.Product) productOut {
	return productOut{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		PriceCents:  p.PriceCents,
		Stock:       p.Stock,
		Category:    p.Category,
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
