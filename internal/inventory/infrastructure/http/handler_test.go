package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/nkhatri94/checkout-system/internal/inventory/application"
	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
	"github.com/nkhatri94/checkout-system/pkg/clock"
)

// memRepo is a minimal single-writer ledger store. WithTx serializes on a
// mutex, which is all the handler tests need.
type memRepo struct {
	mu           sync.Mutex
	products     map[int64]domain.Product
	reservations []domain.Reservation
	settled      map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		products: map[int64]domain.Product{
			1: {ID: 1, Name: "keyboard", PriceCents: 4500, Stock: 10},
			2: {ID: 2, Name: "mouse", PriceCents: 1500, Stock: 3},
		},
		settled: map[string]bool{},
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}

func (r *memRepo) ProductsForUpdate(_ context.Context, ids []int64) ([]domain.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []domain.Product
	for _, id := range sorted {
		if p, ok := r.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) SumActiveReservations(_ context.Context, productID int64, excludeOrderID string, now time.Time) (int, error) {
	total := 0
	for _, res := range r.reservations {
		if res.ProductID == productID && res.OrderID != excludeOrderID && res.Active(now) {
			total += res.Quantity
		}
	}
	return total, nil
}

func (r *memRepo) InsertReservations(_ context.Context, rs []domain.Reservation) error {
	r.reservations = append(r.reservations, rs...)
	return nil
}

func (r *memRepo) DeleteForOrder(_ context.Context, orderID string) (int64, error) {
	var kept []domain.Reservation
	var n int64
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			n++
			continue
		}
		kept = append(kept, res)
	}
	r.reservations = kept
	return n, nil
}

func (r *memRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	var kept []domain.Reservation
	var n int64
	for _, res := range r.reservations {
		if !res.Active(now) {
			n++
			continue
		}
		kept = append(kept, res)
	}
	r.reservations = kept
	return n, nil
}

func (r *memRepo) DecrementStock(_ context.Context, productID int64, quantity int) error {
	p, ok := r.products[productID]
	if !ok || p.Stock < quantity {
		return domain.ErrStockInconsistent
	}
	p.Stock -= quantity
	r.products[productID] = p
	return nil
}

func (r *memRepo) MarkSettled(_ context.Context, orderID string, _ time.Time) (bool, error) {
	if r.settled[orderID] {
		return false, nil
	}
	r.settled[orderID] = true
	return true, nil
}

func (r *memRepo) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
	}
	return p, nil
}

func (r *memRepo) ListProducts(_ context.Context, search string, skip, limit int) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id := range r.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []domain.Product
	for _, id := range ids {
		p := r.products[id]
		if search != "" && !strings.Contains(p.Name, search) {
			continue
		}
		out = append(out, p)
	}
	if skip < len(out) {
		out = out[skip:]
	} else {
		out = nil
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memRepo) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	clk := clock.NewFixed(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	ledger := application.NewLedger(log, repo, clk)
	srv := httptest.NewServer(NewHandler(log, ledger).Routes())
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHandler_Reserve(t *testing.T) {
	srv, repo := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/reserve", `{"order_id":"ord-1","user_id":7,"ttl_seconds":30,"items":[{"product_id":1,"quantity":2}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve: status = %d body = %v", resp.StatusCode, body)
	}
	reserved, err := time.Parse(time.RFC3339, body["reserved_until"].(string))
	if err != nil {
		t.Fatalf("reserved_until: %v", err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	if !reserved.Equal(want) {
		t.Fatalf("reserved_until = %v, want %v", reserved, want)
	}
	if len(repo.reservations) != 1 || repo.reservations[0].UserID != 7 {
		t.Fatalf("hold must carry user_id from the request, got %+v", repo.reservations)
	}
}

func TestHandler_Reserve_InsufficientStock(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/reserve", `{"order_id":"ord-1","items":[{"product_id":2,"quantity":5}]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["error"] != "insufficient_stock" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["product_id"].(float64) != 2 || body["available"].(float64) != 3 || body["requested"].(float64) != 5 {
		t.Fatalf("detail lost: %v", body)
	}
}

func TestHandler_Reserve_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/reserve", `{"items":[{"product_id":1,"quantity":1}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing order_id: status = %d", resp.StatusCode)
	}
	resp, body := postJSON(t, srv.URL+"/reserve", `{"order_id":"ord-1","items":[{"product_id":1,"quantity":0}]}`)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_quantity" {
		t.Fatalf("zero quantity: status = %d body = %v", resp.StatusCode, body)
	}
	resp, body = postJSON(t, srv.URL+"/reserve", `{"order_id":"ord-1","items":[{"product_id":99,"quantity":1}]}`)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "product_not_found" {
		t.Fatalf("unknown product: status = %d body = %v", resp.StatusCode, body)
	}
}

func TestHandler_Release(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp, _ := postJSON(t, srv.URL+"/reserve", `{"order_id":"ord-1","items":[{"product_id":1,"quantity":2},{"product_id":2,"quantity":1}]}`); resp.StatusCode != http.StatusOK {
		t.Fatal("seed reservation failed")
	}

	resp, body := postJSON(t, srv.URL+"/release", `{"order_id":"ord-1"}`)
	if resp.StatusCode != http.StatusOK || body["released"].(float64) != 2 {
		t.Fatalf("release: status = %d body = %v", resp.StatusCode, body)
	}

	// Releasing again is a no-op success.
	resp, body = postJSON(t, srv.URL+"/release", `{"order_id":"ord-1"}`)
	if resp.StatusCode != http.StatusOK || body["released"].(float64) != 0 {
		t.Fatalf("repeat release: status = %d body = %v", resp.StatusCode, body)
	}
}

func TestHandler_Products(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/products/2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var p map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || p["name"] != "mouse" || p["stock"].(float64) != 3 {
		t.Fatalf("get product: status = %d body = %v", resp.StatusCode, p)
	}

	listResp, err := http.Get(srv.URL + "/products?search=key")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["id"].(float64) != 1 {
		t.Fatalf("search result = %v", list)
	}

	missing, err := http.Get(srv.URL + "/products/99")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing product: status = %d", missing.StatusCode)
	}
}
