package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
)

// fakeLedgerRepo keeps ledger state in memory. WithTx serializes on a mutex
// the way row locks serialize concurrent transactions, and restores a
// snapshot on error so all-or-nothing behavior is observable.
type fakeLedgerRepo struct {
	mu           sync.Mutex
	products     map[int64]domain.Product
	reservations []domain.Reservation
	settled      map[string]bool
	calls        []string
}

func newFakeLedgerRepo(products ...domain.Product) *fakeLedgerRepo {
	r := &fakeLedgerRepo{
		products: make(map[int64]domain.Product),
		settled:  make(map[string]bool),
	}
	for _, p := range products {
		r.products[p.ID] = p
	}
	return r
}

func (r *fakeLedgerRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prodSnap := make(map[int64]domain.Product, len(r.products))
	for k, v := range r.products {
		prodSnap[k] = v
	}
	resSnap := append([]domain.Reservation(nil), r.reservations...)
	setSnap := make(map[string]bool, len(r.settled))
	for k, v := range r.settled {
		setSnap[k] = v
	}

	if err := fn(ctx); err != nil {
		r.products = prodSnap
		r.reservations = resSnap
		r.settled = setSnap
		return err
	}
	return nil
}

func (r *fakeLedgerRepo) ProductsForUpdate(ctx context.Context, ids []int64) ([]domain.Product, error) {
	r.calls = append(r.calls, "ProductsForUpdate")
	var out []domain.Product
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeLedgerRepo) SumActiveReservations(ctx context.Context, productID int64, excludeOrderID string, now time.Time) (int, error) {
	total := 0
	for _, res := range r.reservations {
		if res.ProductID == productID && res.OrderID != excludeOrderID && res.Active(now) {
			total += res.Quantity
		}
	}
	return total, nil
}

func (r *fakeLedgerRepo) InsertReservations(ctx context.Context, rs []domain.Reservation) error {
	r.reservations = append(r.reservations, rs...)
	return nil
}

func (r *fakeLedgerRepo) DeleteForOrder(ctx context.Context, orderID string) (int64, error) {
	r.calls = append(r.calls, "DeleteForOrder")
	kept := r.reservations[:0]
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

func (r *fakeLedgerRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.calls = append(r.calls, "PurgeExpired")
	kept := r.reservations[:0]
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

func (r *fakeLedgerRepo) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	p := r.products[productID]
	p.Stock -= quantity
	r.products[productID] = p
	return nil
}

func (r *fakeLedgerRepo) MarkSettled(ctx context.Context, orderID string, now time.Time) (bool, error) {
	if r.settled[orderID] {
		return false, nil
	}
	r.settled[orderID] = true
	return true, nil
}

func (r *fakeLedgerRepo) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, ok := r.products[id]
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
	}
	return p, nil
}

func (r *fakeLedgerRepo) ListProducts(ctx context.Context, search string, skip, limit int) ([]domain.Product, error) {
	var out []domain.Product
	for _, p := range r.products {
		out = append(out, p)
	}
	return out, nil
}

// testClock is settable so tests can move past hold expiry.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testLogger = slog.New(slog.DiscardHandler)

func newTestLedger(repo *fakeLedgerRepo, start time.Time) (*Ledger, *testClock) {
	clk := &testClock{now: start}
	return NewLedger(testLogger, repo, clk), clk
}

func TestLedger_Reserve(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ttl := time.Minute

	t.Run("holds capacity without touching stock", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		expiresAt, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{{ProductID: 1, Quantity: 2}}, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !expiresAt.Equal(start.Add(ttl)) {
			t.Fatalf("expected expiry %v, got %v", start.Add(ttl), expiresAt)
		}
		if got := repo.products[1].Stock; got != 5 {
			t.Fatalf("stock must stay authoritative at 5, got %d", got)
		}
		if len(repo.reservations) != 1 || repo.reservations[0].Quantity != 2 {
			t.Fatalf("unexpected reservations: %+v", repo.reservations)
		}
		if repo.reservations[0].UserID != 7 {
			t.Fatalf("hold must carry the requesting user, got %d", repo.reservations[0].UserID)
		}
	})

	t.Run("availability subtracts other orders' active holds", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		repo.reservations = []domain.Reservation{
			{OrderID: "other", ProductID: 1, Quantity: 3, ExpiresAt: start.Add(time.Hour)},
		}
		ledger, _ := newTestLedger(repo, start)

		_, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{{ProductID: 1, Quantity: 3}}, ttl)
		var insufficient *domain.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientStockError, got %v", err)
		}
		if insufficient.Available != 2 || insufficient.Requested != 3 || insufficient.ProductID != 1 {
			t.Fatalf("unexpected detail: %+v", insufficient)
		}
	})

	t.Run("all or nothing on partial shortage", func(t *testing.T) {
		repo := newFakeLedgerRepo(
			domain.Product{ID: 1, Stock: 10},
			domain.Product{ID: 2, Stock: 1},
		)
		ledger, _ := newTestLedger(repo, start)

		_, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 5},
		}, ttl)
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		if len(repo.reservations) != 0 {
			t.Fatalf("partial reservations persisted: %+v", repo.reservations)
		}
	})

	t.Run("duplicate product ids are merged", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		_, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{
			{ProductID: 1, Quantity: 2},
			{ProductID: 1, Quantity: 1},
		}, ttl)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(repo.reservations) != 1 || repo.reservations[0].Quantity != 3 {
			t.Fatalf("expected one merged hold of 3, got %+v", repo.reservations)
		}
	})

	t.Run("retrying an order replaces its holds", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, clk := newTestLedger(repo, start)
		ctx := context.Background()

		if _, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 4}}, ttl); err != nil {
			t.Fatalf("first reserve: %v", err)
		}
		clk.Advance(10 * time.Second)
		expiresAt, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 4}}, ttl)
		if err != nil {
			t.Fatalf("retry must not double count its own holds: %v", err)
		}
		if !expiresAt.Equal(start.Add(10*time.Second + ttl)) {
			t.Fatalf("retry must get a fresh expiry, got %v", expiresAt)
		}
		if len(repo.reservations) != 1 {
			t.Fatalf("expected holds replaced, got %+v", repo.reservations)
		}
	})

	t.Run("expired holds free capacity for competitors", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, clk := newTestLedger(repo, start)
		ctx := context.Background()

		if _, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 5}}, time.Minute); err != nil {
			t.Fatalf("first reserve: %v", err)
		}
		if _, err := ledger.Reserve(ctx, "order-2", 7, []Item{{ProductID: 1, Quantity: 1}}, time.Minute); !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected shortage while hold active, got %v", err)
		}

		clk.Advance(61 * time.Second)
		if _, err := ledger.Reserve(ctx, "order-2", 7, []Item{{ProductID: 1, Quantity: 5}}, time.Minute); err != nil {
			t.Fatalf("expected success after expiry, got %v", err)
		}
		// The stale hold was purged, not just ignored.
		for _, res := range repo.reservations {
			if res.OrderID == "order-1" {
				t.Fatalf("expired hold not purged: %+v", res)
			}
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		_, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{{ProductID: 99, Quantity: 1}}, ttl)
		var notFound *domain.ProductNotFoundError
		if !errors.As(err, &notFound) || notFound.ProductID != 99 {
			t.Fatalf("expected ProductNotFoundError for 99, got %v", err)
		}
	})

	t.Run("rejects empty and non-positive requests", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		if _, err := ledger.Reserve(context.Background(), "order-1", 7, nil, ttl); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Fatalf("expected invalid quantity for empty items, got %v", err)
		}
		if _, err := ledger.Reserve(context.Background(), "order-1", 7, []Item{{ProductID: 1, Quantity: 0}}, ttl); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Fatalf("expected invalid quantity for zero, got %v", err)
		}
	})
}

func TestLedger_Reserve_LastUnitRace(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 1})
	ledger, _ := newTestLedger(repo, start)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, orderID := range []string{"order-a", "order-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(context.Background(), orderID, 7, []Item{{ProductID: 1, Quantity: 1}}, time.Minute)
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		var insufficient *domain.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("loser must get InsufficientStockError, got %v", err)
		}
		if insufficient.Available != 0 {
			t.Fatalf("loser must see available=0, got %d", insufficient.Available)
		}
		lost++
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner and one loser, got %d/%d", won, lost)
	}
}

func TestLedger_Release(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
	ledger, _ := newTestLedger(repo, start)
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 2}}, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	n, err := ledger.Release(ctx, "order-1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 released, got %d err=%v", n, err)
	}

	// Releasing again, or releasing an unknown order, is a no-op success.
	n, err = ledger.Release(ctx, "order-1")
	if err != nil || n != 0 {
		t.Fatalf("second release must be a no-op, got %d err=%v", n, err)
	}
	if _, err := ledger.Release(ctx, "never-reserved"); err != nil {
		t.Fatalf("unknown order release must succeed, got %v", err)
	}
}

func TestLedger_CommitAndDecrement(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("decrements stock and drops holds", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		if _, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 2}}, time.Minute); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		applied, err := ledger.CommitAndDecrement(ctx, "order-1", []Item{{ProductID: 1, Quantity: 2}})
		if err != nil || !applied {
			t.Fatalf("expected applied commit, got applied=%v err=%v", applied, err)
		}
		if got := repo.products[1].Stock; got != 3 {
			t.Fatalf("expected stock 3, got %d", got)
		}
		if len(repo.reservations) != 0 {
			t.Fatalf("holds must be dropped on commit: %+v", repo.reservations)
		}
	})

	t.Run("redelivery does not decrement twice", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		if _, err := ledger.CommitAndDecrement(ctx, "order-1", []Item{{ProductID: 1, Quantity: 2}}); err != nil {
			t.Fatalf("first commit: %v", err)
		}
		applied, err := ledger.CommitAndDecrement(ctx, "order-1", []Item{{ProductID: 1, Quantity: 2}})
		if err != nil {
			t.Fatalf("duplicate commit must no-op, got %v", err)
		}
		if applied {
			t.Fatalf("duplicate commit must not report applied")
		}
		if got := repo.products[1].Stock; got != 3 {
			t.Fatalf("expected stock 3 after duplicate, got %d", got)
		}
	})

	t.Run("defensive stock assert rolls back marker", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 1})
		ledger, _ := newTestLedger(repo, start)

		_, err := ledger.CommitAndDecrement(ctx, "order-1", []Item{{ProductID: 1, Quantity: 5}})
		if !errors.Is(err, domain.ErrStockInconsistent) {
			t.Fatalf("expected stock inconsistency, got %v", err)
		}
		if repo.settled["order-1"] {
			t.Fatalf("failed commit must not leave a settlement marker")
		}
		if got := repo.products[1].Stock; got != 1 {
			t.Fatalf("stock must be untouched, got %d", got)
		}
	})
}

// Reserve and CommitAndDecrement must both lock product rows before
// touching any reservation rows; an inverted order between the two paths
// can deadlock when a commit races a reserve-side purge of the same order.
func TestLedger_ProductLocksComeFirst(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	reservationCalls := map[string]bool{
		"PurgeExpired":   true,
		"DeleteForOrder": true,
	}
	assertProductsFirst := func(t *testing.T, calls []string) {
		t.Helper()
		locked := false
		for _, call := range calls {
			if call == "ProductsForUpdate" {
				locked = true
			}
			if reservationCalls[call] && !locked {
				t.Fatalf("%s ran before ProductsForUpdate: %v", call, calls)
			}
		}
	}

	t.Run("reserve", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		if _, err := ledger.Reserve(ctx, "order-1", 7, []Item{{ProductID: 1, Quantity: 1}}, time.Minute); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		assertProductsFirst(t, repo.calls)
	})

	t.Run("commit", func(t *testing.T) {
		repo := newFakeLedgerRepo(domain.Product{ID: 1, Stock: 5})
		ledger, _ := newTestLedger(repo, start)

		if _, err := ledger.CommitAndDecrement(ctx, "order-1", []Item{{ProductID: 1, Quantity: 1}}); err != nil {
			t.Fatalf("commit: %v", err)
		}
		assertProductsFirst(t, repo.calls)
	})
}
