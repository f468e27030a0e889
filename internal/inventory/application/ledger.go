package application

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nkhatri94/checkout-system/internal/inventory/domain"
	"github.com/nkhatri94/checkout-system/pkg/clock"
)

// Item is one requested (product, quantity) pair.
type Item struct {
	ProductID int64
	Quantity  int
}

// Ledger tracks tentative stock holds. Availability for a product is
// stock minus the sum of its unexpired holds; authoritative stock itself
// only moves on settlement commit.
type Ledger struct {
	log   *slog.Logger
	repo  LedgerRepository
	clock clock.Clock
}

func NewLedger(log *slog.Logger, repo LedgerRepository, clk clock.Clock) *Ledger {
	return &Ledger{log: log, repo: repo, clock: clk}
}

// Reserve places holds for every item or none of them. Retrying the same
// order replaces its previous holds, so a checkout retry never double
// counts. Returns the expiry shared by all created holds.
func (l *Ledger) Reserve(ctx context.Context, orderID string, userID int64, items []Item, ttl time.Duration) (time.Time, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return time.Time{}, err
	}

	now := l.clock.Now()
	expiresAt := now.Add(ttl)

	err = l.repo.WithTx(ctx, func(txCtx context.Context) error {
		// Product rows are locked first, in ascending id order, before any
		// reservation row is touched. CommitAndDecrement follows the same
		// order, so concurrent reserves, commits and purges never invert
		// lock order against each other.
		products, err := l.lockProducts(txCtx, merged)
		if err != nil {
			return err
		}

		if _, err := l.repo.PurgeExpired(txCtx, now); err != nil {
			return err
		}
		if _, err := l.repo.DeleteForOrder(txCtx, orderID); err != nil {
			return err
		}

		for i, item := range merged {
			active, err := l.repo.SumActiveReservations(txCtx, item.ProductID, orderID, now)
			if err != nil {
				return err
			}
			available := products[i].Stock - active
			if item.Quantity > available {
				return &domain.InsufficientStockError{
					ProductID: item.ProductID,
					Available: available,
					Requested: item.Quantity,
				}
			}
		}

		rs := make([]domain.Reservation, 0, len(merged))
		for _, item := range merged {
			rs = append(rs, domain.Reservation{
				OrderID:   orderID,
				UserID:    userID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				ExpiresAt: expiresAt,
				CreatedAt: now,
			})
		}
		return l.repo.InsertReservations(txCtx, rs)
	})
	if err != nil {
		return time.Time{}, err
	}

	l.log.Info("reservation placed", "order_id", orderID, "user_id", userID, "items", len(merged), "expires_at", expiresAt)
	return expiresAt, nil
}

// Release drops every hold the order has. Releasing an order with no holds
// is a no-op success, so retries and compensations are always safe.
func (l *Ledger) Release(ctx context.Context, orderID string) (int64, error) {
	var released int64
	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := l.clock.Now()
		if _, err := l.repo.PurgeExpired(txCtx, now); err != nil {
			return err
		}
		n, err := l.repo.DeleteForOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		released = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.log.Info("reservation released", "order_id", orderID, "count", released)
	return released, nil
}

// CommitAndDecrement converts the order's holds into a permanent stock
// decrement. The settlement marker row makes the whole commit idempotent:
// a redelivered order.paid finds the marker and changes nothing. Returns
// whether this call applied the decrement.
func (l *Ledger) CommitAndDecrement(ctx context.Context, orderID string, items []Item) (bool, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return false, err
	}

	applied := false
	err = l.repo.WithTx(ctx, func(txCtx context.Context) error {
		now := l.clock.Now()
		first, err := l.repo.MarkSettled(txCtx, orderID, now)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}

		products, err := l.lockProducts(txCtx, merged)
		if err != nil {
			return err
		}
		for i, item := range merged {
			// Reservation capacity should make this impossible.
			if products[i].Stock < item.Quantity {
				return domain.ErrStockInconsistent
			}
		}
		for _, item := range merged {
			if err := l.repo.DecrementStock(txCtx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		if _, err := l.repo.DeleteForOrder(txCtx, orderID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		l.log.Info("settlement already applied, skipping", "order_id", orderID)
	} else {
		l.log.Info("stock committed", "order_id", orderID, "items", len(merged))
	}
	return applied, nil
}

// Product returns one product for the read side.
func (l *Ledger) Product(ctx context.Context, id int64) (domain.Product, error) {
	return l.repo.GetProduct(ctx, id)
}

// Products lists products, optionally filtered by a search term.
func (l *Ledger) Products(ctx context.Context, search string, skip, limit int) ([]domain.Product, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	return l.repo.ListProducts(ctx, search, skip, limit)
}

// lockProducts locks the rows for merged (already sorted ascending) and
// verifies every product exists. The result is index-aligned with merged.
func (l *Ledger) lockProducts(ctx context.Context, merged []Item) ([]domain.Product, error) {
	ids := make([]int64, 0, len(merged))
	for _, item := range merged {
		ids = append(ids, item.ProductID)
	}
	products, err := l.repo.ProductsForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	out := make([]domain.Product, len(merged))
	for i, item := range merged {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &domain.ProductNotFoundError{ProductID: item.ProductID}
		}
		out[i] = p
	}
	return out, nil
}

// mergeItems folds duplicate product ids together, validates quantities and
// returns the result sorted by ascending product id (the lock order).
func mergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, domain.ErrInvalidQuantity
	}
	byID := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
		byID[item.ProductID] += item.Quantity
	}
	merged := make([]Item, 0, len(byID))
	for id, qty := range byID {
		merged = append(merged, Item{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}
