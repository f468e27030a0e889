package domain

// Product is the authoritative stock record. Stock is mutated only by admin
// tooling and by the settlement commit; reservations never touch it.
type Product struct {
	ID          int64
	Name        string
	Description string
	PriceCents  int64
	Stock       int
	Category    string
}
