package clock

import "time"

// Clock is the time source injected into services so hold expiry can be
// tested deterministically. All instants are UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func NewSystem() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock pinned to t, for tests.
func NewFixed(t time.Time) Clock { return fixedClock{now: t.UTC()} }

func (f fixedClock) Now() time.Time { return f.now }
