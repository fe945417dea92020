package journal

import (
	"context"

	"github.com/MrWong99/voicerelay/internal/resilience"
)

// Guarded wraps a [Store] with a circuit breaker so an unreachable database
// costs one fast [resilience.ErrOpen] per call instead of a timeout.
type Guarded struct {
	store   Store
	breaker *resilience.Breaker
}

var _ Store = (*Guarded)(nil)

// NewGuarded returns store guarded by breaker.
func NewGuarded(store Store, breaker *resilience.Breaker) *Guarded {
	return &Guarded{store: store, breaker: breaker}
}

func (g *Guarded) Begin(ctx context.Context, e *Entry) error {
	return g.breaker.Do(func() error { return g.store.Begin(ctx, e) })
}

func (g *Guarded) Finish(ctx context.Context, e *Entry) error {
	return g.breaker.Do(func() error { return g.store.Finish(ctx, e) })
}

func (g *Guarded) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.store.Recent(ctx, limit)
		return err
	})
	return out, err
}
