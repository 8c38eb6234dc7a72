package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrRoundNotFound = errors.New("rounds: round not found")
	ErrNoClosedRound = errors.New("rounds: no closed round")
)

// Registry is the subset of the on-chain round registry used by the resolver.
type Registry interface {
	CurrentRoundID(ctx context.Context) (uint64, error)
	Round(ctx context.Context, id uint64) (Round, error)
}

// Resolver looks up rounds and walks round history for the most recent closed
// round. Closed rounds are cached: closure is terminal, so a cached entry can
// never go stale.
type Resolver struct {
	registry Registry
	now      func() time.Time

	mu     sync.Mutex
	closed map[uint64]Round
}

// ResolverOption customises resolver construction.
type ResolverOption func(*Resolver)

// WithClock overrides the wall clock used for status derivation.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver constructs a resolver over the supplied registry.
func NewResolver(registry Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		now:      time.Now,
		closed:   make(map[uint64]Round),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status derives the round status at the resolver's current clock reading.
func (r *Resolver) Status(rd Round) Status {
	return rd.StatusAt(r.now())
}

// CurrentRoundID returns the registry's pointer to the most recently created
// round.
func (r *Resolver) CurrentRoundID(ctx context.Context) (uint64, error) {
	id, err := r.registry.CurrentRoundID(ctx)
	if err != nil {
		return 0, fmt.Errorf("current round id: %w", err)
	}
	return id, nil
}

// Round fetches a single round by id.
func (r *Resolver) Round(ctx context.Context, id uint64) (Round, error) {
	if cached, ok := r.cachedClosed(id); ok {
		return cached, nil
	}
	rd, err := r.registry.Round(ctx, id)
	if err != nil {
		return Round{}, err
	}
	if rd.ClosedAt(r.now()) {
		r.cacheClosed(rd)
	}
	return rd, nil
}

// MostRecentClosed walks backward from currentID and returns the first closed
// round. The scan terminates as soon as a closed round is found; rounds close
// strictly in creation order, so everything below it is closed too.
func (r *Resolver) MostRecentClosed(ctx context.Context, currentID uint64) (Round, error) {
	for id := currentID; id >= 1; id-- {
		rd, err := r.Round(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRoundNotFound) {
				continue
			}
			return Round{}, err
		}
		if rd.ClosedAt(r.now()) {
			return rd, nil
		}
	}
	return Round{}, ErrNoClosedRound
}

func (r *Resolver) cachedClosed(id uint64) (Round, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.closed[id]
	return rd, ok
}

func (r *Resolver) cacheClosed(rd Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[rd.ID] = rd
}
