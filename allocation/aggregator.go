package allocation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/sync/errgroup"

	"autocap/ledger"
	"autocap/rounds"
)

// ErrPartialParticipants flags a registry that returned fewer participant
// addresses than the round's declared registrant count. The allocation set is
// never silently truncated.
var ErrPartialParticipants = errors.New("allocation: registry returned partial participant list")

// DefaultPageSize matches the registry's participant pagination window.
const DefaultPageSize = 100

// ParticipantSource is the subset of the round registry the aggregator reads.
type ParticipantSource interface {
	// Participants returns one page of participant addresses and the next
	// cursor; a zero next cursor means no further pages.
	Participants(ctx context.Context, roundID, cursor, limit uint64) ([]string, uint64, error)
	// ActorIDs resolves the registered DataCap actor id for each participant.
	ActorIDs(ctx context.Context, roundID uint64, participants []string) (map[string]uint64, error)
}

// BurnSource supplies eligible contribution events for a payee set within a
// time window.
type BurnSource interface {
	Burns(ctx context.Context, payees []string, startUnix, endUnix int64) ([]ledger.Burn, error)
}

// ParticipantAllocation is one participant's computed share for a round.
type ParticipantAllocation struct {
	Address      string
	ActorID      uint64
	Contribution *big.Int
	Amount       *big.Int
}

// Aggregator assembles the full allocation list for a closed round.
type Aggregator struct {
	registry ParticipantSource
	burns    BurnSource
	pageSize uint64
}

// AggregatorOption customises aggregator construction.
type AggregatorOption func(*Aggregator)

// WithPageSize overrides the participant pagination window.
func WithPageSize(size uint64) AggregatorOption {
	return func(a *Aggregator) {
		if size > 0 {
			a.pageSize = size
		}
	}
}

// NewAggregator constructs an aggregator over the supplied collaborators.
func NewAggregator(registry ParticipantSource, burns BurnSource, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		registry: registry,
		burns:    burns,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocations produces the per-participant allocation list for the round, in
// participant-address order. The list is empty for a round with no
// registrants; allocations are uniformly zero when nothing was burned.
func (a *Aggregator) Allocations(ctx context.Context, round rounds.Round) ([]ParticipantAllocation, error) {
	if round.ParticipantCount == 0 {
		return nil, nil
	}

	participants, err := a.participants(ctx, round)
	if err != nil {
		return nil, err
	}

	var (
		actorIDs map[string]uint64
		events   []ledger.Burn
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := a.registry.ActorIDs(gctx, round.ID, participants)
		if err != nil {
			return fmt.Errorf("participant details: %w", err)
		}
		actorIDs = ids
		return nil
	})
	g.Go(func() error {
		burns, err := a.burns.Burns(gctx, participants, round.StartTime, round.EndTime)
		if err != nil {
			return fmt.Errorf("burn contributions: %w", err)
		}
		events = burns
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	contributions := AggregateByPayee(events)
	total := SumContributions(contributions)

	allocations := make([]ParticipantAllocation, 0, len(participants))
	for _, addr := range participants {
		key := strings.ToLower(addr)
		contribution := contributions[key]
		if contribution == nil {
			contribution = new(big.Int)
		}
		allocations = append(allocations, ParticipantAllocation{
			Address:      addr,
			ActorID:      actorIDs[key],
			Contribution: contribution,
			Amount:       ExpectedAllocation(contribution, round.TotalDatacap, total),
		})
	}
	return allocations, nil
}

// participants collects the round's full participant list. Page offsets are
// known up front, so the fetches fan out; order is restored by page index.
func (a *Aggregator) participants(ctx context.Context, round rounds.Round) ([]string, error) {
	pageCount := (round.ParticipantCount + a.pageSize - 1) / a.pageSize
	pages := make([][]string, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < pageCount; i++ {
		page := i
		g.Go(func() error {
			addrs, _, err := a.registry.Participants(gctx, round.ID, page*a.pageSize, a.pageSize)
			if err != nil {
				return fmt.Errorf("participants page %d: %w", page, err)
			}
			pages[page] = addrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	participants := make([]string, 0, round.ParticipantCount)
	for _, page := range pages {
		participants = append(participants, page...)
	}
	if uint64(len(participants)) < round.ParticipantCount {
		return nil, fmt.Errorf("%w: got %d of %d declared for round %d",
			ErrPartialParticipants, len(participants), round.ParticipantCount, round.ID)
	}
	return participants, nil
}
