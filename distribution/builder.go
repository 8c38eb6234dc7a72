// Package distribution turns a closed round's allocations into an auditable,
// ready-to-sign transaction batch for the allocator contract.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"autocap/allocation"
	"autocap/fil"
	"autocap/registry"
	"autocap/rounds"
)

// MinAllocation is the protocol-enforced floor for a verified-client grant.
// The registry rejects sub-minimum grants at execution time, so anything
// below it is filtered here rather than doomed on-chain.
var MinAllocation = big.NewInt(1 << 20) // 1 MiB

var (
	ErrRoundNotClosed = errors.New("distribution: round is not closed")
	ErrNoAllocations  = errors.New("distribution: round has no allocations")
)

// Tx is one verified-client grant in the batch, with audit metadata alongside
// the raw call.
type Tx struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
	Meta  TxMeta `json:"meta"`
}

// TxMeta records what went into the call so operators can audit the batch
// against the allocation list. It is display data, never consensus input.
type TxMeta struct {
	RecipientAddress string `json:"recipientAddress"`
	ActorID          string `json:"datacapActorId"`
	ClientBytes      string `json:"clientAddressBytes"`
	Amount           string `json:"allocatedDatacap"`
	OriginalAmount   string `json:"allocatedDatacapOriginal"`
}

// SkippedAllocation records a participant excluded from the batch and why.
type SkippedAllocation struct {
	Address string `json:"address"`
	ActorID string `json:"datacapActorId"`
	Amount  string `json:"allocatedDatacap"`
	Reason  string `json:"reason"`
}

// Result is the authoritative output of a distribution build.
type Result struct {
	RoundID          uint64              `json:"roundId"`
	RoundStatus      rounds.Status       `json:"roundStatus"`
	Transactions     []Tx                `json:"transactions"`
	Skipped          []SkippedAllocation `json:"skipped"`
	TotalDistributed string              `json:"totalDatacapToDistribute"`
}

// Overrides redirects a build for test harnesses: a fixed grant amount, a
// fixed recipient, or a synthetic extra winner to exercise batching. The zero
// value is the production path; nothing in the service wiring ever sets it.
type Overrides struct {
	Amount      *big.Int
	Recipient   string
	ExtraWinner *ExtraWinner
}

// ExtraWinner is a synthetic batch entry appended after real allocations.
type ExtraWinner struct {
	ActorLabel string
	Recipient  string
	Amount     *big.Int
}

// AllocationSource produces the allocation list for a closed round.
type AllocationSource interface {
	Allocations(ctx context.Context, round rounds.Round) ([]allocation.ParticipantAllocation, error)
}

// RoundSource resolves the round the distribution targets.
type RoundSource interface {
	CurrentRoundID(ctx context.Context) (uint64, error)
	Round(ctx context.Context, id uint64) (rounds.Round, error)
	Status(rd rounds.Round) rounds.Status
}

// Builder assembles distribution batches.
type Builder struct {
	roundSource RoundSource
	allocations AllocationSource
	allocator   common.Address
	minimum     *big.Int
	overrides   Overrides
}

// BuilderOption customises builder construction.
type BuilderOption func(*Builder)

// WithMinimum overrides the minimum allocation floor.
func WithMinimum(minimum *big.Int) BuilderOption {
	return func(b *Builder) {
		if minimum != nil {
			b.minimum = minimum
		}
	}
}

// WithOverrides installs test-harness overrides. Production wiring never
// calls this.
func WithOverrides(o Overrides) BuilderOption {
	return func(b *Builder) { b.overrides = o }
}

// NewBuilder constructs a builder targeting the allocator contract.
func NewBuilder(roundSource RoundSource, allocations AllocationSource, allocator common.Address, opts ...BuilderOption) *Builder {
	b := &Builder{
		roundSource: roundSource,
		allocations: allocations,
		allocator:   allocator,
		minimum:     MinAllocation,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves the current round and produces the distribution batch for
// it. The round must be closed; distribution against a live round would
// compute against a moving contribution snapshot.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	currentID, err := b.roundSource.CurrentRoundID(ctx)
	if err != nil {
		return nil, err
	}
	round, err := b.roundSource.Round(ctx, currentID)
	if err != nil {
		return nil, err
	}
	return b.BuildRound(ctx, round)
}

// BuildRound produces the distribution batch for the supplied round.
func (b *Builder) BuildRound(ctx context.Context, round rounds.Round) (*Result, error) {
	status := b.roundSource.Status(round)
	if status != rounds.StatusClosed {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotClosed, round.ID, status)
	}

	allocations, err := b.allocations.Allocations(ctx, round)
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, fmt.Errorf("%w: round %d", ErrNoAllocations, round.ID)
	}

	result := &Result{
		RoundID:      round.ID,
		RoundStatus:  status,
		Transactions: []Tx{},
		Skipped:      []SkippedAllocation{},
	}
	total := new(big.Int)

	for _, alloc := range allocations {
		actorLabel := fmt.Sprintf("f0%d", alloc.ActorID)
		switch {
		case alloc.Amount == nil || alloc.Amount.Sign() == 0:
			result.Skipped = append(result.Skipped, SkippedAllocation{
				Address: alloc.Address,
				ActorID: actorLabel,
				Amount:  "0",
				Reason:  "zero allocation",
			})
			continue
		case alloc.Amount.Cmp(b.minimum) < 0:
			result.Skipped = append(result.Skipped, SkippedAllocation{
				Address: alloc.Address,
				ActorID: actorLabel,
				Amount:  alloc.Amount.String(),
				Reason:  fmt.Sprintf("below minimum allocation of %s bytes", b.minimum),
			})
			continue
		}

		recipient, clientBytes, err := b.recipientBytes(alloc)
		if err != nil {
			// One bad recipient never aborts the batch; it is recorded with
			// the underlying message for the operator to audit.
			result.Skipped = append(result.Skipped, SkippedAllocation{
				Address: alloc.Address,
				ActorID: actorLabel,
				Amount:  alloc.Amount.String(),
				Reason:  fmt.Sprintf("failed to resolve recipient: %s", err),
			})
			continue
		}

		amount := alloc.Amount
		if b.overrides.Amount != nil {
			amount = b.overrides.Amount
		}

		tx, err := b.encodeTx(recipient, actorLabel, clientBytes, amount, alloc.Amount)
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, tx)
		total.Add(total, amount)
	}

	if extra := b.overrides.ExtraWinner; extra != nil {
		clientBytes, err := fil.ClientBytes(extra.Recipient)
		if err != nil {
			return nil, fmt.Errorf("extra winner: %w", err)
		}
		tx, err := b.encodeTx(extra.Recipient, extra.ActorLabel, clientBytes, extra.Amount, new(big.Int))
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, tx)
		total.Add(total, extra.Amount)
	}

	// Content-derived ordering: two independent builds against the same
	// snapshot must produce a byte-identical batch, or co-signers could not
	// verify the proposal hash independently.
	sort.Slice(result.Transactions, func(i, j int) bool {
		return result.Transactions[i].Data < result.Transactions[j].Data
	})

	result.TotalDistributed = total.String()
	return result, nil
}

// recipientBytes resolves the allocator wire bytes for an allocation's
// recipient. With a recipient override in place every grant lands at the
// override address; otherwise the registered actor id encodes directly as an
// ID address.
func (b *Builder) recipientBytes(alloc allocation.ParticipantAllocation) (string, []byte, error) {
	if b.overrides.Recipient != "" {
		clientBytes, err := fil.ClientBytes(b.overrides.Recipient)
		if err != nil {
			return "", nil, err
		}
		return b.overrides.Recipient, clientBytes, nil
	}
	if alloc.ActorID == 0 {
		return "", nil, fmt.Errorf("no registered actor id for %s", alloc.Address)
	}
	identifier := fmt.Sprintf("f0%d", alloc.ActorID)
	clientBytes, err := fil.ClientBytes(identifier)
	if err != nil {
		return "", nil, err
	}
	return alloc.Address, clientBytes, nil
}

func (b *Builder) encodeTx(recipient, actorLabel string, clientBytes []byte, amount, original *big.Int) (Tx, error) {
	calldata, err := registry.PackAddVerifiedClient(clientBytes, amount)
	if err != nil {
		return Tx{}, fmt.Errorf("encode addVerifiedClient: %w", err)
	}
	return Tx{
		To:    strings.ToLower(b.allocator.Hex()),
		Value: "0",
		Data:  hexutil.Encode(calldata),
		Meta: TxMeta{
			RecipientAddress: recipient,
			ActorID:          actorLabel,
			ClientBytes:      hexutil.Encode(clientBytes),
			Amount:           amount.String(),
			OriginalAmount:   original.String(),
		},
	}, nil
}
