package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"autocap/allocation"
	"autocap/rounds"
)

var allocatorAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")

type stubRoundSource struct {
	currentID  uint64
	currentErr error
	round      rounds.Round
	roundErr   error
	now        int64
}

func (s *stubRoundSource) CurrentRoundID(ctx context.Context) (uint64, error) {
	return s.currentID, s.currentErr
}

func (s *stubRoundSource) Round(ctx context.Context, id uint64) (rounds.Round, error) {
	return s.round, s.roundErr
}

func (s *stubRoundSource) Status(rd rounds.Round) rounds.Status {
	return rd.StatusAt(time.Unix(s.now, 0))
}

type stubAllocations struct {
	allocations []allocation.ParticipantAllocation
	err         error
	calls       int
}

func (s *stubAllocations) Allocations(ctx context.Context, round rounds.Round) ([]allocation.ParticipantAllocation, error) {
	s.calls++
	return s.allocations, s.err
}

func closedRoundSource() *stubRoundSource {
	return &stubRoundSource{
		currentID: 4,
		round: rounds.Round{
			ID:               4,
			StartTime:        1_000,
			EndTime:          2_000,
			RegistrationFee:  big.NewInt(1),
			TotalDatacap:     big.NewInt(100 << 20),
			ParticipantCount: 3,
		},
		now: 10_000,
	}
}

func alloc(address string, actorID uint64, amount int64) allocation.ParticipantAllocation {
	return allocation.ParticipantAllocation{
		Address:      address,
		ActorID:      actorID,
		Contribution: big.NewInt(1),
		Amount:       big.NewInt(amount),
	}
}

func TestBuildIncludesAndOrders(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1433, 5<<20),
		alloc("0xbb", 99, 2<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr)

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.Transactions) != 2 || len(result.Skipped) != 0 {
		t.Fatalf("got %d txs %d skipped", len(result.Transactions), len(result.Skipped))
	}
	for _, tx := range result.Transactions {
		if tx.To != strings.ToLower(allocatorAddr.Hex()) {
			t.Fatalf("target: %s", tx.To)
		}
		if tx.Value != "0" {
			t.Fatalf("native value must be zero, got %s", tx.Value)
		}
		if !strings.HasPrefix(tx.Data, "0x") {
			t.Fatalf("calldata not hex: %s", tx.Data)
		}
	}
	// Ordering is by calldata, not input order.
	if result.Transactions[0].Data >= result.Transactions[1].Data {
		t.Fatalf("batch not sorted by payload: %s then %s", result.Transactions[0].Data, result.Transactions[1].Data)
	}
	expectedTotal := big.NewInt(7 << 20)
	if result.TotalDistributed != expectedTotal.String() {
		t.Fatalf("total: got %s want %s", result.TotalDistributed, expectedTotal)
	}
}

func TestBuildDeterministic(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 7, 3<<20),
		alloc("0xbb", 1433, 5<<20),
		alloc("0xcc", 21, 9<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr)

	first, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("independent builds must be byte-identical")
	}
}

func TestBuildConservation(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1, 5<<20),
		alloc("0xbb", 2, 0),       // skipped: zero
		alloc("0xcc", 3, 1<<20-1), // skipped: below floor
		alloc("0xdd", 4, 2<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr)

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sum := new(big.Int)
	for _, tx := range result.Transactions {
		amount, ok := new(big.Int).SetString(tx.Meta.Amount, 10)
		if !ok {
			t.Fatalf("bad meta amount %q", tx.Meta.Amount)
		}
		sum.Add(sum, amount)
	}
	if sum.String() != result.TotalDistributed {
		t.Fatalf("totalDistributed %s != sum of included %s", result.TotalDistributed, sum)
	}
}

func TestBuildSkipsZeroAndBelowMinimum(t *testing.T) {
	source := closedRoundSource()
	oneBelow := new(big.Int).Sub(MinAllocation, big.NewInt(1))
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1, 0),
		{Address: "0xbb", ActorID: 2, Contribution: big.NewInt(1), Amount: oneBelow},
		alloc("0xcc", 3, 1<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr)

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(result.Transactions))
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 skipped, got %d", len(result.Skipped))
	}
	if result.Skipped[0].Reason != "zero allocation" {
		t.Fatalf("zero reason: %q", result.Skipped[0].Reason)
	}
	if !strings.Contains(result.Skipped[1].Reason, "below minimum allocation") ||
		!strings.Contains(result.Skipped[1].Reason, MinAllocation.String()) {
		t.Fatalf("threshold reason must cite the byte floor: %q", result.Skipped[1].Reason)
	}
	if result.Skipped[1].Amount != oneBelow.String() {
		t.Fatalf("skipped amount: %q", result.Skipped[1].Amount)
	}
}

func TestBuildIsolatesBadRecipient(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 101, 2<<20),
		alloc("0xbb", 0, 2<<20), // no registered actor id
		alloc("0xcc", 303, 2<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr)

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("one bad recipient must not abort the batch: %v", err)
	}
	if len(result.Transactions) != 2 {
		t.Fatalf("expected 2 txs, got %d", len(result.Transactions))
	}
	if len(result.Skipped) != 1 {
		t.Fatalf("expected 1 skipped, got %d", len(result.Skipped))
	}
	if !strings.Contains(result.Skipped[0].Reason, "failed to resolve recipient") {
		t.Fatalf("reason: %q", result.Skipped[0].Reason)
	}
	if result.Skipped[0].Address != "0xbb" {
		t.Fatalf("skipped address: %s", result.Skipped[0].Address)
	}
}

func TestBuildRequiresClosedRound(t *testing.T) {
	source := closedRoundSource()
	source.now = 1_500 // round still open
	builder := NewBuilder(source, &stubAllocations{}, allocatorAddr)

	if _, err := builder.Build(context.Background()); !errors.Is(err, ErrRoundNotClosed) {
		t.Fatalf("expected ErrRoundNotClosed, got %v", err)
	}
}

func TestBuildRequiresAllocations(t *testing.T) {
	source := closedRoundSource()
	builder := NewBuilder(source, &stubAllocations{}, allocatorAddr)

	if _, err := builder.Build(context.Background()); !errors.Is(err, ErrNoAllocations) {
		t.Fatalf("expected ErrNoAllocations, got %v", err)
	}
}

func TestBuildUpstreamFailureAbortsWhole(t *testing.T) {
	source := closedRoundSource()
	upstream := errors.New("registry: upstream unavailable")
	builder := NewBuilder(source, &stubAllocations{err: upstream}, allocatorAddr)

	if _, err := builder.Build(context.Background()); !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	source.roundErr = errors.New("rpc: dial tcp: connection refused")
	builder = NewBuilder(source, &stubAllocations{}, allocatorAddr)
	if _, err := builder.Build(context.Background()); !errors.Is(err, source.roundErr) {
		t.Fatalf("expected round fetch error, got %v", err)
	}
}

func TestBuildRecipientOverride(t *testing.T) {
	source := closedRoundSource()
	override := "0xa45882Cc3594d79ddeA910a0376f7Ff2e521d3fd"
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1433, 2<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr,
		WithOverrides(Overrides{Recipient: override}))

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx := result.Transactions[0]
	if tx.Meta.RecipientAddress != override {
		t.Fatalf("recipient: %s", tx.Meta.RecipientAddress)
	}
	if !strings.HasPrefix(tx.Meta.ClientBytes, "0x040a") {
		t.Fatalf("override must encode as a delegated address: %s", tx.Meta.ClientBytes)
	}
	// Original actor id stays visible for audit.
	if tx.Meta.ActorID != "f01433" {
		t.Fatalf("actor id metadata: %s", tx.Meta.ActorID)
	}
}

func TestBuildAmountOverrideKeepsOriginal(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1433, 9<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr,
		WithOverrides(Overrides{Amount: big.NewInt(1 << 20)}))

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx := result.Transactions[0]
	if tx.Meta.Amount != fmt.Sprintf("%d", 1<<20) {
		t.Fatalf("amount: %s", tx.Meta.Amount)
	}
	if tx.Meta.OriginalAmount != fmt.Sprintf("%d", 9<<20) {
		t.Fatalf("original amount: %s", tx.Meta.OriginalAmount)
	}
	if result.TotalDistributed != fmt.Sprintf("%d", 1<<20) {
		t.Fatalf("total counts the encoded amount: %s", result.TotalDistributed)
	}
}

func TestBuildExtraWinnerOverride(t *testing.T) {
	source := closedRoundSource()
	allocs := &stubAllocations{allocations: []allocation.ParticipantAllocation{
		alloc("0xaa", 1433, 2<<20),
	}}
	builder := NewBuilder(source, allocs, allocatorAddr,
		WithOverrides(Overrides{ExtraWinner: &ExtraWinner{
			ActorLabel: "f099999",
			Recipient:  "0xa45882Cc3594d79ddeA910a0376f7Ff2e521d3fd",
			Amount:     big.NewInt(1 << 20),
		}}))

	result, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.Transactions) != 2 {
		t.Fatalf("expected injected second tx, got %d", len(result.Transactions))
	}
	if result.TotalDistributed != fmt.Sprintf("%d", 3<<20) {
		t.Fatalf("total: %s", result.TotalDistributed)
	}
}
