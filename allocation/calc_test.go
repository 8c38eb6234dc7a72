package allocation

import (
	"math/big"
	"testing"

	"autocap/ledger"
)

func TestExpectedAllocationFloorDivision(t *testing.T) {
	cases := []struct {
		name         string
		contribution int64
		pool         int64
		total        int64
		expected     int64
	}{
		{"third of pool truncates", 1, 10, 3, 3},
		{"zero total guards division", 0, 10, 0, 0},
		{"proportional share", 5, 1_000_000, 10, 500_000},
		{"full share", 7, 42, 7, 42},
		{"zero contribution", 0, 1_000, 10, 0},
	}
	for _, tc := range cases {
		got := ExpectedAllocation(big.NewInt(tc.contribution), big.NewInt(tc.pool), big.NewInt(tc.total))
		if got.Int64() != tc.expected {
			t.Fatalf("%s: got %s want %d", tc.name, got, tc.expected)
		}
	}
}

func TestExpectedAllocationArbitraryPrecision(t *testing.T) {
	// Pool sizes scaled by 18 decimals exceed 64-bit range; the intermediate
	// product must not overflow.
	pool, _ := new(big.Int).SetString("5000000000000000000000000", 10)
	contribution, _ := new(big.Int).SetString("123456789012345678901", 10)
	total, _ := new(big.Int).SetString("370370367037037036703", 10)

	got := ExpectedAllocation(contribution, pool, total)
	expected := new(big.Int).Mul(contribution, pool)
	expected.Quo(expected, total)
	if got.Cmp(expected) != 0 {
		t.Fatalf("got %s want %s", got, expected)
	}
	if got.Cmp(pool) > 0 {
		t.Fatalf("share %s exceeds pool %s", got, pool)
	}
}

func TestExpectedAllocationNeverOverAllocates(t *testing.T) {
	pool := big.NewInt(1_000_003)
	contributions := []*big.Int{big.NewInt(7), big.NewInt(13), big.NewInt(29)}
	total := new(big.Int)
	for _, c := range contributions {
		total.Add(total, c)
	}

	distributed := new(big.Int)
	for _, c := range contributions {
		distributed.Add(distributed, ExpectedAllocation(c, pool, total))
	}
	if distributed.Cmp(pool) > 0 {
		t.Fatalf("distributed %s exceeds pool %s", distributed, pool)
	}
}

func TestAggregateByPayee(t *testing.T) {
	events := []ledger.Burn{
		{Payee: "0xAA", Amount: big.NewInt(100)},
		{Payee: "0xaa", Amount: big.NewInt(50)},
		{Payee: "0xbb", Amount: big.NewInt(7)},
		{Payee: "", Amount: big.NewInt(999)},
		{Payee: "0xcc", Amount: nil},
	}
	totals := AggregateByPayee(events)
	if len(totals) != 2 {
		t.Fatalf("expected 2 payees, got %d", len(totals))
	}
	if totals["0xaa"].Int64() != 150 {
		t.Fatalf("0xaa: got %s", totals["0xaa"])
	}
	if totals["0xbb"].Int64() != 7 {
		t.Fatalf("0xbb: got %s", totals["0xbb"])
	}
}

func TestSumMatchesPerPayeeTotals(t *testing.T) {
	events := []ledger.Burn{
		{Payee: "0xaa", Amount: big.NewInt(11)},
		{Payee: "0xbb", Amount: big.NewInt(22)},
		{Payee: "0xaa", Amount: big.NewInt(33)},
	}
	totals := AggregateByPayee(events)
	sum := SumContributions(totals)

	manual := new(big.Int)
	for _, ev := range events {
		manual.Add(manual, ev.Amount)
	}
	if sum.Cmp(manual) != 0 {
		t.Fatalf("sum %s != event total %s", sum, manual)
	}
}
