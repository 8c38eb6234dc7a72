// Package allocation computes proportional DataCap shares for the
// participants of a closed round.
package allocation

import (
	"math/big"
	"strings"

	"autocap/ledger"
)

// ExpectedAllocation returns the participant's proportional share of the
// distributable pool: floor(contribution * pool / total). A zero total yields
// a zero share; with no contributions there is no basis for one. Truncating
// division guarantees the sum of all shares never exceeds the pool.
func ExpectedAllocation(contribution, pool, total *big.Int) *big.Int {
	if contribution == nil || pool == nil || total == nil || total.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(contribution, pool)
	return product.Quo(product, total)
}

// AggregateByPayee folds burn events into a per-payee running sum keyed by
// lower-cased payee address. Events without a payee are skipped so partially
// indexed ledger data never fails aggregation.
func AggregateByPayee(events []ledger.Burn) map[string]*big.Int {
	totals := make(map[string]*big.Int)
	for _, ev := range events {
		payee := strings.ToLower(strings.TrimSpace(ev.Payee))
		if payee == "" || ev.Amount == nil {
			continue
		}
		sum, ok := totals[payee]
		if !ok {
			sum = new(big.Int)
			totals[payee] = sum
		}
		sum.Add(sum, ev.Amount)
	}
	return totals
}

// SumContributions totals every value in a per-payee contribution map.
func SumContributions(contributions map[string]*big.Int) *big.Int {
	total := new(big.Int)
	for _, amount := range contributions {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}
