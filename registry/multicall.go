package registry

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type multicallCall struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type multicallResult struct {
	Success    bool
	ReturnData []byte
}

// aggregate executes the supplied calls in one Multicall3 aggregate3 round
// trip and returns the per-call results.
func (c *Client) aggregate(ctx context.Context, calls []multicallCall) ([]multicallResult, error) {
	data, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	out, err := c.call(ctx, c.multicall, data)
	if err != nil {
		return nil, err
	}
	values, err := multicallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, fmt.Errorf("decode aggregate3: %w", err)
	}
	results := *abi.ConvertType(values[0], new([]multicallResult)).(*[]multicallResult)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("%w: aggregate3 returned %d results for %d calls", ErrUnavailable, len(results), len(calls))
	}
	return results, nil
}
