// Package registry reads round and participant state from the on-chain round
// registry contract. Reads are plain eth_call operations; independent lookups
// are batched through Multicall3 to keep round trips low.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"autocap/rounds"
)

// DefaultMulticall3 is deployed at the same address on Filecoin calibration
// and mainnet.
const DefaultMulticall3 = "0xcA11bde05977b3631167028862bE2a173976CA11"

// ErrUnavailable wraps any transport or protocol failure talking to the node.
var ErrUnavailable = errors.New("registry: upstream unavailable")

// Caller is the subset of the Ethereum RPC used by the registry reader.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client reads the round registry contract.
type Client struct {
	caller      Caller
	registry    common.Address
	multicall   common.Address
	detailBatch int
}

// Option customises client construction.
type Option func(*Client)

// WithDetailBatchSize bounds how many getParticipantDetails reads share one
// Multicall3 round trip.
func WithDetailBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.detailBatch = n
		}
	}
}

// WithMulticall overrides the Multicall3 contract address.
func WithMulticall(addr common.Address) Option {
	return func(c *Client) { c.multicall = addr }
}

// NewClient constructs a registry reader bound to the registry contract.
func NewClient(caller Caller, registry common.Address, opts ...Option) *Client {
	c := &Client{
		caller:      caller,
		registry:    registry,
		multicall:   common.HexToAddress(DefaultMulticall3),
		detailBatch: 50,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentRoundID returns the registry's most recently created round id.
func (c *Client) CurrentRoundID(ctx context.Context) (uint64, error) {
	data, err := registryABI.Pack("currentRoundId")
	if err != nil {
		return 0, fmt.Errorf("pack currentRoundId: %w", err)
	}
	out, err := c.call(ctx, c.registry, data)
	if err != nil {
		return 0, err
	}
	values, err := registryABI.Unpack("currentRoundId", out)
	if err != nil {
		return 0, fmt.Errorf("decode currentRoundId: %w", err)
	}
	id := *abi.ConvertType(values[0], new(*big.Int)).(**big.Int)
	return id.Uint64(), nil
}

// Round fetches round timestamps, fee, pool, and the registrant count in one
// Multicall3 round trip. A round the registry never created comes back as an
// all-zero struct; that sentinel maps to rounds.ErrRoundNotFound.
func (c *Client) Round(ctx context.Context, id uint64) (rounds.Round, error) {
	roundID := new(big.Int).SetUint64(id)
	roundCall, err := registryABI.Pack("getRound", roundID)
	if err != nil {
		return rounds.Round{}, fmt.Errorf("pack getRound: %w", err)
	}
	countCall, err := registryABI.Pack("getTotalRegistrants", roundID)
	if err != nil {
		return rounds.Round{}, fmt.Errorf("pack getTotalRegistrants: %w", err)
	}

	results, err := c.aggregate(ctx, []multicallCall{
		{Target: c.registry, AllowFailure: false, CallData: roundCall},
		{Target: c.registry, AllowFailure: false, CallData: countCall},
	})
	if err != nil {
		return rounds.Round{}, err
	}

	roundValues, err := registryABI.Unpack("getRound", results[0].ReturnData)
	if err != nil {
		return rounds.Round{}, fmt.Errorf("decode getRound: %w", err)
	}
	startTime := *abi.ConvertType(roundValues[0], new(*big.Int)).(**big.Int)
	endTime := *abi.ConvertType(roundValues[1], new(*big.Int)).(**big.Int)
	fee := *abi.ConvertType(roundValues[2], new(*big.Int)).(**big.Int)
	pool := *abi.ConvertType(roundValues[3], new(*big.Int)).(**big.Int)

	if startTime.Sign() == 0 && endTime.Sign() == 0 && fee.Sign() == 0 && pool.Sign() == 0 {
		return rounds.Round{}, fmt.Errorf("%w: %d", rounds.ErrRoundNotFound, id)
	}

	countValues, err := registryABI.Unpack("getTotalRegistrants", results[1].ReturnData)
	if err != nil {
		return rounds.Round{}, fmt.Errorf("decode getTotalRegistrants: %w", err)
	}
	count := *abi.ConvertType(countValues[0], new(*big.Int)).(**big.Int)

	return rounds.Round{
		ID:               id,
		StartTime:        startTime.Int64(),
		EndTime:          endTime.Int64(),
		RegistrationFee:  fee,
		TotalDatacap:     pool,
		ParticipantCount: count.Uint64(),
	}, nil
}

// Participants returns one page of participant addresses (lower-cased hex)
// and the next pagination cursor. A zero cursor signals the final page.
func (c *Client) Participants(ctx context.Context, roundID, cursor, limit uint64) ([]string, uint64, error) {
	data, err := registryABI.Pack("getParticipants",
		new(big.Int).SetUint64(roundID), new(big.Int).SetUint64(cursor), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, 0, fmt.Errorf("pack getParticipants: %w", err)
	}
	out, err := c.call(ctx, c.registry, data)
	if err != nil {
		return nil, 0, err
	}
	values, err := registryABI.Unpack("getParticipants", out)
	if err != nil {
		return nil, 0, fmt.Errorf("decode getParticipants: %w", err)
	}
	addrs := *abi.ConvertType(values[0], new([]common.Address)).(*[]common.Address)
	next := *abi.ConvertType(values[1], new(*big.Int)).(**big.Int)

	page := make([]string, len(addrs))
	for i, addr := range addrs {
		page[i] = strings.ToLower(addr.Hex())
	}
	return page, next.Uint64(), nil
}

// ActorIDs resolves the registered DataCap actor id for each participant.
// Lookups are chunked into Multicall3 batches and the chunks fanned out; a
// per-call failure flag from the aggregator fails the whole lookup since every
// listed participant must have a readable registration.
func (c *Client) ActorIDs(ctx context.Context, roundID uint64, participants []string) (map[string]uint64, error) {
	if len(participants) == 0 {
		return map[string]uint64{}, nil
	}
	round := new(big.Int).SetUint64(roundID)

	type chunkResult struct {
		start int
		ids   []uint64
	}
	results := make([]chunkResult, 0, len(participants)/c.detailBatch+1)
	resultCh := make(chan chunkResult, len(participants)/c.detailBatch+1)

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(participants); start += c.detailBatch {
		start := start
		end := start + c.detailBatch
		if end > len(participants) {
			end = len(participants)
		}
		chunk := participants[start:end]
		g.Go(func() error {
			calls := make([]multicallCall, len(chunk))
			for i, participant := range chunk {
				data, err := registryABI.Pack("getParticipantDetails", round, common.HexToAddress(participant))
				if err != nil {
					return fmt.Errorf("pack getParticipantDetails: %w", err)
				}
				calls[i] = multicallCall{Target: c.registry, AllowFailure: true, CallData: data}
			}
			batch, err := c.aggregate(gctx, calls)
			if err != nil {
				return err
			}
			ids := make([]uint64, len(chunk))
			for i, res := range batch {
				if !res.Success {
					return fmt.Errorf("%w: getParticipantDetails reverted for %s", ErrUnavailable, chunk[i])
				}
				values, err := registryABI.Unpack("getParticipantDetails", res.ReturnData)
				if err != nil {
					return fmt.Errorf("decode getParticipantDetails: %w", err)
				}
				ids[i] = values[0].(uint64)
			}
			resultCh <- chunkResult{start: start, ids: ids}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultCh)
	for res := range resultCh {
		results = append(results, res)
	}

	out := make(map[string]uint64, len(participants))
	for _, res := range results {
		for i, id := range res.ids {
			out[strings.ToLower(participants[res.start+i])] = id
		}
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}
