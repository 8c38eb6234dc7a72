// Package ledger queries the payment subgraph for FIL burned by round
// participants. Only native-FIL rails count toward contributions; activity in
// any other token denomination is not eligible.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/machinebox/graphql"
)

// NativeFILToken is the sentinel token address identifying native-FIL rails
// in the subgraph schema.
const NativeFILToken = "0x0000000000000000000000000000000000000000"

var ErrUnavailable = errors.New("ledger: subgraph unavailable")

// Epochs converts Unix timestamps into the ledger's native epoch unit using a
// fixed genesis offset and block time.
type Epochs struct {
	GenesisUnix     int64
	SecondsPerEpoch int64
}

// CalibrationEpochs matches the Filecoin calibration network parameters.
var CalibrationEpochs = Epochs{
	GenesisUnix:     1667326380, // 2022-11-01T18:13:00Z
	SecondsPerEpoch: 30,
}

// At returns the epoch containing the supplied Unix timestamp. Timestamps
// before genesis are not meaningful for burn queries.
func (e Epochs) At(unix int64) int64 {
	return (unix - e.GenesisUnix) / e.SecondsPerEpoch
}

// Burn is a single eligible contribution event attributed to a payee.
type Burn struct {
	Payee  string
	Amount *big.Int
}

// Client reads burn contributions from the payment subgraph.
type Client struct {
	endpoint string
	gql      *graphql.Client
	epochs   Epochs
	token    string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for subgraph requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.gql = graphql.NewClient(c.endpoint, graphql.WithHTTPClient(hc))
	}
}

// WithEpochs overrides the epoch conversion parameters.
func WithEpochs(e Epochs) Option {
	return func(c *Client) { c.epochs = e }
}

// NewClient constructs a subgraph client for the supplied endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		gql:      graphql.NewClient(endpoint, graphql.WithHTTPClient(&http.Client{Timeout: 30 * time.Second})),
		epochs:   CalibrationEpochs,
		token:    NativeFILToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const burnsQuery = `
query ($payees: [String!]!, $startEpoch: BigInt!, $endEpoch: BigInt!, $token: String!) {
  rails(where: { payee_in: $payees, token: $token, settledUpto_gte: $startEpoch }) {
    railId
    payee { address }
    settlements(where: { blockNumber_gte: $startEpoch, blockNumber_lte: $endEpoch }) {
      filBurned
      blockNumber
    }
    oneTimePayments(where: { blockNumber_gte: $startEpoch, blockNumber_lte: $endEpoch }) {
      filBurned
      blockNumber
    }
  }
}`

type burnEvent struct {
	FilBurned   string `json:"filBurned"`
	BlockNumber string `json:"blockNumber"`
}

type rail struct {
	RailID string `json:"railId"`
	Payee  *struct {
		Address string `json:"address"`
	} `json:"payee"`
	Settlements     []burnEvent `json:"settlements"`
	OneTimePayments []burnEvent `json:"oneTimePayments"`
}

type burnsResponse struct {
	Rails []rail `json:"rails"`
}

// Burns returns every eligible contribution event for the supplied payees
// within the [startUnix, endUnix] window. Rails with no indexed payee are
// skipped; the subgraph denormalises the payee onto each rail and partially
// indexed entries are tolerated rather than failing the whole query.
func (c *Client) Burns(ctx context.Context, payees []string, startUnix, endUnix int64) ([]Burn, error) {
	if len(payees) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(payees))
	for i, p := range payees {
		lowered[i] = strings.ToLower(p)
	}

	req := graphql.NewRequest(burnsQuery)
	req.Var("payees", lowered)
	req.Var("startEpoch", fmt.Sprintf("%d", c.epochs.At(startUnix)))
	req.Var("endEpoch", fmt.Sprintf("%d", c.epochs.At(endUnix)))
	req.Var("token", c.token)

	var resp burnsResponse
	if err := c.gql.Run(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var burns []Burn
	for _, r := range resp.Rails {
		if r.Payee == nil || strings.TrimSpace(r.Payee.Address) == "" {
			continue
		}
		payee := strings.ToLower(r.Payee.Address)
		for _, ev := range append(append([]burnEvent{}, r.Settlements...), r.OneTimePayments...) {
			amount, ok := new(big.Int).SetString(ev.FilBurned, 10)
			if !ok {
				return nil, fmt.Errorf("ledger: rail %s: malformed filBurned %q", r.RailID, ev.FilBurned)
			}
			burns = append(burns, Burn{Payee: payee, Amount: amount})
		}
	}
	return burns, nil
}
