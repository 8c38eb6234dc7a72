// Package lotus talks to a Lotus node over JSON-RPC for address conversions
// and actor capability probes. Nothing here sits on the allocation-amount
// critical path; results feed validation and display.
package lotus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("lotus: rpc unavailable")
	ErrRPC         = errors.New("lotus: rpc error")
)

// Receiver-hook probe parameters. The DataCap actor (f07) invokes the
// universal receiver hook on grant; an actor that cannot handle method
// 3726118371 cannot receive a verified-client grant.
const (
	datacapActor       = "f07"
	receiverHookMethod = 3726118371

	// FVM exit codes observed from the probe.
	exitUnhandledMessage = 22
	exitReverted         = 33
)

var idAddressPattern = regexp.MustCompile(`^[ft]0([0-9]+)$`)

// Client is a minimal Lotus JSON-RPC client.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient constructs a client for the supplied RPC endpoint.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrUnavailable, method, resp.Status)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%w: %s: %s", ErrRPC, method, decoded.Error.Message)
	}
	if decoded.Result == nil {
		return fmt.Errorf("%w: %s returned no result", ErrRPC, method)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", ErrRPC, method, err)
		}
	}
	return nil
}

// EthAddressFromID converts an f0 ID address to its 0x EVM form.
func (c *Client) EthAddressFromID(ctx context.Context, idAddress string) (string, error) {
	var ethAddress string
	if err := c.call(ctx, "Filecoin.FilecoinAddressToEthAddress", []any{idAddress}, &ethAddress); err != nil {
		return "", err
	}
	return ethAddress, nil
}

// ActorIDFromEthAddress resolves the numeric actor id behind an EVM address:
// first to the f410 delegated form, then through the state tree to the ID
// address.
func (c *Client) ActorIDFromEthAddress(ctx context.Context, ethAddress string) (uint64, error) {
	var delegated string
	if err := c.call(ctx, "Filecoin.EthAddressToFilecoinAddress", []any{ethAddress}, &delegated); err != nil {
		return 0, err
	}
	var idAddress string
	if err := c.call(ctx, "Filecoin.StateLookupID", []any{delegated, nil}, &idAddress); err != nil {
		return 0, err
	}
	match := idAddressPattern.FindStringSubmatch(strings.TrimSpace(idAddress))
	if match == nil {
		return 0, fmt.Errorf("%w: StateLookupID returned %q", ErrRPC, idAddress)
	}
	actorID, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse actor id %q: %v", ErrRPC, idAddress, err)
	}
	return actorID, nil
}

// RobustAddress returns the actor's robust (key) address for display.
func (c *Client) RobustAddress(ctx context.Context, actorID uint64) (string, error) {
	var robust string
	if err := c.call(ctx, "Filecoin.StateAccountKey", []any{fmt.Sprintf("f0%d", actorID), nil}, &robust); err != nil {
		return "", err
	}
	return robust, nil
}

// ReceiverCheck is the tri-state outcome of a DataCap receivability probe:
// the actor can receive, cannot receive for the given reason, or the probe
// itself failed upstream (the error return).
type ReceiverCheck struct {
	CanReceive bool   `json:"canReceive"`
	Reason     string `json:"reason,omitempty"`
}

type stateCallReceipt struct {
	ExitCode int    `json:"ExitCode"`
	Error    string `json:"Error,omitempty"`
}

type stateCallResult struct {
	MsgRct stateCallReceipt `json:"MsgRct"`
	Error  string           `json:"Error,omitempty"`
}

// CheckDatacapReceiver probes whether the actor can receive a verified-client
// grant by simulating the receiver hook invocation the DataCap actor performs
// on transfer. Account and EthAccount actors accept via fallback, multisigs
// via their explicit hook; miner/system actors and EVM contracts without a
// hook reject.
func (c *Client) CheckDatacapReceiver(ctx context.Context, actorID uint64) (ReceiverCheck, error) {
	message := map[string]any{
		"Version":    0,
		"To":         fmt.Sprintf("f0%d", actorID),
		"From":       datacapActor,
		"Value":      "0",
		"Method":     receiverHookMethod,
		"Params":     nil,
		"GasLimit":   0,
		"GasFeeCap":  "0",
		"GasPremium": "0",
		"Nonce":      0,
	}
	var result stateCallResult
	if err := c.call(ctx, "Filecoin.StateCall", []any{message, nil}, &result); err != nil {
		return ReceiverCheck{}, err
	}

	switch result.MsgRct.ExitCode {
	case 0:
		return ReceiverCheck{CanReceive: true}, nil
	case exitUnhandledMessage:
		return ReceiverCheck{Reason: "actor does not handle the datacap receiver hook (unhandled message)"}, nil
	case exitReverted:
		return ReceiverCheck{Reason: "receiver hook reverted"}, nil
	default:
		reason := fmt.Sprintf("receiver hook failed with exit code %d", result.MsgRct.ExitCode)
		if result.MsgRct.Error != "" {
			reason = fmt.Sprintf("%s: %s", reason, result.MsgRct.Error)
		}
		return ReceiverCheck{Reason: reason}, nil
	}
}
