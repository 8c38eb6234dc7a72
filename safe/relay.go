// Package safe proposes transaction batches to the multisig relay. The relay
// is an external collaborator with a narrow contract: it accepts an ordered
// list of calls and returns the content hash co-signers verify against.
package safe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnavailable = errors.New("safe: relay unavailable")

// BatchTx is one call in a proposed batch.
type BatchTx struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// Proposer submits an ordered batch and returns the relay's content hash. The
// relay's hash is authoritative for "was this exact batch proposed"; any
// locally computed digest is display-only.
type Proposer interface {
	Propose(ctx context.Context, txs []BatchTx) (string, error)
}

// RelayClient proposes batches over HTTP.
type RelayClient struct {
	endpoint string
	http     *http.Client
}

// NewRelayClient constructs a relay client for the supplied endpoint.
func NewRelayClient(endpoint string, httpClient *http.Client) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &RelayClient{endpoint: endpoint, http: httpClient}
}

type proposeRequest struct {
	Transactions []BatchTx `json:"transactions"`
}

type proposeResponse struct {
	SafeTxHash string `json:"safeTxHash"`
}

// Propose submits the batch and returns the relay's content hash.
func (c *RelayClient) Propose(ctx context.Context, txs []BatchTx) (string, error) {
	if len(txs) == 0 {
		return "", errors.New("safe: empty batch")
	}
	payload, err := json.Marshal(proposeRequest{Transactions: txs})
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: relay returned %s", ErrUnavailable, resp.Status)
	}

	var decoded proposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode relay response: %v", ErrUnavailable, err)
	}
	if decoded.SafeTxHash == "" {
		return "", fmt.Errorf("%w: relay returned no hash", ErrUnavailable)
	}
	return decoded.SafeTxHash, nil
}

// BatchDigest computes a keccak digest over the ordered batch for display
// before proposal. Each field is length-prefixed so distinct batches can
// never collide on concatenation.
func BatchDigest(txs []BatchTx) string {
	var buf bytes.Buffer
	appendField := func(s string) {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(s)))
		buf.Write(length[:])
		buf.WriteString(s)
	}
	for _, tx := range txs {
		appendField(tx.To)
		appendField(tx.Value)
		appendField(tx.Data)
	}
	return hexutil.Encode(crypto.Keccak256(buf.Bytes()))
}
