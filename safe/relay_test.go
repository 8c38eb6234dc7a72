package safe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProposeReturnsRelayHash(t *testing.T) {
	var received proposeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"safeTxHash":"0xdeadbeef"}`))
	}))
	defer srv.Close()

	client := NewRelayClient(srv.URL, srv.Client())
	txs := []BatchTx{{To: "0xaa", Value: "0", Data: "0x01"}, {To: "0xaa", Value: "0", Data: "0x02"}}
	hash, err := client.Propose(context.Background(), txs)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if hash != "0xdeadbeef" {
		t.Fatalf("got %s", hash)
	}
	if len(received.Transactions) != 2 || received.Transactions[1].Data != "0x02" {
		t.Fatalf("relay payload order not preserved: %+v", received.Transactions)
	}
}

func TestProposeEmptyBatchRejected(t *testing.T) {
	client := NewRelayClient("http://127.0.0.1:0", nil)
	if _, err := client.Propose(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestProposeRelayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewRelayClient(srv.URL, srv.Client())
	if _, err := client.Propose(context.Background(), []BatchTx{{To: "0xaa", Value: "0", Data: "0x01"}}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBatchDigestDeterministic(t *testing.T) {
	txs := []BatchTx{{To: "0xaa", Value: "0", Data: "0x01"}, {To: "0xbb", Value: "0", Data: "0x02"}}
	if BatchDigest(txs) != BatchDigest(txs) {
		t.Fatal("digest not deterministic")
	}
	reordered := []BatchTx{txs[1], txs[0]}
	if BatchDigest(txs) == BatchDigest(reordered) {
		t.Fatal("digest must depend on order")
	}
	// Field boundaries matter: "ab"+"c" must not collide with "a"+"bc".
	a := []BatchTx{{To: "ab", Value: "c", Data: ""}}
	b := []BatchTx{{To: "a", Value: "bc", Data: ""}}
	if BatchDigest(a) == BatchDigest(b) {
		t.Fatal("digest must be prefix-safe")
	}
}
