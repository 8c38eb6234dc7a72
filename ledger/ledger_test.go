package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEpochConversion(t *testing.T) {
	epochs := Epochs{GenesisUnix: 1_000, SecondsPerEpoch: 30}
	cases := []struct {
		unix     int64
		expected int64
	}{
		{1_000, 0},
		{1_029, 0},
		{1_030, 1},
		{1_000 + 30*100, 100},
		{1_000 + 30*100 + 29, 100},
	}
	for _, tc := range cases {
		if got := epochs.At(tc.unix); got != tc.expected {
			t.Fatalf("epoch at %d: got %d want %d", tc.unix, got, tc.expected)
		}
	}
}

func TestCalibrationGenesis(t *testing.T) {
	// Genesis itself is epoch zero.
	if got := CalibrationEpochs.At(1667326380); got != 0 {
		t.Fatalf("genesis epoch: got %d", got)
	}
}

type subgraphStub struct {
	payload   string
	status    int
	lastQuery struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
}

func (s *subgraphStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request: %v", err)
		}
		if err := json.Unmarshal(body, &s.lastQuery); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.payload))
	}
}

func TestBurnsAggregatesSettlementsAndOneTimePayments(t *testing.T) {
	stub := &subgraphStub{payload: `{"data":{"rails":[
		{"railId":"1","payee":{"address":"0xAAaa000000000000000000000000000000000001"},
		 "settlements":[{"filBurned":"100","blockNumber":"10"},{"filBurned":"250","blockNumber":"11"}],
		 "oneTimePayments":[{"filBurned":"50","blockNumber":"12"}]},
		{"railId":"2","payee":null,
		 "settlements":[{"filBurned":"999","blockNumber":"10"}],"oneTimePayments":[]},
		{"railId":"3","payee":{"address":"0xbbbb000000000000000000000000000000000002"},
		 "settlements":[],"oneTimePayments":[{"filBurned":"7","blockNumber":"13"}]}
	]}}`}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL, WithEpochs(Epochs{GenesisUnix: 0, SecondsPerEpoch: 30}))
	burns, err := client.Burns(context.Background(), []string{"0xAAaa000000000000000000000000000000000001", "0xBBBB000000000000000000000000000000000002"}, 300, 600)
	if err != nil {
		t.Fatalf("burns: %v", err)
	}
	if len(burns) != 4 {
		t.Fatalf("expected 4 events (payee-less rail skipped), got %d", len(burns))
	}
	for _, b := range burns[:3] {
		if b.Payee != "0xaaaa000000000000000000000000000000000001" {
			t.Fatalf("payee not lower-cased: %s", b.Payee)
		}
	}
	if burns[3].Amount.Int64() != 7 {
		t.Fatalf("one-time payment amount: got %s", burns[3].Amount)
	}

	vars := stub.lastQuery.Variables
	if vars["token"] != NativeFILToken {
		t.Fatalf("token filter missing: %v", vars["token"])
	}
	if vars["startEpoch"] != "10" || vars["endEpoch"] != "20" {
		t.Fatalf("epoch window: got %v..%v", vars["startEpoch"], vars["endEpoch"])
	}
	payees, ok := vars["payees"].([]interface{})
	if !ok || len(payees) != 2 {
		t.Fatalf("payees variable: %v", vars["payees"])
	}
	if payees[0] != "0xaaaa000000000000000000000000000000000001" {
		t.Fatalf("payees must be lower-cased in the query: %v", payees[0])
	}
}

func TestBurnsMalformedAmount(t *testing.T) {
	stub := &subgraphStub{payload: `{"data":{"rails":[
		{"railId":"1","payee":{"address":"0xaa"},"settlements":[{"filBurned":"not-a-number","blockNumber":"10"}],"oneTimePayments":[]}
	]}}`}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Burns(context.Background(), []string{"0xaa"}, 1_700_000_000, 1_700_100_000); err == nil {
		t.Fatal("expected error for malformed filBurned")
	}
}

func TestBurnsUpstreamFailure(t *testing.T) {
	stub := &subgraphStub{status: http.StatusBadGateway}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Burns(context.Background(), []string{"0xaa"}, 1_700_000_000, 1_700_100_000)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBurnsEmptyPayees(t *testing.T) {
	client := NewClient("http://127.0.0.1:0")
	burns, err := client.Burns(context.Background(), nil, 0, 1)
	if err != nil || burns != nil {
		t.Fatalf("empty payee set should short-circuit, got %v %v", burns, err)
	}
}
