package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func rpcServer(t *testing.T, head string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  head,
		})
	}))
}

func TestMultiClientFailsOver(t *testing.T) {
	var brokenCalls, healthyCalls atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenCalls.Add(1)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := rpcServer(t, "0x2a", &healthyCalls)
	defer healthy.Close()

	client, err := NewMultiClient("base", []string{broken.URL, healthy.URL}, nil)
	require.NoError(t, err)
	defer client.Close()

	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), head)

	// The healthy endpoint stays active for subsequent calls.
	_, err = client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), brokenCalls.Load())
	require.Equal(t, int32(2), healthyCalls.Load())
}

func TestMultiClientReportsAllFailures(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer broken.Close()

	client, err := NewMultiClient("celo", []string{broken.URL}, nil)
	require.NoError(t, err)
	_, err = client.BlockNumber(context.Background())
	require.ErrorContains(t, err, "celo eth_blockNumber")

	_, err = NewMultiClient("celo", []string{" "}, nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestPackPaymentReceivedRoundTrip(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := PackPaymentReceived(token, big.NewInt(100000000), big.NewInt(2500000), "invoice_x")
	require.NoError(t, err)

	values, err := PaymentReceivedData().Unpack(data)
	require.NoError(t, err)
	require.Len(t, values, 4)
	require.Equal(t, token, values[0])
	require.Equal(t, "invoice_x", values[3])
	require.NotEqual(t, common.Hash{}, PaymentReceivedTopic)
}
