package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRPCServer(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClient_Head(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		assert.Equal(t, "eth_blockNumber", method)
		return "0x3e8", nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xcontract", 6)
	head, err := c.Head(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(1000), head)
}

func TestClient_HeadRPCError(t *testing.T) {
	srv := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "header not found"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xcontract", 6)
	_, err := c.Head(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "header not found")
}

func TestClient_TransfersTo(t *testing.T) {
	recipient := "0x00000000000000000000000000000000000005af"
	sender := "0x1111111111111111111111111111111111111111"

	srv := newRPCServer(t, func(method string, params []json.RawMessage) (interface{}, *rpcError) {
		assert.Equal(t, "eth_getLogs", method)
		var filter struct {
			Address   string        `json:"address"`
			FromBlock string        `json:"fromBlock"`
			ToBlock   string        `json:"toBlock"`
			Topics    []interface{} `json:"topics"`
		}
		assert.NoError(t, json.Unmarshal(params[0], &filter))
		assert.Equal(t, "0xusdc", filter.Address)
		assert.Equal(t, "0x64", filter.FromBlock)
		assert.Equal(t, "0xc8", filter.ToBlock)
		assert.Equal(t, transferTopic, filter.Topics[0])
		assert.Nil(t, filter.Topics[1])
		assert.Equal(t, addressTopic(recipient), filter.Topics[2])

		return []map[string]interface{}{
			{
				"transactionHash": "0xaaa",
				"blockNumber":     "0x6e",
				"topics": []string{
					transferTopic,
					addressTopic(sender),
					addressTopic(recipient),
				},
				// 50 USDC with 6 decimals = 50_000_000
				"data": "0x0000000000000000000000000000000000000000000000000000000002faf080",
			},
		}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xusdc", 6)
	transfers, err := c.TransfersTo(context.Background(), recipient, 100, 200)
	assert.NoError(t, err)
	assert.Len(t, transfers, 1)
	assert.Equal(t, "0xaaa", transfers[0].TxHash)
	assert.Equal(t, sender, transfers[0].From)
	assert.Equal(t, recipient, transfers[0].To)
	assert.Equal(t, "50", transfers[0].Amount.String())
	assert.Equal(t, uint64(110), transfers[0].Block)
}

func TestClient_TransfersToSkipsMalformedTopics(t *testing.T) {
	srv := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *rpcError) {
		return []map[string]interface{}{
			{
				"transactionHash": "0xbad",
				"blockNumber":     "0x1",
				"topics":          []string{transferTopic},
				"data":            "0x01",
			},
		}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xusdc", 6)
	transfers, err := c.TransfersTo(context.Background(), "0xdead", 1, 2)
	assert.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestTopicAddressRoundTrip(t *testing.T) {
	addr := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	assert.Equal(t, addr, topicAddress(addressTopic(addr)))
}
