package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Transfer is one observed token transfer to the collection address.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount decimal.Decimal
	Block  uint64
}

// EventSource is the chain boundary the ingestor polls. The JSON-RPC client
// below is the production implementation; tests substitute a fake.
type EventSource interface {
	Head(ctx context.Context) (uint64, error)
	TransfersTo(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]Transfer, error)
}

// Client talks JSON-RPC to an EVM node and filters ERC20 Transfer logs on the
// configured token contract.
type Client struct {
	rpcURL   string
	contract string
	decimals int32
	http     *http.Client
}

func NewClient(rpcURL, contract string, decimals int32) *Client {
	return &Client{
		rpcURL:   rpcURL,
		contract: contract,
		decimals: decimals,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, rr.Error.Code, rr.Error.Message)
	}
	return json.Unmarshal(rr.Result, out)
}

// Head returns the current block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

type rpcLog struct {
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
}

// TransfersTo fetches Transfer logs addressed to recipient in [fromBlock, toBlock].
func (c *Client) TransfersTo(ctx context.Context, recipient string, fromBlock, toBlock uint64) ([]Transfer, error) {
	filter := map[string]interface{}{
		"address":   c.contract,
		"fromBlock": hexUint(fromBlock),
		"toBlock":   hexUint(toBlock),
		"topics":    []interface{}{transferTopic, nil, addressTopic(recipient)},
	}
	var logs []rpcLog
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &logs); err != nil {
		return nil, err
	}

	transfers := make([]Transfer, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}
		block, err := parseHexUint(lg.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("log %s: %w", lg.TransactionHash, err)
		}
		value, ok := new(big.Int).SetString(strings.TrimPrefix(lg.Data, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("log %s: bad value %q", lg.TransactionHash, lg.Data)
		}
		transfers = append(transfers, Transfer{
			TxHash: lg.TransactionHash,
			From:   topicAddress(lg.Topics[1]),
			To:     topicAddress(lg.Topics[2]),
			Amount: decimal.NewFromBigInt(value, -c.decimals),
			Block:  block,
		})
	}
	return transfers, nil
}

func hexUint(n uint64) string { return fmt.Sprintf("0x%x", n) }

func parseHexUint(s string) (uint64, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("bad hex number %q", s)
	}
	return v.Uint64(), nil
}

// addressTopic left-pads a 20-byte address to the 32-byte topic form.
func addressTopic(addr string) string {
	return "0x000000000000000000000000" + strings.ToLower(strings.TrimPrefix(addr, "0x"))
}

// topicAddress extracts the address from a 32-byte topic.
func topicAddress(topic string) string {
	t := strings.TrimPrefix(topic, "0x")
	if len(t) < 40 {
		return "0x" + t
	}
	return "0x" + t[len(t)-40:]
}
