package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Backend is the provisioning boundary the worker drives: address creation on
// the settlement layer and gas delivery per chain.
type Backend interface {
	CreateAddress(ctx context.Context, agentID string) (string, error)
	SendValue(ctx context.Context, address, chain string, amount decimal.Decimal) error
}

// Client is the HTTP implementation of Backend.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	url := fmt.Sprintf("%s%s", c.BaseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode)
	}

	return respBody, nil
}

type createAddressRequest struct {
	AgentID string `json:"agent_id"`
}

type createAddressResponse struct {
	Address string `json:"address"`
}

// CreateAddress asks the backend for a new settlement-layer address.
func (c *Client) CreateAddress(ctx context.Context, agentID string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/accounts", createAddressRequest{AgentID: agentID})
	if err != nil {
		return "", err
	}
	var out createAddressResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.Address == "" {
		return "", fmt.Errorf("backend returned empty address for %s", agentID)
	}
	return out.Address, nil
}

type sendValueRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Amount  string `json:"amount"`
}

// SendValue delivers amount of gas on chain to address.
func (c *Client) SendValue(ctx context.Context, address, chain string, amount decimal.Decimal) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/transfers", sendValueRequest{
		Address: address,
		Chain:   chain,
		Amount:  amount.String(),
	})
	return err
}
