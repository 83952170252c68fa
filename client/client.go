package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transaction is a recorded transaction as returned by the server.
type Transaction struct {
	TransHash string `json:"trans_hash"`
	Sender    string `json:"sender"`
	Receiver  string `json:"reciever"`
	Amount    int64  `json:"amount"`
	Time      *int64 `json:"time"`
}

// Filters selects transactions. Nil fields are not sent.
type Filters struct {
	TransHash *string
	Sender    *string
	Receiver  *string
	Time      *int64
}

// Values encodes the filters as query parameters.
func (f Filters) Values() url.Values {
	v := url.Values{}
	if f.TransHash != nil {
		v.Set("trans_hash", *f.TransHash)
	}
	if f.Sender != nil {
		v.Set("sender", *f.Sender)
	}
	if f.Receiver != nil {
		v.Set("receiver", *f.Receiver)
	}
	if f.Time != nil {
		v.Set("time", strconv.FormatInt(*f.Time, 10))
	}
	return v
}

// ResponseError is returned for any non-2xx response.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the txquery service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new txquery service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetAccount fetches the current account snapshot for address.
// The snapshot is returned exactly as the server encoded it.
func (c *Client) GetAccount(ctx context.Context, address string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/account/%s", c.baseURL, url.PathEscape(address))
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var account json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("account fetched", "address", address)
	return account, nil
}

// SearchTransactions returns the transactions matching every set filter.
func (c *Client) SearchTransactions(ctx context.Context, filters Filters) ([]*Transaction, error) {
	u := c.baseURL + "/transactions"
	if q := filters.Values().Encode(); q != "" {
		u += "?" + q
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var transactions []*Transaction
	if err := json.NewDecoder(resp.Body).Decode(&transactions); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transactions searched", "count", len(transactions))
	return transactions, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, c.baseURL+"/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseErrorResponse turns a failed response into a *ResponseError.
// The server answers failures in plain text.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ResponseError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
