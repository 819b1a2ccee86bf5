package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) CreateAccount(ctx context.Context, username string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts", "", map[string]any{
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Wallets(ctx context.Context, apiKey string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/wallets", apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Deposit(ctx context.Context, apiKey, asset string, amountMicros int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/wallets/deposit", apiKey, map[string]any{
		"asset":         asset,
		"amount_micros": amountMicros,
	}, &out, idem)
	return out, err
}

func (c *Client) ListPools(ctx context.Context, apiKey string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/pools", apiKey, nil, &out, "")
	return out, err
}

func (c *Client) CreatePool(ctx context.Context, apiKey string, params map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pools", apiKey, params, &out, idem)
	return out, err
}

func (c *Client) PoolSummary(ctx context.Context, apiKey string, poolID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/pools/%d", poolID), apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Grid(ctx context.Context, apiKey string, poolID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/pools/%d/grid", poolID), apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Numbers(ctx context.Context, apiKey string, poolID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/pools/%d/numbers", poolID), apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Scores(ctx context.Context, apiKey string, poolID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/pools/%d/scores", poolID), apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Winner(ctx context.Context, apiKey string, poolID int64, quarter int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/pools/%d/winners/%d", poolID, quarter), apiKey, nil, &out, "")
	return out, err
}

func (c *Client) Purchase(ctx context.Context, apiKey string, poolID int64, positions []int, paymentMicros int64, password, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/purchase", poolID), apiKey, map[string]any{
		"positions":      positions,
		"payment_micros": paymentMicros,
		"password":       password,
	}, &out, idem)
	return out, err
}

func (c *Client) ClosePool(ctx context.Context, apiKey string, poolID int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/close", poolID), apiKey, map[string]any{}, &out, idem)
	return out, err
}

func (c *Client) Commit(ctx context.Context, apiKey string, poolID int64, commitment, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/commit", poolID), apiKey, map[string]any{
		"commitment": commitment,
	}, &out, idem)
	return out, err
}

func (c *Client) Reveal(ctx context.Context, apiKey string, poolID int64, secret, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/reveal", poolID), apiKey, map[string]any{
		"secret": secret,
	}, &out, idem)
	return out, err
}

func (c *Client) ResetCommitment(ctx context.Context, apiKey string, poolID int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/commit/reset", poolID), apiKey, map[string]any{}, &out, idem)
	return out, err
}

func (c *Client) RequestScore(ctx context.Context, apiKey string, poolID int64, quarter int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/scores/request", poolID), apiKey, map[string]any{
		"quarter": quarter,
	}, &out, idem)
	return out, err
}

func (c *Client) SubmitScore(ctx context.Context, apiKey string, poolID int64, quarter, home, away int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/scores/submit", poolID), apiKey, map[string]any{
		"quarter": quarter,
		"home":    home,
		"away":    away,
	}, &out, idem)
	return out, err
}

func (c *Client) SettleQuarter(ctx context.Context, apiKey string, poolID int64, quarter int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/scores/%d/settle", poolID, quarter), apiKey, map[string]any{}, &out, idem)
	return out, err
}

func (c *Client) ClaimPayout(ctx context.Context, apiKey string, poolID int64, quarter int, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/claims", poolID), apiKey, map[string]any{
		"quarter": quarter,
	}, &out, idem)
	return out, err
}

func (c *Client) WithdrawYield(ctx context.Context, apiKey string, poolID int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/pools/%d/yield/withdraw", poolID), apiKey, map[string]any{}, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, apiKey string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
