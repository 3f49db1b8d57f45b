/**
 * @description
 * This package provides a client for the external payment provider's refund
 * and payout endpoints. It encapsulates authenticated HTTP requests, request
 * body construction and response parsing. The settlement core treats any
 * non-success response as "do not mutate ledgers".
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the payment provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment provider API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RefundRequest is the payload for the provider's refund endpoint.
type RefundRequest struct {
	Amount                 int64  `json:"amount"` // in cents
	Currency               string `json:"currency"`
	OriginalTransactionRef string `json:"original_transaction_ref"`
	Reason                 string `json:"reason,omitempty"`
}

// PayoutRequest is the payload for the provider's payout endpoint.
type PayoutRequest struct {
	Amount        int64  `json:"amount"` // in cents
	Currency      string `json:"currency"`
	Method        string `json:"method"`
	MethodDetails string `json:"method_details"`
	Reference     string `json:"reference"`
}

// TransferResponse is the provider's response for refunds and payouts.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the provider API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("provider api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown provider api error"
}

// ProcessRefund asks the provider to return funds to the buyer's original
// payment method. It returns the provider's refund reference on success.
func (c *Client) ProcessRefund(ctx context.Context, amountCents int64, originalTransactionRef, reason string) (string, error) {
	payload := RefundRequest{
		Amount:                 amountCents,
		Currency:               "USD",
		OriginalTransactionRef: originalTransactionRef,
		Reason:                 reason,
	}
	resp, err := c.post(ctx, "/v1/refunds", payload)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// ProcessPayout asks the provider to transfer funds out to the seller's
// payout method. It returns the provider's transaction reference on success.
func (c *Client) ProcessPayout(ctx context.Context, amountCents int64, method, methodDetails, reference string) (string, error) {
	payload := PayoutRequest{
		Amount:        amountCents,
		Currency:      "USD",
		Method:        method,
		MethodDetails: methodDetails,
		Reference:     reference,
	}
	resp, err := c.post(ctx, "/v1/payouts", payload)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && len(errResp.Errors) > 0 {
			return nil, &errResp
		}
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var transfer TransferResponse
	if err := json.Unmarshal(respBody, &transfer); err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}
	return &transfer, nil
}
