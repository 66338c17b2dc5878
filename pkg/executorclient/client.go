/**
 * @description
 * This package provides a client for the Automation Executor service, which
 * drives the third-party storefront purchase for a redemption. It encapsulates
 * the logic for making authenticated HTTP requests, handling request body
 * construction, and parsing responses.
 *
 * The error surface is deliberately split in two: an *ExecutionError means the
 * executor ran and reported a clean failure (no purchase happened), while any
 * other error — transport loss, timeout, 5xx — means the outcome is unknown
 * and the caller must treat the attempt as ambiguous rather than failed.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package executorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the Automation Executor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new executor client. The timeout bounds the whole
// automation run; on expiry the outcome is ambiguous, not failed.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RunRequest is the payload for one automation run.
type RunRequest struct {
	RedemptionID  string            `json:"redemption_id"`
	TargetAccount string            `json:"target_account"`
	TokenCost     int64             `json:"token_cost"`
	Params        map[string]string `json:"params,omitempty"`
}

// RunResult is the executor's report for a finished run.
type RunResult struct {
	Status            string `json:"status"` // 'completed' or 'failed'
	ExternalReference string `json:"external_reference,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// ExecutionError is a clean failure reported by the executor: the run
// finished and no purchase was made.
type ExecutionError struct {
	Reason string
}

func (e *ExecutionError) Error() string {
	if e.Reason == "" {
		return "automation run failed"
	}
	return fmt.Sprintf("automation run failed: %s", e.Reason)
}

// ErrorResponse represents a structured error body from the executor API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("executor api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown executor api error"
}

// Run submits a redemption to the executor and blocks until it reports back
// or the client timeout expires.
func (c *Client) Run(ctx context.Context, payload RunRequest) (*RunResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/runs", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create run request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-executor-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute run request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read run response: %w", err)
	}

	// 4xx means the executor rejected or failed the run before spending
	// anything; 5xx means the run's fate is unknown and stays an opaque error.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || len(errResp.Errors) == 0 {
			log.Printf("level=warn component=executor_client op=run status=%d msg=\"4xx response (unparsable error body)\"", resp.StatusCode)
			return nil, &ExecutionError{Reason: fmt.Sprintf("executor rejected run (status %d)", resp.StatusCode)}
		}
		log.Printf("level=warn component=executor_client op=run status=%d title=%q detail=%q", resp.StatusCode, errResp.Errors[0].Title, errResp.Errors[0].Detail)
		return nil, &ExecutionError{Reason: errResp.Errors[0].Detail}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=executor_client op=run status=%d msg=\"non-2xx response\"", resp.StatusCode)
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var result RunResult
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run response: %w", err)
	}

	if result.Status == "failed" {
		return nil, &ExecutionError{Reason: result.Reason}
	}
	if result.Status != "completed" {
		return nil, fmt.Errorf("executor returned unexpected status %q", result.Status)
	}
	return &result, nil
}
