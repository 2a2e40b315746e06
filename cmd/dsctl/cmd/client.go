package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dataplane/pkg/api"
)

// DataClient handles API calls to the dataplane server.
type DataClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewDataClient creates a new client with the given base URL and token.
func NewDataClient(baseURL, token string) *DataClient {
	return &DataClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Fetch sends POST /v1/fetch.
func (c *DataClient) Fetch(req api.FetchRequest) (*api.FetchResponse, error) {
	var result api.FetchResponse
	if err := c.do(http.MethodPost, "/v1/fetch", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Batch sends POST /v1/batch.
func (c *DataClient) Batch(req api.BatchRequest) (*api.BatchResponse, error) {
	var result api.BatchResponse
	if err := c.do(http.MethodPost, "/v1/batch", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Breakers sends GET /v1/breakers.
func (c *DataClient) Breakers() ([]api.BreakerStatus, error) {
	var result []api.BreakerStatus
	if err := c.do(http.MethodGet, "/v1/breakers", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *DataClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the server's ErrorResponse text over the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
