// Package httpsource executes fetches against JSON-over-HTTP sources
// (CRM, call platform, messaging, vector store).
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"dataplane/internal/datasource"
)

// DefaultMaxBodyBytes caps response bodies when MaxBodyBytes is unset.
const DefaultMaxBodyBytes int64 = 10 << 20

var (
	// ErrInvalidPath means the query cannot be used as a path below BaseURL.
	ErrInvalidPath = errors.New("invalid query path")

	// ErrBodyTooLarge means the response exceeded MaxBodyBytes.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Client calls GET {BaseURL}/{query}?{params} with a bearer token. The query
// is a slash-separated path; each segment is escaped and stays below BaseURL.
type Client struct {
	BaseURL      string
	Token        string
	HTTPClient   *http.Client
	MaxBodyBytes int64
}

// New creates a client with the given base URL and token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

var _ datasource.QueryValidator = (*Client)(nil)

// ValidateQuery implements datasource.QueryValidator.
func (c *Client) ValidateQuery(query string) error {
	_, err := escapePath(query)
	return err
}

// escapePath rejects queries that would leave or reshape the base path and
// escapes each segment.
func escapePath(query string) (string, error) {
	if strings.ContainsAny(query, "?#") {
		return "", fmt.Errorf("%w: %q contains a query or fragment", ErrInvalidPath, query)
	}
	segments := strings.Split(strings.Trim(query, "/"), "/")
	for i, seg := range segments {
		switch seg {
		case "", ".", "..":
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, query)
		}
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/"), nil
}

// APIError represents a non-success response from the source.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Execute implements datasource.Executor. The response body is returned as
// raw JSON; 404 and 204 are reported as datasource.ErrEmptyResult.
func (c *Client) Execute(ctx context.Context, query string, params map[string]any) (any, error) {
	path, err := escapePath(query)
	if err != nil {
		return nil, err
	}
	endpoint := c.BaseURL + "/" + path
	if qs := encodeParams(params); qs != "" {
		endpoint += "?" + qs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	req.Header.Add("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return nil, datasource.ErrEmptyResult
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, limit)
	}
	return json.RawMessage(body), nil
}

// encodeParams renders params as a sorted query string. Slices repeat the key.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		case []any:
			for _, s := range v {
				values.Add(k, fmt.Sprint(s))
			}
		case nil:
			values.Add(k, "")
		default:
			values.Add(k, fmt.Sprint(v))
		}
	}
	return values.Encode()
}
