// Package api is the REST adapter between the sync core and the backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/errs"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read for its detail.
const maxErrorBody = 4 << 10

// Client performs JSON requests against the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a client for baseURL. rt is the transport chain; pass
// a *tokens.Transport for authorized endpoints. It is wrapped for logging.
func NewClient(baseURL string, rt http.RoundTripper, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &LoggingTransport{Base: rt, Log: log},
		},
		log: log,
	}
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends body as JSON and decodes the response into result. Failures are
// mapped onto the errs taxonomy.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, result any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	var rdr io.Reader
	if data != nil {
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(method, path, resp.StatusCode, b)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, errs.ErrInvalidResponse, err)
	}
	return nil
}

// statusError maps an HTTP status onto the error taxonomy.
func statusError(method, path string, code int, body []byte) error {
	var sentinel error
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = errs.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = errs.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		sentinel = errs.ErrValidation
	default:
		sentinel = errs.ErrNetwork
	}
	if d := detail(body); d != "" {
		return fmt.Errorf("%s %s: status %d: %w: %s", method, path, code, sentinel, d)
	}
	return fmt.Errorf("%s %s: status %d: %w", method, path, code, sentinel)
}

// detail extracts {"detail": "..."} from an error body.
func detail(body []byte) string {
	var v struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &v) != nil || len(v.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(v.Detail, &s) == nil {
		return s
	}
	return string(v.Detail)
}
