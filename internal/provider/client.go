// Package provider implements the upstream provider client contract.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
)

// maxResponseBytes caps upstream response bodies.
const maxResponseBytes = 1 << 20

// Client performs one call against one provider endpoint. Implementations
// must honour context cancellation; the orchestrator bounds every call with
// a per-call timeout.
type Client interface {
	Call(ctx context.Context, p aggregate.Provider, method string, params []string) (string, error)
}

// callRequest is the JSON body posted to provider endpoints.
type callRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// HTTPClient calls providers over HTTP and extracts the result value from
// the JSON response using the provider's configured result path.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a provider HTTP client. The transport-level timeout
// is a backstop; per-call deadlines come from the context.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call posts the method and parameters to the provider endpoint and returns
// the extracted raw value.
func (c *HTTPClient) Call(ctx context.Context, p aggregate.Provider, method string, params []string) (string, error) {
	body, err := json.Marshal(callRequest{Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("call %s: unexpected status %d", p.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", p.ID, err)
	}

	path := p.ResultPath
	if path == "" {
		path = "result"
	}
	value := gjson.GetBytes(data, path)
	if !value.Exists() {
		return "", fmt.Errorf("call %s: no value at %q", p.ID, path)
	}
	return value.String(), nil
}
