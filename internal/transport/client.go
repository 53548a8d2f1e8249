package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/witnz/witnz-oracle/internal/consensus"
)

const maxResponseSize = 1 << 20

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client speaks the validator protocol to remote nodes. Deadlines come from
// the caller's context.
type Client struct {
	httpClient HTTPClient
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func NewClientWithHTTP(client HTTPClient) *Client {
	return &Client{httpClient: client}
}

func (c *Client) RequestSignature(ctx context.Context, location string, sigReq *consensus.SignatureRequest) (*consensus.SignatureResponse, error) {
	payload, err := json.Marshal(sigReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signature request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(location, "/signature"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request signature: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read signature response: %w", err)
	}

	var sigResp consensus.SignatureResponse
	if err := json.Unmarshal(body, &sigResp); err != nil {
		return nil, fmt.Errorf("failed to decode signature response (status %d): %w", resp.StatusCode, err)
	}

	// Validators report refusals as {error} with a non-200 status.
	if resp.StatusCode != http.StatusOK && sigResp.Error == "" {
		return nil, fmt.Errorf("validator returned non-200 status: %d", resp.StatusCode)
	}

	return &sigResp, nil
}

// CheckLiveness treats a validator as alive when /info answers 200 and the
// body mentions no error.
func (c *Client) CheckLiveness(ctx context.Context, location string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(location, "/info"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("info returned non-200 status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read info response: %w", err)
	}
	if strings.Contains(strings.ToLower(string(body)), "error") {
		return fmt.Errorf("info reports an error: %s", truncate(string(body), 200))
	}

	return nil
}

func endpoint(location, path string) string {
	return strings.TrimRight(location, "/") + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
