package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/version"
)

// Client talks to Caddy's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Caddy admin API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Load replaces the running configuration with doc via POST /load.
// Caddy swaps configs gracefully, so in-flight connections survive.
func (c *Client) Load(ctx context.Context, doc []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/load", bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.External("caddy load", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.External("caddy load", resp.StatusCode >= 500,
			fmt.Errorf("caddy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	return nil
}

// GetConfig retrieves the current running configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config/", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.External("caddy get config", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.External("caddy get config", resp.StatusCode >= 500,
			fmt.Errorf("caddy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var cfg Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &cfg, nil
}

// Ping checks if Caddy admin API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.External("caddy ping", true, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.External("caddy ping", true, fmt.Errorf("caddy returned status %d", resp.StatusCode))
	}

	return nil
}
