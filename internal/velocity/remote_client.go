package velocity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteVelocityClient talks to the Velocity Remote API plugin running on
// the proxy. Only the read endpoints are used: the proxy is the source of
// truth for which servers have players.
type RemoteVelocityClient struct {
	apiURL     string
	httpClient *http.Client
}

// ServerListResponse represents the response from GET /api/servers
type ServerListResponse struct {
	Status  string               `json:"status"`
	Count   int                  `json:"count"`
	Servers []VelocityServerInfo `json:"servers"`
}

// VelocityServerInfo represents a registered server in Velocity
type VelocityServerInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Players int    `json:"players"`
}

// HealthCheckResponse represents the response from GET /health
type HealthCheckResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ServersCount  int    `json:"servers_count"`
	PlayersOnline int    `json:"players_online"`
}

// NewRemoteVelocityClient creates a new client for the Velocity Remote API
func NewRemoteVelocityClient(apiURL string, timeout time.Duration) *RemoteVelocityClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteVelocityClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListServers returns all registered servers with their player counts
func (c *RemoteVelocityClient) ListServers(ctx context.Context) ([]VelocityServerInfo, error) {
	var response ServerListResponse
	if err := c.get(ctx, "/api/servers", &response); err != nil {
		return nil, err
	}
	return response.Servers, nil
}

// GetPlayerCount returns the player count for a specific server
func (c *RemoteVelocityClient) GetPlayerCount(ctx context.Context, serverName string) (int, error) {
	var response struct {
		Status  string `json:"status"`
		Server  string `json:"server"`
		Players int    `json:"players"`
	}
	if err := c.get(ctx, "/api/players/"+url.PathEscape(serverName), &response); err != nil {
		return 0, err
	}
	return response.Players, nil
}

// HealthCheck pings the Velocity Remote API to verify connectivity
func (c *RemoteVelocityClient) HealthCheck(ctx context.Context) (*HealthCheckResponse, error) {
	var health HealthCheckResponse
	if err := c.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *RemoteVelocityClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
