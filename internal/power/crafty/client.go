// Package crafty drives servers through the Crafty Controller v2 API.
package crafty

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/internal/power"
	"github.com/payperplay/autopower/pkg/logger"
)

// Name is the registry key of this controller
const Name = "crafty"

// Options configures a Crafty client
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements power.Controller for Crafty Controller. Crafty has no
// backup restore endpoint, so SendRestoreSignal is left unsupported.
type Client struct {
	power.Unsupported

	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type statsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Running bool `json:"running"`
	} `json:"data"`
}

// NewClient creates a new Crafty client
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func action(signal models.PowerSignal) string {
	if signal == models.SignalStart {
		return "start_server"
	}
	return "stop_server"
}

// SendPowerSignal posts start_server or stop_server; Crafty answers 200.
func (c *Client) SendPowerSignal(ctx context.Context, name models.ServerIdentity, panelServerID string, signal models.PowerSignal) error {
	act := action(signal)
	path := fmt.Sprintf("/api/v2/servers/%s/action/%s", url.PathEscape(panelServerID), act)

	req, err := c.newRequest(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &power.TransportError{Op: act, Server: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rejection(act, name, resp)
	}

	logger.Info("Power signal sent to Crafty", map[string]interface{}{
		"server":   name,
		"panel_id": panelServerID,
		"action":   act,
	})
	return nil
}

// CheckPowerStatus reads the running flag from the server stats endpoint.
func (c *Client) CheckPowerStatus(ctx context.Context, name models.ServerIdentity, panelServerID string) (models.PowerStatus, error) {
	path := fmt.Sprintf("/api/v2/servers/%s/stats", url.PathEscape(panelServerID))
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return models.StatusOffline, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.StatusOffline, &power.TransportError{Op: "stats", Server: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.StatusOffline, rejection("stats", name, resp)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return models.StatusOffline, fmt.Errorf("failed to decode stats response: %w", err)
	}
	if stats.Data.Running {
		return models.StatusRunning, nil
	}
	return models.StatusOffline, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func rejection(op, name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &power.RejectionError{
		Op:         op,
		Server:     name,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
