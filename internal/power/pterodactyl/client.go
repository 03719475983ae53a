// Package pterodactyl drives servers through the Pterodactyl client API.
package pterodactyl

import (
	"bytes"
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
const Name = "pterodactyl"

// Options configures a Pterodactyl client
type Options struct {
	BaseURL string
	APIKey  string

	// Extra headers sent with every request, e.g. for a reverse proxy in
	// front of the panel.
	Headers map[string]string

	Timeout time.Duration
}

// Client implements power.Controller against the Pterodactyl client API
type Client struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
}

type powerRequest struct {
	Signal string `json:"signal"`
}

type restoreRequest struct {
	Truncate bool `json:"truncate"`
}

type resourcesResponse struct {
	Attributes struct {
		CurrentState string `json:"current_state"`
	} `json:"attributes"`
}

// NewClient creates a new Pterodactyl client
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		headers:    opts.Headers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendPowerSignal posts a start or stop signal; the panel answers 204 once
// the signal is queued.
func (c *Client) SendPowerSignal(ctx context.Context, name models.ServerIdentity, panelServerID string, signal models.PowerSignal) error {
	path := fmt.Sprintf("/api/client/servers/%s/power", url.PathEscape(panelServerID))
	if err := c.post(ctx, "power "+signal.String(), name, path, powerRequest{Signal: signal.String()}); err != nil {
		return err
	}

	logger.Info("Power signal sent to Pterodactyl", map[string]interface{}{
		"server":   name,
		"panel_id": panelServerID,
		"signal":   signal.String(),
	})
	return nil
}

// CheckPowerStatus reads attributes.current_state from the resources endpoint.
func (c *Client) CheckPowerStatus(ctx context.Context, name models.ServerIdentity, panelServerID string) (models.PowerStatus, error) {
	path := fmt.Sprintf("/api/client/servers/%s/resources", url.PathEscape(panelServerID))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return models.StatusOffline, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.StatusOffline, &power.TransportError{Op: "status", Server: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.StatusOffline, rejection("status", name, resp)
	}

	var body resourcesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.StatusOffline, fmt.Errorf("failed to decode resources response: %w", err)
	}

	status, ok := models.ParsePowerStatus(body.Attributes.CurrentState)
	if !ok {
		logger.Warn("Unknown Pterodactyl server state, treating as offline", map[string]interface{}{
			"server": name,
			"state":  body.Attributes.CurrentState,
		})
	}
	return status, nil
}

// SendRestoreSignal restores backupID, truncating the server's files first.
func (c *Client) SendRestoreSignal(ctx context.Context, name models.ServerIdentity, panelServerID, backupID string) error {
	path := fmt.Sprintf("/api/client/servers/%s/backups/%s/restore",
		url.PathEscape(panelServerID), url.PathEscape(backupID))
	if err := c.post(ctx, "restore", name, path, restoreRequest{Truncate: true}); err != nil {
		return err
	}

	logger.Info("Backup restore requested from Pterodactyl", map[string]interface{}{
		"server":    name,
		"panel_id":  panelServerID,
		"backup_id": backupID,
	})
	return nil
}

func (c *Client) post(ctx context.Context, op, name, path string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &power.TransportError{Op: op, Server: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return rejection(op, name, resp)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
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
