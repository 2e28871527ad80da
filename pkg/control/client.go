package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// baseURL is a placeholder host; the transport dials the Unix socket
// regardless of what the URL names.
const baseURL = "http://snapwarden"

// Client talks to a running daemon over its control socket.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// Status fetches the daemon status document.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp)
	return resp, err
}

// Version fetches the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Datasets lists all configured datasets with their job state.
func (c *Client) Datasets(ctx context.Context) ([]DatasetSummary, error) {
	var resp []DatasetSummary
	err := c.do(ctx, http.MethodGet, "/v1/datasets", nil, &resp)
	return resp, err
}

// Dataset fetches one dataset's configuration, snapshots and cursors.
func (c *Client) Dataset(ctx context.Context, id uuid.UUID) (DatasetDetail, error) {
	var resp DatasetDetail
	err := c.do(ctx, http.MethodGet, "/v1/datasets/"+id.String(), nil, &resp)
	return resp, err
}

// TriggerSnapshot requests an immediate snapshot of the dataset.
func (c *Client) TriggerSnapshot(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/v1/datasets/"+id.String()+"/snapshot", nil, nil)
}

// TriggerReplicate requests an immediate replication run for the dataset.
func (c *Client) TriggerReplicate(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/v1/datasets/"+id.String()+"/replicate", nil, nil)
}

// SetRetention replaces the dataset's retention policy.
func (c *Client) SetRetention(ctx context.Context, id uuid.UUID, policy model.RetentionPolicy) error {
	return c.do(ctx, http.MethodPut, "/v1/datasets/"+id.String()+"/retention", policy, nil)
}

// SetAccountState pushes a target account's billing standing.
func (c *Client) SetAccountState(ctx context.Context, id uuid.UUID, state model.AccountState) error {
	req := AccountStateRequest{State: state}
	return c.do(ctx, http.MethodPost, "/v1/targets/"+id.String()+"/account", req, nil)
}

// Alerts fetches the currently raised health alerts.
func (c *Client) Alerts(ctx context.Context) ([]health.Alert, error) {
	var resp []health.Alert
	err := c.do(ctx, http.MethodGet, "/v1/alerts", nil, &resp)
	return resp, err
}

// HealthRecords fetches the recent job outcome history.
func (c *Client) HealthRecords(ctx context.Context) ([]health.Outcome, error) {
	var resp []health.Outcome
	err := c.do(ctx, http.MethodGet, "/v1/health/records", nil, &resp)
	return resp, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
