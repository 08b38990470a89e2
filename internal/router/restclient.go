package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"kejanet.app/hotspot/internal/logger"
)

// RESTClient talks to the controller's REST API (RouterOS v7 style:
// JSON resources under /rest with basic auth). Every call builds its
// own request and closes the response on all paths.
type RESTClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewRESTClient(baseURL, username, password string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Grant adds or replaces the access-list entry for deviceKey. The REST
// API has no upsert, so an existing entry is removed first; duplicating
// an entry would leave a stale row behind after the next revoke.
func (c *RESTClient) Grant(ctx context.Context, deviceKey, address string, until time.Time) error {
	existing, err := c.listByDevice(ctx, deviceKey)
	if err != nil {
		return err
	}

	for _, entry := range existing {
		if err := c.deleteEntry(ctx, entry.ID); err != nil {
			return err
		}
	}

	body, err := json.Marshal(Entry{DeviceKey: deviceKey, Address: address, Until: until.UTC()})
	if err != nil {
		return ProtocolError("grant", fmt.Errorf("failed to encode entry: %w", err))
	}

	resp, err := c.do(ctx, http.MethodPut, "/rest/access-list", bytes.NewReader(body))
	if err != nil {
		return TransientError("grant", err)
	}
	defer closeBody(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus("grant", resp)
}

// Revoke removes every access-list entry for deviceKey. A device with
// no entry is not an error.
func (c *RESTClient) Revoke(ctx context.Context, deviceKey string) error {
	existing, err := c.listByDevice(ctx, deviceKey)
	if err != nil {
		return err
	}

	for _, entry := range existing {
		if err := c.deleteEntry(ctx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *RESTClient) List(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, "")
}

func (c *RESTClient) listByDevice(ctx context.Context, deviceKey string) ([]Entry, error) {
	return c.list(ctx, deviceKey)
}

func (c *RESTClient) list(ctx context.Context, deviceKey string) ([]Entry, error) {
	path := "/rest/access-list"
	if deviceKey != "" {
		path += "?device=" + url.QueryEscape(deviceKey)
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, TransientError("list", err)
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus("list", resp)
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, ProtocolError("list", fmt.Errorf("failed to decode entries: %w", err))
	}
	return entries, nil
}

func (c *RESTClient) deleteEntry(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/rest/access-list/"+url.PathEscape(id), nil)
	if err != nil {
		return TransientError("revoke", err)
	}
	defer closeBody(resp)

	// 404 means the entry disappeared between list and delete, which is
	// exactly the state a delete wants.
	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus("revoke", resp)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

func classifyStatus(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("controller returned %d: %s", resp.StatusCode, payload)

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return TransientError(op, err)
	default:
		return ProtocolError(op, err)
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("Failed to close controller response body", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
