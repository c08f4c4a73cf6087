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
)

// Client is a thin HTTP client for the control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Connect starts a session. A refused start is returned as Result with
// Success false, not as an error.
func (c *Client) Connect(ctx context.Context, country string) (Result, error) {
	var resp Result
	err := c.postJSON(ctx, "/api/connect", ConnectRequest{Country: country}, &resp)
	return resp, err
}

func (c *Client) Disconnect(ctx context.Context) (Result, error) {
	var resp Result
	err := c.postJSON(ctx, "/api/disconnect", struct{}{}, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/api/status", &resp)
	return resp, err
}

func (c *Client) Nodes(ctx context.Context) (NodesResponse, error) {
	var resp NodesResponse
	err := c.getJSON(ctx, "/api/nodes", &resp)
	return resp, err
}

// UpdateHealth reports an out-of-band health measurement for one node.
func (c *Client) UpdateHealth(ctx context.Context, req HealthRequest) error {
	return c.postJSON(ctx, "/api/nodes/health", req, nil)
}

// Check asks the server to probe its public address.
func (c *Client) Check(ctx context.Context) (CheckResponse, error) {
	var resp CheckResponse
	err := c.getJSON(ctx, "/api/check", &resp)
	return resp, err
}

// Action speaks the single-endpoint action protocol on POST /.
func (c *Client) Action(ctx context.Context, req ActionRequest) (ActionResponse, error) {
	var resp ActionResponse
	err := c.postJSON(ctx, "/", req, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
