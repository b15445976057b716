package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

// Client calls a running daemon's control API.
type Client struct {
	http *resty.Client
	base string
}

// NewClient builds a client for addr (host:port or a full URL).
func NewClient(addr, token string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := httpclient.NewRestyHTTPClient(httpclient.Options{Timeout: timeout})
	if token = strings.TrimSpace(token); token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c, base: base}
}

// Summary fetches the daemon summary.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	if err := c.do(ctx, "GET", "/api/status", nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Channels lists channels.
func (c *Client) Channels(ctx context.Context) ([]ChannelView, error) {
	var out ChannelsResponse
	if err := c.do(ctx, "GET", "/api/channels", nil, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// Channel fetches one channel's detail.
func (c *Client) Channel(ctx context.Context, id string) (ChannelDetail, error) {
	var out ChannelDetail
	if err := c.do(ctx, "GET", "/api/channels/"+url.PathEscape(id), nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Start starts a channel's scheduler.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/channels/"+url.PathEscape(id)+"/start", nil, nil)
}

// Stop stops a channel's scheduler.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/channels/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Trigger requests a manual run.
func (c *Client) Trigger(ctx context.Context, id, rawURL string, force bool) (RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, "POST", "/api/channels/"+url.PathEscape(id)+"/runs", RunRequest{URL: rawURL, Force: force}, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ReloadSession asks the daemon to re-import a channel's session file.
func (c *Client) ReloadSession(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/channels/"+url.PathEscape(id)+"/session/reload", nil, nil)
}

// Logs fetches recent log lines.
func (c *Client) Logs(ctx context.Context, id string, limit int) (LogsResponse, error) {
	var out LogsResponse
	path := "/api/channels/" + url.PathEscape(id) + "/logs?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, c.base+path)
	if err != nil {
		return fmt.Errorf("control %s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("control %s %s: %d %s", method, path, resp.StatusCode(), apiErr.Error)
		}
		return fmt.Errorf("control %s %s: status %d: %s", method, path, resp.StatusCode(), httpclient.Snippet(resp.Body()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
