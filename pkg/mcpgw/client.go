// Package mcpgw implements the client side of the auxiliary Slack tool
// gateway. The gateway speaks a minimal JSON protocol: POST {tool,
// parameters} and receive {result}. It is the only path to Slack data;
// the gateway holds the workspace tokens.
package mcpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/httpclient"
)

// Tool names accepted by the gateway.
const (
	ToolListChannels   = "slack_list_channels"
	ToolChannelHistory = "slack_get_channel_history"
	ToolThreadReplies  = "slack_get_thread_replies"
	ToolUserInfo       = "slack_user_info"
	ToolBotInfo        = "slack_bot_info"
	ToolPostMessage    = "slack_post_message"
)

// Client invokes tools on the gateway.
type Client struct {
	baseURL string
	token   string
	http    *httpclient.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every invocation.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseSlackRateLimitHeaders),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type invokeRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Invoke calls a gateway tool and returns the raw result object.
func (c *Client) Invoke(ctx context.Context, tool string, parameters map[string]any) (json.RawMessage, error) {
	if parameters == nil {
		parameters = map[string]any{}
	}
	body, err := json.Marshal(invokeRequest{Tool: tool, Parameters: parameters})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Do returns the response alongside the error for non-2xx statuses;
	// only a nil response means the gateway could not be reached.
	resp, err := c.http.Do(req)
	if resp == nil {
		return nil, faults.Wrap(faults.BackendUnreachable,
			fmt.Sprintf("slack gateway at %s is unreachable", c.baseURL), err).
			WithRemediation("check that the gateway is running and mcp_url points at it")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "failed to read gateway response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.New(faults.AuthExpired, "slack gateway rejected the token").
			WithRemediation("re-run authentication to refresh the workspace token")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, faults.New(faults.QueryInvalid, fmt.Sprintf("gateway rejected tool %s: %s", tool, strings.TrimSpace(string(payload))))
	case resp.StatusCode != http.StatusOK:
		return nil, faults.New(faults.BackendUnreachable,
			fmt.Sprintf("gateway returned status %d for tool %s", resp.StatusCode, tool))
	}

	var parsed invokeResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "gateway returned malformed JSON", err)
	}
	if parsed.Error != "" {
		return nil, faults.New(faults.QueryInvalid, fmt.Sprintf("tool %s failed: %s", tool, parsed.Error))
	}
	return parsed.Result, nil
}

// ListChannels returns the channels visible to the workspace bot.
func (c *Client) ListChannels(ctx context.Context) (json.RawMessage, error) {
	return c.Invoke(ctx, ToolListChannels, nil)
}

// ChannelHistory returns up to limit recent messages from a channel.
func (c *Client) ChannelHistory(ctx context.Context, channelID string, limit int) (json.RawMessage, error) {
	return c.Invoke(ctx, ToolChannelHistory, map[string]any{
		"channel_id": channelID,
		"limit":      limit,
	})
}

// ChannelHistoryPage returns one page of channel history. oldest bounds
// the page to messages with ts strictly greater than it (Slack epoch
// seconds); cursor continues a previous page.
func (c *Client) ChannelHistoryPage(ctx context.Context, channelID string, limit int, oldest float64, cursor string) (json.RawMessage, error) {
	params := map[string]any{
		"channel_id": channelID,
		"limit":      limit,
	}
	if oldest > 0 {
		params["oldest"] = fmt.Sprintf("%.6f", oldest)
	}
	if cursor != "" {
		params["cursor"] = cursor
	}
	return c.Invoke(ctx, ToolChannelHistory, params)
}

// ThreadReplies returns the replies of a thread.
func (c *Client) ThreadReplies(ctx context.Context, channelID, threadTS string) (json.RawMessage, error) {
	return c.Invoke(ctx, ToolThreadReplies, map[string]any{
		"channel_id": channelID,
		"thread_ts":  threadTS,
	})
}

// UserInfo resolves a user id to profile details.
func (c *Client) UserInfo(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.Invoke(ctx, ToolUserInfo, map[string]any{"user_id": userID})
}

// BotInfo returns the bot identity for the workspace.
func (c *Client) BotInfo(ctx context.Context) (json.RawMessage, error) {
	return c.Invoke(ctx, ToolBotInfo, nil)
}

// PostMessage posts text into a channel, optionally threading.
func (c *Client) PostMessage(ctx context.Context, channelID, text, threadTS string) (json.RawMessage, error) {
	params := map[string]any{
		"channel_id": channelID,
		"text":       text,
	}
	if threadTS != "" {
		params["thread_ts"] = threadTS
	}
	return c.Invoke(ctx, ToolPostMessage, params)
}
