// Package gateway is the server side of the Slack tool gateway. It owns
// the workspace bot tokens and exposes Slack access as named tools; the
// rest of the system only ever sees the tool wire format.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/mcpgw"
)

// SlackAPI is the slice of the Slack Web API the tools need.
// *slack.Client satisfies it.
type SlackAPI interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ SlackAPI = (*slack.Client)(nil)

const defaultHistoryLimit = 100

// Service dispatches tool invocations against a workspace's Slack API.
type Service struct {
	store  *credstore.SlackStore
	logger *slog.Logger

	// clientFor builds the API client for a bot token. Replaced in tests.
	clientFor func(token string) SlackAPI
}

// NewService creates a gateway service over the credential store.
func NewService(store *credstore.SlackStore) *Service {
	return &Service{
		store:     store,
		logger:    logger.GetLogger("gateway"),
		clientFor: func(token string) SlackAPI { return slack.New(token) },
	}
}

// Invoke runs one named tool for the workspace and returns the
// tool-specific result object.
func (s *Service) Invoke(ctx context.Context, workspaceID, tool string, params map[string]any) (map[string]any, error) {
	token, err := s.store.BotToken(workspaceID)
	if err != nil {
		return nil, err
	}
	api := s.clientFor(token)

	switch tool {
	case mcpgw.ToolListChannels:
		return s.listChannels(ctx, api)
	case mcpgw.ToolChannelHistory:
		return s.channelHistory(ctx, api, params)
	case mcpgw.ToolThreadReplies:
		return s.threadReplies(ctx, api, params)
	case mcpgw.ToolUserInfo:
		return s.userInfo(ctx, api, params)
	case mcpgw.ToolBotInfo:
		return s.botInfo(ctx, api)
	case mcpgw.ToolPostMessage:
		return s.postMessage(ctx, api, params)
	default:
		return nil, faults.New(faults.QueryInvalid, fmt.Sprintf("unknown tool %q", tool))
	}
}

func (s *Service) listChannels(ctx context.Context, api SlackAPI) (map[string]any, error) {
	var channels []map[string]any
	cursor := ""
	for {
		page, next, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           200,
			Types:           []string{"public_channel"},
		})
		if err != nil {
			return nil, slackFault("conversations.list", err)
		}
		for _, ch := range page {
			channels = append(channels, map[string]any{
				"id":          ch.ID,
				"name":        ch.Name,
				"is_member":   ch.IsMember,
				"num_members": ch.NumMembers,
			})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return map[string]any{"channels": channels}, nil
}

func (s *Service) channelHistory(ctx context.Context, api SlackAPI, params map[string]any) (map[string]any, error) {
	channelID, err := requireParam(params, "channel_id")
	if err != nil {
		return nil, err
	}
	history, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     intParam(params, "limit", defaultHistoryLimit),
		Oldest:    stringParam(params, "oldest"),
		Cursor:    stringParam(params, "cursor"),
	})
	if err != nil {
		return nil, slackFault("conversations.history", err)
	}

	messages := make([]map[string]any, 0, len(history.Messages))
	for _, msg := range history.Messages {
		messages = append(messages, messageToMap(msg))
	}
	return map[string]any{
		"messages":    messages,
		"has_more":    history.HasMore,
		"next_cursor": history.ResponseMetaData.NextCursor,
	}, nil
}

func (s *Service) threadReplies(ctx context.Context, api SlackAPI, params map[string]any) (map[string]any, error) {
	channelID, err := requireParam(params, "channel_id")
	if err != nil {
		return nil, err
	}
	threadTS, err := requireParam(params, "thread_ts")
	if err != nil {
		return nil, err
	}

	replies, hasMore, nextCursor, err := api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     intParam(params, "limit", defaultHistoryLimit),
	})
	if err != nil {
		return nil, slackFault("conversations.replies", err)
	}

	messages := make([]map[string]any, 0, len(replies))
	for _, msg := range replies {
		messages = append(messages, messageToMap(msg))
	}
	return map[string]any{
		"messages":    messages,
		"has_more":    hasMore,
		"next_cursor": nextCursor,
	}, nil
}

func (s *Service) userInfo(ctx context.Context, api SlackAPI, params map[string]any) (map[string]any, error) {
	userID, err := requireParam(params, "user_id")
	if err != nil {
		return nil, err
	}
	user, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, slackFault("users.info", err)
	}
	return map[string]any{
		"id":        user.ID,
		"name":      user.Name,
		"real_name": user.RealName,
		"is_bot":    user.IsBot,
		"tz":        user.TZ,
	}, nil
}

func (s *Service) botInfo(ctx context.Context, api SlackAPI) (map[string]any, error) {
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, slackFault("auth.test", err)
	}
	return map[string]any{
		"bot_id":  auth.BotID,
		"user_id": auth.UserID,
		"team_id": auth.TeamID,
		"team":    auth.Team,
	}, nil
}

func (s *Service) postMessage(ctx context.Context, api SlackAPI, params map[string]any) (map[string]any, error) {
	channelID, err := requireParam(params, "channel_id")
	if err != nil {
		return nil, err
	}
	text, err := requireParam(params, "text")
	if err != nil {
		return nil, err
	}

	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS := stringParam(params, "thread_ts"); threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	channel, ts, err := api.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return nil, slackFault("chat.postMessage", err)
	}
	return map[string]any{"channel": channel, "ts": ts}, nil
}

func messageToMap(msg slack.Message) map[string]any {
	out := map[string]any{
		"ts":   msg.Timestamp,
		"text": msg.Text,
		"user": msg.User,
	}
	if msg.ThreadTimestamp != "" {
		out["thread_ts"] = msg.ThreadTimestamp
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]any, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, map[string]any{"title": att.Title, "text": att.Text})
		}
		out["attachments"] = attachments
	}
	if len(msg.Files) > 0 {
		files := make([]any, 0, len(msg.Files))
		for _, file := range msg.Files {
			files = append(files, map[string]any{"id": file.ID, "name": file.Name})
		}
		out["files"] = files
	}
	return out
}

func slackFault(method string, err error) error {
	if rateLimited, ok := err.(*slack.RateLimitedError); ok {
		return faults.Wrap(faults.QuotaExceeded,
			fmt.Sprintf("slack rate limited %s, retry after %s", method, rateLimited.RetryAfter), err)
	}
	return faults.Wrap(faults.BackendUnreachable, fmt.Sprintf("slack %s failed", method), err)
}

func requireParam(params map[string]any, key string) (string, error) {
	value := stringParam(params, key)
	if value == "" {
		return "", faults.New(faults.QueryInvalid, fmt.Sprintf("parameter %q is required", key))
	}
	return value, nil
}

func stringParam(params map[string]any, key string) string {
	if value, ok := params[key].(string); ok {
		return value
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch value := params[key].(type) {
	case int:
		return value
	case float64:
		return int(value)
	case string:
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
