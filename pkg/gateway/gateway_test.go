package gateway

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/mcpgw"
)

type stubSlackAPI struct {
	channels      []slack.Channel
	history       *slack.GetConversationHistoryResponse
	historyParams *slack.GetConversationHistoryParameters
	replies       []slack.Message
	user          *slack.User
	auth          *slack.AuthTestResponse
	postedChannel string
	postedOptions int
	err           error
}

func (s *stubSlackAPI) GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	return s.channels, "", s.err
}

func (s *stubSlackAPI) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	s.historyParams = params
	return s.history, s.err
}

func (s *stubSlackAPI) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return s.replies, false, "", s.err
}

func (s *stubSlackAPI) GetUserInfoContext(ctx context.Context, user string) (*slack.User, error) {
	return s.user, s.err
}

func (s *stubSlackAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return s.auth, s.err
}

func (s *stubSlackAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	s.postedChannel = channelID
	s.postedOptions = len(options)
	return channelID, "111.222", s.err
}

func newTestService(t *testing.T, api SlackAPI) *Service {
	t.Helper()
	store, err := credstore.NewSlackStore(t.TempDir(), "secret")
	require.NoError(t, err)
	require.NoError(t, store.Save(credstore.SlackWorkspace{TeamID: "T1", TeamName: "acme", BotToken: "xoxb-1"}))

	service := NewService(store)
	service.clientFor = func(token string) SlackAPI {
		assert.Equal(t, "xoxb-1", token)
		return api
	}
	return service
}

func newMessage(ts, text, user string) slack.Message {
	msg := slack.Message{}
	msg.Timestamp = ts
	msg.Text = text
	msg.User = user
	return msg
}

func TestInvokeListChannels(t *testing.T) {
	api := &stubSlackAPI{channels: []slack.Channel{}}
	ch := slack.Channel{}
	ch.ID = "C1"
	ch.Name = "general"
	api.channels = append(api.channels, ch)
	service := newTestService(t, api)

	result, err := service.Invoke(context.Background(), "T1", mcpgw.ToolListChannels, nil)
	require.NoError(t, err)

	channels, ok := result["channels"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, channels, 1)
	assert.Equal(t, "C1", channels[0]["id"])
	assert.Equal(t, "general", channels[0]["name"])
}

func TestInvokeChannelHistoryPassesPaging(t *testing.T) {
	api := &stubSlackAPI{
		history: &slack.GetConversationHistoryResponse{
			Messages: []slack.Message{newMessage("100.000001", "hello", "U1")},
			HasMore:  true,
		},
	}
	api.history.ResponseMetaData.NextCursor = "cursor-2"
	service := newTestService(t, api)

	result, err := service.Invoke(context.Background(), "T1", mcpgw.ToolChannelHistory, map[string]any{
		"channel_id": "C1",
		"limit":      float64(50),
		"oldest":     "99.000000",
		"cursor":     "cursor-1",
	})
	require.NoError(t, err)

	require.NotNil(t, api.historyParams)
	assert.Equal(t, "C1", api.historyParams.ChannelID)
	assert.Equal(t, 50, api.historyParams.Limit)
	assert.Equal(t, "99.000000", api.historyParams.Oldest)
	assert.Equal(t, "cursor-1", api.historyParams.Cursor)

	assert.Equal(t, true, result["has_more"])
	assert.Equal(t, "cursor-2", result["next_cursor"])
	messages, ok := result["messages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0]["text"])
	assert.Equal(t, "U1", messages[0]["user"])
}

func TestInvokeRequiresChannelID(t *testing.T) {
	service := newTestService(t, &stubSlackAPI{})

	_, err := service.Invoke(context.Background(), "T1", mcpgw.ToolChannelHistory, nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestInvokeUnknownTool(t *testing.T) {
	service := newTestService(t, &stubSlackAPI{})

	_, err := service.Invoke(context.Background(), "T1", "slack_delete_everything", nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestInvokeUnknownWorkspace(t *testing.T) {
	service := newTestService(t, &stubSlackAPI{})

	_, err := service.Invoke(context.Background(), "T999", mcpgw.ToolListChannels, nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestInvokePostMessageThreads(t *testing.T) {
	api := &stubSlackAPI{}
	service := newTestService(t, api)

	result, err := service.Invoke(context.Background(), "T1", mcpgw.ToolPostMessage, map[string]any{
		"channel_id": "C1",
		"text":       "done",
		"thread_ts":  "100.000001",
	})
	require.NoError(t, err)
	assert.Equal(t, "C1", api.postedChannel)
	assert.Equal(t, 2, api.postedOptions)
	assert.Equal(t, "111.222", result["ts"])
}

func TestInvokeWrapsSlackErrors(t *testing.T) {
	api := &stubSlackAPI{err: fmt.Errorf("connection reset")}
	service := newTestService(t, api)

	_, err := service.Invoke(context.Background(), "T1", mcpgw.ToolListChannels, nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.BackendUnreachable))
}

func newTestFlow(t *testing.T) (*OAuthFlow, *credstore.SlackStore) {
	t.Helper()
	store, err := credstore.NewSlackStore(t.TempDir(), "secret")
	require.NoError(t, err)
	flow, err := NewOAuthFlow(OAuthConfig{
		ClientID:     "client",
		ClientSecret: "shh",
		RedirectURI:  "https://gw.example.com/api/auth/slack/callback",
		SuccessURL:   "https://app.example.com/connected",
	}, credstore.NewSessionStore(), store)
	require.NoError(t, err)
	return flow, store
}

func TestOAuthFlowRoundTrip(t *testing.T) {
	flow, store := newTestFlow(t)
	flow.exchange = func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		assert.Equal(t, "code-1", code)
		resp := &slack.OAuthV2Response{AccessToken: "xoxb-new", BotUserID: "B1"}
		resp.Team.ID = "T1"
		resp.Team.Name = "acme"
		resp.AuthedUser.ID = "U1"
		return resp, nil
	}

	session, authorizeURL, err := flow.Begin()
	require.NoError(t, err)
	assert.Contains(t, authorizeURL, slackAuthorizeURL)
	assert.Contains(t, authorizeURL, "client_id=client")
	assert.Contains(t, authorizeURL, session.ID)

	state, err := flow.CheckSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", state.Status)

	successURL, err := flow.Callback(context.Background(), "code-1", session.ID+"."+session.CSRF)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/connected", successURL)

	state, err = flow.CheckSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "complete", state.Status)
	assert.Equal(t, "T1", state.WorkspaceID)
	assert.Equal(t, "U1", state.UserID)

	token, err := store.BotToken("T1")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-new", token)
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	flow, _ := newTestFlow(t)
	flow.exchange = func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		resp := &slack.OAuthV2Response{AccessToken: "xoxb-new"}
		resp.Team.ID = "T1"
		return resp, nil
	}

	_, err := flow.Callback(context.Background(), "code-1", "no-separator")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))

	session, _, err := flow.Begin()
	require.NoError(t, err)

	wrongCSRF := session.ID + "." + strings.Repeat("0", 64)
	_, err = flow.Callback(context.Background(), "code-1", wrongCSRF)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestOAuthCallbackBadStateStoresNothing(t *testing.T) {
	flow, store := newTestFlow(t)
	exchanged := false
	flow.exchange = func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		exchanged = true
		resp := &slack.OAuthV2Response{AccessToken: "xoxb-new"}
		resp.Team.ID = "T1"
		return resp, nil
	}

	session, _, err := flow.Begin()
	require.NoError(t, err)

	_, err = flow.Callback(context.Background(), "code-1", session.ID+".WRONGCSRF")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))

	// A rejected state never reaches the provider or the store.
	assert.False(t, exchanged)
	assert.Empty(t, store.Workspaces())

	state, err := flow.CheckSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", state.Status)
}

func TestOAuthConfigValidation(t *testing.T) {
	_, err := NewOAuthFlow(OAuthConfig{}, credstore.NewSessionStore(), nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ConfigInvalid))
}
