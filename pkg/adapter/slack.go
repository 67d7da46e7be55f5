package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/mcpgw"
	"github.com/databridge-io/databridge/pkg/schema"
)

// Slack query types accepted by the adapter.
const (
	SlackQueryChannels       = "channels"
	SlackQueryMessages       = "messages"
	SlackQueryThread         = "thread"
	SlackQueryUser           = "user"
	SlackQueryBot            = "bot"
	SlackQuerySemanticSearch = "semantic_search"
)

// SemanticSearchRequest is the read-path request against the message
// index owned by the Slack indexer.
type SemanticSearchRequest struct {
	Query    string
	Limit    int
	Channels []string
	Users    []string
	DateFrom *time.Time
	DateTo   *time.Time
}

// SemanticIndex is implemented by the Slack indexer's search surface.
type SemanticIndex interface {
	SemanticSearch(ctx context.Context, req SemanticSearchRequest) ([]Row, error)
}

// SlackAdapter is the workspace-chat adapter variant. All Slack data
// flows through the auxiliary tool gateway; semantic search goes to the
// message index instead.
type SlackAdapter struct {
	gateway *mcpgw.Client
	index   SemanticIndex
	llm     *llm.Client
	logger  *slog.Logger
}

// NewSlackAdapter creates an adapter over a gateway client. The index
// may be nil; semantic_search queries then fail with QueryInvalid.
func NewSlackAdapter(gateway *mcpgw.Client, index SemanticIndex, llmClient *llm.Client) *SlackAdapter {
	return &SlackAdapter{
		gateway: gateway,
		index:   index,
		llm:     llmClient,
		logger:  logger.GetLogger("adapter.slack"),
	}
}

func (a *SlackAdapter) DBType() string { return "slack" }

const slackTranslatePrompt = `You route questions about a Slack workspace to one query type.

Types:
- "channels": list channels. No parameters.
- "messages": recent messages. Parameters: channel_id, limit (default 50).
- "thread": thread replies. Parameters: channel_id, thread_ts.
- "user": user profile. Parameters: user_id.
- "bot": bot identity. No parameters.
- "semantic_search": find messages by meaning. Parameters: query (string), limit (default 20), channels (optional list), users (optional list).

Question: %s

Return only JSON: {"type": "...", "parameters": {...}}`

func (a *SlackAdapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	raw, err := a.llm.GenerateJSON(ctx, fmt.Sprintf(slackTranslatePrompt, question))
	if err != nil {
		return nil, err
	}

	var parsed SlackToolQuery
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.LLMParseError, "slack query has unexpected shape", err).WithRaw(string(raw))
	}
	if !validSlackQueryType(parsed.Type) {
		return nil, faults.New(faults.LLMParseError,
			fmt.Sprintf("unknown slack query type %q", parsed.Type)).WithRaw(string(raw))
	}
	if parsed.Type == SlackQuerySemanticSearch && parsed.Parameters["query"] == nil {
		if parsed.Parameters == nil {
			parsed.Parameters = map[string]any{}
		}
		parsed.Parameters["query"] = question
	}
	return &Query{Kind: KindSlackTool, SlackTool: &parsed}, nil
}

func validSlackQueryType(t string) bool {
	switch t {
	case SlackQueryChannels, SlackQueryMessages, SlackQueryThread,
		SlackQueryUser, SlackQueryBot, SlackQuerySemanticSearch:
		return true
	}
	return false
}

func (a *SlackAdapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindSlackTool || query.SlackTool == nil {
		return nil, faults.New(faults.QueryInvalid, "slack adapter requires a slack query")
	}
	q := query.SlackTool
	params := q.Parameters

	switch q.Type {
	case SlackQueryChannels:
		raw, err := a.gateway.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
		return rowsFromGatewayResult(raw, "channels"), nil

	case SlackQueryMessages:
		channelID := stringParam(params, "channel_id")
		if channelID == "" {
			return nil, faults.New(faults.QueryInvalid, "messages query requires channel_id")
		}
		limit := intParam(params, "limit", 50)
		raw, err := a.gateway.ChannelHistory(ctx, channelID, limit)
		if err != nil {
			return nil, err
		}
		return rowsFromGatewayResult(raw, "messages"), nil

	case SlackQueryThread:
		channelID := stringParam(params, "channel_id")
		threadTS := stringParam(params, "thread_ts")
		if channelID == "" || threadTS == "" {
			return nil, faults.New(faults.QueryInvalid, "thread query requires channel_id and thread_ts")
		}
		raw, err := a.gateway.ThreadReplies(ctx, channelID, threadTS)
		if err != nil {
			return nil, err
		}
		return rowsFromGatewayResult(raw, "messages"), nil

	case SlackQueryUser:
		userID := stringParam(params, "user_id")
		if userID == "" {
			return nil, faults.New(faults.QueryInvalid, "user query requires user_id")
		}
		raw, err := a.gateway.UserInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
		return rowsFromGatewayResult(raw, ""), nil

	case SlackQueryBot:
		raw, err := a.gateway.BotInfo(ctx)
		if err != nil {
			return nil, err
		}
		return rowsFromGatewayResult(raw, ""), nil

	case SlackQuerySemanticSearch:
		if a.index == nil {
			return nil, faults.New(faults.QueryInvalid, "semantic search requires an indexed workspace").
				WithRemediation("run the slack indexer for this workspace first")
		}
		req := SemanticSearchRequest{
			Query:    stringParam(params, "query"),
			Limit:    intParam(params, "limit", 20),
			Channels: stringSliceParam(params, "channels"),
			Users:    stringSliceParam(params, "users"),
		}
		if req.Query == "" {
			return nil, faults.New(faults.QueryInvalid, "semantic search requires a query string")
		}
		return a.index.SemanticSearch(ctx, req)

	default:
		return nil, faults.New(faults.QueryInvalid, fmt.Sprintf("unknown slack query type %q", q.Type))
	}
}

// rowsFromGatewayResult flattens a gateway result object into rows. A
// well-known list key yields one row per element; anything else becomes
// a single row.
func rowsFromGatewayResult(raw json.RawMessage, listKey string) []Row {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		var arr []map[string]any
		if err := json.Unmarshal(raw, &arr); err == nil {
			rows := make([]Row, len(arr))
			for i, item := range arr {
				rows[i] = item
			}
			return rows
		}
		return []Row{{"result": string(raw)}}
	}

	if listKey != "" {
		if list, ok := obj[listKey].([]any); ok {
			rows := make([]Row, 0, len(list))
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					rows = append(rows, m)
				}
			}
			return rows
		}
	}
	return []Row{obj}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a *SlackAdapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	raw, err := a.gateway.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	channels := rowsFromGatewayResult(raw, "channels")
	var names []string
	for _, ch := range channels {
		if name, ok := ch["name"].(string); ok {
			names = append(names, "#"+name)
		}
	}

	content := fmt.Sprintf(
		"Slack workspace with %d channels: %s. Query types: channels, messages, thread, user, bot, semantic_search.",
		len(channels), strings.Join(names, ", "))
	return []schema.SchemaDocument{{
		ID:      "slack:workspace",
		Content: content,
		DBType:  "slack",
	}}, nil
}

func (a *SlackAdapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.gateway.BotInfo(ctx)
	return err == nil
}

func (a *SlackAdapter) Close() error {
	return nil
}

var _ Adapter = (*SlackAdapter)(nil)
