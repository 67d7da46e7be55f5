package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/mcpgw"
)

func newTestSlackGateway(t *testing.T, results map[string]any) *mcpgw.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tool string `json:"tool"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Tool]
		if !ok {
			http.Error(w, "unknown tool", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": result})
	}))
	t.Cleanup(srv.Close)
	return mcpgw.NewClient(srv.URL)
}

func TestSlackExecuteChannels(t *testing.T) {
	gateway := newTestSlackGateway(t, map[string]any{
		mcpgw.ToolListChannels: map[string]any{
			"channels": []map[string]any{
				{"id": "C1", "name": "general"},
				{"id": "C2", "name": "engineering"},
			},
		},
	})
	a := NewSlackAdapter(gateway, nil, nil)

	rows, err := a.Execute(context.Background(), &Query{
		Kind:      KindSlackTool,
		SlackTool: &SlackToolQuery{Type: SlackQueryChannels},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "general", rows[0]["name"])
}

func TestSlackExecuteMessagesRequiresChannel(t *testing.T) {
	a := NewSlackAdapter(newTestSlackGateway(t, nil), nil, nil)

	_, err := a.Execute(context.Background(), &Query{
		Kind:      KindSlackTool,
		SlackTool: &SlackToolQuery{Type: SlackQueryMessages},
	})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestSlackExecuteSemanticSearchWithoutIndex(t *testing.T) {
	a := NewSlackAdapter(newTestSlackGateway(t, nil), nil, nil)

	_, err := a.Execute(context.Background(), &Query{
		Kind: KindSlackTool,
		SlackTool: &SlackToolQuery{
			Type:       SlackQuerySemanticSearch,
			Parameters: map[string]any{"query": "deploy discussion"},
		},
	})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

type stubIndex struct {
	gotReq SemanticSearchRequest
	rows   []Row
}

func (s *stubIndex) SemanticSearch(ctx context.Context, req SemanticSearchRequest) ([]Row, error) {
	s.gotReq = req
	return s.rows, nil
}

func TestSlackExecuteSemanticSearch(t *testing.T) {
	index := &stubIndex{rows: []Row{{"text": "deploy at 5", "score": float32(0.91)}}}
	a := NewSlackAdapter(newTestSlackGateway(t, nil), index, nil)

	rows, err := a.Execute(context.Background(), &Query{
		Kind: KindSlackTool,
		SlackTool: &SlackToolQuery{
			Type: SlackQuerySemanticSearch,
			Parameters: map[string]any{
				"query":    "deploy discussion",
				"limit":    float64(5),
				"channels": []any{"C1"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "deploy discussion", index.gotReq.Query)
	assert.Equal(t, 5, index.gotReq.Limit)
	assert.Equal(t, []string{"C1"}, index.gotReq.Channels)
}

func TestSlackLLMToQuery(t *testing.T) {
	a := NewSlackAdapter(newTestSlackGateway(t, nil), nil,
		newScriptedClient(t, `{"type": "messages", "parameters": {"channel_id": "C1", "limit": 20}}`))

	query, err := a.LLMToQuery(context.Background(), "last 20 messages in general", TranslateOptions{})
	require.NoError(t, err)
	require.Equal(t, KindSlackTool, query.Kind)
	assert.Equal(t, SlackQueryMessages, query.SlackTool.Type)
	assert.Equal(t, "C1", query.SlackTool.Parameters["channel_id"])
}

func TestSlackLLMToQueryRejectsUnknownType(t *testing.T) {
	a := NewSlackAdapter(newTestSlackGateway(t, nil), nil,
		newScriptedClient(t, `{"type": "emoji_census"}`, `{"type": "emoji_census"}`))

	_, err := a.LLMToQuery(context.Background(), "count emoji", TranslateOptions{})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.LLMParseError))
}

func TestRowsFromGatewayResult(t *testing.T) {
	rows := rowsFromGatewayResult(json.RawMessage(`{"messages": [{"text": "hi"}, {"text": "yo"}]}`), "messages")
	require.Len(t, rows, 2)
	assert.Equal(t, "hi", rows[0]["text"])

	rows = rowsFromGatewayResult(json.RawMessage(`{"name": "bot"}`), "")
	require.Len(t, rows, 1)
	assert.Equal(t, "bot", rows[0]["name"])

	rows = rowsFromGatewayResult(json.RawMessage(`[{"id": 1}]`), "")
	require.Len(t, rows, 1)
}
