package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/schema"
)

type stubRunner struct {
	dbType    string
	lastQuery *adapter.Query
	rows      []adapter.Row
}

func (s *stubRunner) DBType() string { return s.dbType }

func (s *stubRunner) LLMToQuery(ctx context.Context, question string, opts adapter.TranslateOptions) (*adapter.Query, error) {
	return &adapter.Query{Kind: adapter.KindSQL, SQL: &adapter.SQLQuery{Text: "SELECT 1"}}, nil
}

func (s *stubRunner) Execute(ctx context.Context, query *adapter.Query) ([]adapter.Row, error) {
	s.lastQuery = query
	return s.rows, nil
}

func (s *stubRunner) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	return []schema.SchemaDocument{{ID: "table:public.users", Content: "users", DBType: s.dbType}}, nil
}

func (s *stubRunner) TestConnection(ctx context.Context) bool { return true }

func TestRegisterAdapterToolsCoreSet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, &stubRunner{dbType: "postgres"}))

	for _, name := range []string{
		"postgres_llm_to_query",
		"postgres_execute_query",
		"postgres_introspect_schema",
		"postgres_test_connection",
	} {
		entry, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, 2000, entry.Metadata.EstimatedDurationMS, name)
		assert.Equal(t, []string{"postgres"}, entry.Metadata.DatabaseCompatibility, name)
		assert.Equal(t, name == "postgres_llm_to_query", entry.Metadata.RequiresLLM, name)
	}

	// Backend-specific helper comes along for postgres.
	_, ok := reg.Get("postgres_table_counts")
	assert.True(t, ok)
}

func TestAdapterToolExecuteWithRawSQL(t *testing.T) {
	runner := &stubRunner{dbType: "postgres", rows: []adapter.Row{{"n": float64(1)}}}
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, runner))

	result, err := reg.ExecuteTool(context.Background(), ToolCall{
		ToolID:     "postgres_execute_query",
		Parameters: map[string]any{"query": "SELECT * FROM users"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, runner.lastQuery)
	assert.Equal(t, adapter.KindSQL, runner.lastQuery.Kind)
	assert.Equal(t, "SELECT * FROM users", runner.lastQuery.SQL.Text)
}

func TestAdapterToolExecuteWithStructuredQuery(t *testing.T) {
	runner := &stubRunner{dbType: "postgres"}
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, runner))

	result, err := reg.ExecuteTool(context.Background(), ToolCall{
		ToolID: "postgres_execute_query",
		Parameters: map[string]any{
			"query": map[string]any{
				"kind": "sql",
				"sql":  map[string]any{"text": "SELECT 2"},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "SELECT 2", runner.lastQuery.SQL.Text)
}

func TestAdapterToolExecuteMissingQuery(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, &stubRunner{dbType: "postgres"}))

	result, err := reg.ExecuteTool(context.Background(), ToolCall{ToolID: "postgres_execute_query"})
	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestAdapterToolLLMToQueryRequiresQuestion(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, &stubRunner{dbType: "postgres"}))

	_, err := reg.ExecuteTool(context.Background(), ToolCall{ToolID: "postgres_llm_to_query"})
	require.Error(t, err)
}

func TestMongoCollectionSampleTool(t *testing.T) {
	runner := &stubRunner{dbType: "mongodb"}
	reg := NewRegistry()
	require.NoError(t, RegisterAdapterTools(reg, runner))

	_, err := reg.ExecuteTool(context.Background(), ToolCall{
		ToolID:     "mongodb_collection_sample",
		Parameters: map[string]any{"collection": "orders", "limit": float64(3)},
	})
	require.NoError(t, err)
	require.NotNil(t, runner.lastQuery)
	assert.Equal(t, adapter.KindMongoPipeline, runner.lastQuery.Kind)
	assert.Equal(t, "orders", runner.lastQuery.Mongo.Collection)
	sample := runner.lastQuery.Mongo.Pipeline[0]["$sample"].(map[string]any)
	assert.Equal(t, 3, sample["size"])
}
