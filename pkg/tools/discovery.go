package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/schema"
)

// AdapterRunner is the slice of the orchestrator contract tool
// discovery needs. Satisfied by *adapter.Orchestrator.
type AdapterRunner interface {
	DBType() string
	LLMToQuery(ctx context.Context, question string, opts adapter.TranslateOptions) (*adapter.Query, error)
	Execute(ctx context.Context, query *adapter.Query) ([]adapter.Row, error)
	IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error)
	TestConnection(ctx context.Context) bool
}

// RegisterAdapterTools exposes a connected adapter's four core
// operations as registry tools, plus backend-specific helpers.
// Tool names are prefixed with the backend so several adapters can be
// registered side by side.
func RegisterAdapterTools(reg *Registry, orch AdapterRunner) error {
	dbType := orch.DBType()
	prefix := dbType + "_"

	core := []struct {
		name        string
		description string
		category    Category
		requiresLLM bool
		fn          ToolFunc
	}{
		{
			name:        prefix + "llm_to_query",
			description: fmt.Sprintf("Translate a natural language question into a native %s query", dbType),
			category:    CategoryDatabaseQuery,
			requiresLLM: true,
			fn: func(ctx context.Context, params map[string]any) (any, error) {
				question, err := requireString(params, "question")
				if err != nil {
					return nil, err
				}
				query, err := orch.LLMToQuery(ctx, question, translateOptions(params))
				if err != nil {
					return nil, err
				}
				return query, nil
			},
		},
		{
			name:        prefix + "execute_query",
			description: fmt.Sprintf("Execute a native query against the %s backend and return rows", dbType),
			category:    CategoryDatabaseQuery,
			fn: func(ctx context.Context, params map[string]any) (any, error) {
				query, err := queryFromParams(dbType, params)
				if err != nil {
					return nil, err
				}
				return orch.Execute(ctx, query)
			},
		},
		{
			name:        prefix + "introspect_schema",
			description: fmt.Sprintf("Enumerate the %s backend's schema documents", dbType),
			category:    CategorySchemaIntrospection,
			fn: func(ctx context.Context, params map[string]any) (any, error) {
				docs, err := orch.IntrospectSchema(ctx)
				if err != nil && !faults.IsKind(err, faults.PartialIntrospection) {
					return nil, err
				}
				return docs, nil
			},
		},
		{
			name:        prefix + "test_connection",
			description: fmt.Sprintf("Check whether the %s backend is reachable", dbType),
			category:    CategoryUtility,
			fn: func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"connected": orch.TestConnection(ctx)}, nil
			},
		},
	}

	for _, t := range core {
		meta := ToolMetadata{
			Name:                  t.name,
			Description:           t.description,
			Category:              t.category,
			Complexity:            2,
			DatabaseCompatibility: []string{dbType},
			EstimatedDurationMS:   2000,
			RequiresLLM:           t.requiresLLM,
			Parallelizable:        true,
		}
		if err := reg.Register(meta, t.fn); err != nil {
			return err
		}
	}

	return registerBackendTools(reg, orch, dbType)
}

// registerBackendTools adds helpers only meaningful for one backend.
func registerBackendTools(reg *Registry, orch AdapterRunner, dbType string) error {
	switch dbType {
	case "postgres":
		return reg.Register(ToolMetadata{
			Name:                  "postgres_table_counts",
			Description:           "Count tables per schema in the connected PostgreSQL database",
			Category:              CategoryDatabaseAnalysis,
			Complexity:            1,
			DatabaseCompatibility: []string{"postgres"},
			EstimatedDurationMS:   1000,
			Parallelizable:        true,
		}, func(ctx context.Context, params map[string]any) (any, error) {
			return orch.Execute(ctx, &adapter.Query{
				Kind: adapter.KindSQL,
				SQL: &adapter.SQLQuery{
					Text: "SELECT table_schema, COUNT(*) AS tables FROM information_schema.tables GROUP BY table_schema ORDER BY table_schema",
				},
			})
		})
	case "mongodb":
		return reg.Register(ToolMetadata{
			Name:                  "mongodb_collection_sample",
			Description:           "Sample documents from a MongoDB collection",
			Category:              CategoryDatabaseAnalysis,
			Complexity:            1,
			DatabaseCompatibility: []string{"mongodb"},
			EstimatedDurationMS:   1000,
			Parallelizable:        true,
		}, func(ctx context.Context, params map[string]any) (any, error) {
			collection, err := requireString(params, "collection")
			if err != nil {
				return nil, err
			}
			limit := 5
			if v, ok := params["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			return orch.Execute(ctx, &adapter.Query{
				Kind: adapter.KindMongoPipeline,
				Mongo: &adapter.MongoQuery{
					Collection: collection,
					Pipeline:   []map[string]any{{"$sample": map[string]any{"size": limit}}},
				},
			})
		})
	}
	return nil
}

func translateOptions(params map[string]any) adapter.TranslateOptions {
	var opts adapter.TranslateOptions
	if v, ok := params["collection"].(string); ok {
		opts.Collection = v
	}
	return opts
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", faults.New(faults.QueryInvalid, fmt.Sprintf("parameter %q is required", key))
	}
	return v, nil
}

// queryFromParams reconstructs an adapter query from loosely typed tool
// parameters. A bare "query" string is treated as the backend's native
// text form.
func queryFromParams(dbType string, params map[string]any) (*adapter.Query, error) {
	if raw, ok := params["query"]; ok {
		switch v := raw.(type) {
		case string:
			return nativeTextQuery(dbType, v, params)
		case map[string]any:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, faults.Wrap(faults.QueryInvalid, "query parameter is not serializable", err)
			}
			var query adapter.Query
			if err := json.Unmarshal(encoded, &query); err != nil {
				return nil, faults.Wrap(faults.QueryInvalid, "query parameter does not describe a query", err)
			}
			return &query, nil
		}
	}
	return nil, faults.New(faults.QueryInvalid, "parameter \"query\" is required")
}

func nativeTextQuery(dbType, text string, params map[string]any) (*adapter.Query, error) {
	switch dbType {
	case "postgres":
		return &adapter.Query{Kind: adapter.KindSQL, SQL: &adapter.SQLQuery{Text: text}}, nil
	case "mongodb":
		var pipeline []map[string]any
		if err := json.Unmarshal([]byte(text), &pipeline); err != nil {
			return nil, faults.Wrap(faults.QueryInvalid, "mongodb query text must be a JSON pipeline", err)
		}
		collection, _ := params["collection"].(string)
		return &adapter.Query{
			Kind:  adapter.KindMongoPipeline,
			Mongo: &adapter.MongoQuery{Collection: collection, Pipeline: pipeline},
		}, nil
	default:
		return nil, faults.New(faults.QueryInvalid,
			fmt.Sprintf("backend %s does not accept raw query text", dbType))
	}
}
