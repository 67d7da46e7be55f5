// Package tools implements the tool registry: typed metadata for every
// executable capability, instrumented execution, performance tracking,
// and LLM-assisted tool selection.
package tools

import (
	"context"
	"time"
)

// Category groups tools by what they do.
type Category string

const (
	CategoryDatabaseQuery           Category = "database_query"
	CategoryDatabaseAnalysis        Category = "database_analysis"
	CategoryDataTransformation      Category = "data_transformation"
	CategorySchemaIntrospection     Category = "schema_introspection"
	CategoryPerformanceOptimization Category = "performance_optimization"
	CategoryCrossDatabase           Category = "cross_database"
	CategoryVisualization           Category = "visualization"
	CategoryUtility                 Category = "utility"
)

// ToolMetadata describes a registered tool for selectors and planners.
type ToolMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	// Complexity ranges 1 (trivial) to 4 (heavy multi-backend work).
	Complexity int `json:"complexity"`

	InputTypes  []string `json:"input_types,omitempty"`
	OutputTypes []string `json:"output_types,omitempty"`

	// DatabaseCompatibility lists backend tags this tool can serve.
	// Empty means backend-agnostic.
	DatabaseCompatibility []string `json:"database_compatibility,omitempty"`

	EstimatedDurationMS int  `json:"estimated_duration_ms"`
	MemoryEstimateMB    int  `json:"memory_estimate_mb,omitempty"`
	RequiresLLM         bool `json:"requires_llm"`
	StreamingCapable    bool `json:"streaming_capable"`
	Parallelizable      bool `json:"parallelizable"`

	Dependencies []string `json:"dependencies,omitempty"`
}

// CompatibleWith reports whether the tool can serve the given backend.
func (m *ToolMetadata) CompatibleWith(dbType string) bool {
	if len(m.DatabaseCompatibility) == 0 {
		return true
	}
	for _, tag := range m.DatabaseCompatibility {
		if tag == dbType || tag == "all" {
			return true
		}
	}
	return false
}

// ToolFunc is the executable body of a tool.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// ToolCall is one requested invocation.
type ToolCall struct {
	CallID     string         `json:"call_id"`
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters"`
	Context    map[string]any `json:"context,omitempty"`
}

// ExecutionResult is the outcome of one invocation.
type ExecutionResult struct {
	ToolID      string         `json:"tool_id"`
	CallID      string         `json:"call_id"`
	ExecutionID string         `json:"execution_id"`
	Success     bool           `json:"success"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    *ToolMetadata  `json:"tool_metadata,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
