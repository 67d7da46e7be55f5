package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/observability"
	"github.com/databridge-io/databridge/pkg/registry"
)

// maxResultBytes caps how much of a tool result is kept on the
// execution record. Oversized results are replaced with a summary so a
// single runaway query cannot blow up synthesis prompts or API payloads.
const maxResultBytes = 4 << 20

// RegisteredTool pairs metadata with the executable body.
type RegisteredTool struct {
	Metadata ToolMetadata
	Fn       ToolFunc
}

// Registry holds every executable tool and instruments invocations.
type Registry struct {
	tools   *registry.BaseRegistry[*RegisteredTool]
	tracker *PerformanceTracker
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   registry.NewBaseRegistry[*RegisteredTool](),
		tracker: NewPerformanceTracker(),
	}
}

// Register adds a tool. Re-registering an existing name overwrites the
// previous entry with a warning rather than failing, so adapter
// rediscovery stays idempotent.
func (r *Registry) Register(meta ToolMetadata, fn ToolFunc) error {
	if meta.Name == "" {
		return faults.New(faults.ConfigInvalid, "tool name cannot be empty")
	}
	if fn == nil {
		return faults.New(faults.ConfigInvalid, fmt.Sprintf("tool %s has no executable body", meta.Name))
	}
	if meta.Complexity < 1 || meta.Complexity > 4 {
		return faults.New(faults.ConfigInvalid,
			fmt.Sprintf("tool %s complexity %d out of range 1..4", meta.Name, meta.Complexity))
	}

	entry := &RegisteredTool{Metadata: meta, Fn: fn}
	if _, exists := r.tools.Get(meta.Name); exists {
		slog.Warn("Tool already registered, overwriting", "tool", meta.Name)
		if err := r.tools.Remove(meta.Name); err != nil {
			return err
		}
	}
	return r.tools.Register(meta.Name, entry)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (*RegisteredTool, bool) {
	return r.tools.Get(name)
}

// List returns metadata for every registered tool, sorted by name.
func (r *Registry) List() []ToolMetadata {
	entries := r.tools.List()

	out := make([]ToolMetadata, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListCompatible returns tools usable against the given backend.
func (r *Registry) ListCompatible(dbType string) []ToolMetadata {
	var out []ToolMetadata
	for _, meta := range r.List() {
		if meta.CompatibleWith(dbType) {
			out = append(out, meta)
		}
	}
	return out
}

func (r *Registry) Count() int { return r.tools.Count() }

// Tracker exposes the performance tracker for selectors.
func (r *Registry) Tracker() *PerformanceTracker { return r.tracker }

// ExecuteTool runs one tool call. The returned ExecutionResult is
// always non-nil, even on failure, so callers can continue a plan and
// report per-step outcomes.
func (r *Registry) ExecuteTool(ctx context.Context, call ToolCall) (*ExecutionResult, error) {
	executionID := uuid.New().String()

	tracer := observability.GetTracer("databridge.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.ToolID),
		),
	)
	defer span.End()

	result := &ExecutionResult{
		ToolID:      call.ToolID,
		CallID:      call.CallID,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
	}

	entry, exists := r.tools.Get(call.ToolID)
	if !exists {
		err := faults.New(faults.ToolExecutionFailed, fmt.Sprintf("tool %s not found", call.ToolID)).
			WithRemediation("list registered tools and pick one of them")
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not found")
		return result, err
	}
	result.Metadata = &entry.Metadata

	// The timer brackets only the tool body, not registry bookkeeping.
	start := time.Now()
	raw, execErr := entry.Fn(ctx, call.Parameters)
	duration := time.Since(start)

	result.DurationMS = duration.Milliseconds()
	r.tracker.Record(call.ToolID, duration, execErr == nil)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, call.ToolID, duration, execErr)
	}

	if execErr != nil {
		result.Error = execErr.Error()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		if faults.KindOf(execErr) != faults.Internal {
			return result, execErr
		}
		return result, faults.Wrap(faults.ToolExecutionFailed,
			fmt.Sprintf("tool %s failed", call.ToolID), execErr)
	}

	result.Success = true
	result.Result = guardResultSize(call.ToolID, raw)
	span.SetStatus(codes.Ok, "success")
	span.SetAttributes(
		attribute.Bool("tool.success", true),
		attribute.Int64("tool.duration_ms", result.DurationMS),
	)
	return result, nil
}

// guardResultSize replaces results whose JSON encoding exceeds the cap
// with a small descriptive placeholder.
func guardResultSize(tool string, raw any) any {
	encoded, err := json.Marshal(raw)
	if err != nil || len(encoded) <= maxResultBytes {
		return raw
	}

	slog.Warn("Tool result exceeds size cap, truncating", "tool", tool, "bytes", len(encoded))
	return map[string]any{
		"truncated":  true,
		"size_bytes": len(encoded),
		"note":       fmt.Sprintf("result of %s exceeded %d bytes and was dropped", tool, maxResultBytes),
	}
}
