package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
)

func echoTool(ctx context.Context, params map[string]any) (any, error) {
	return params, nil
}

func metaNamed(name string) ToolMetadata {
	return ToolMetadata{
		Name:        name,
		Description: "test tool",
		Category:    CategoryUtility,
		Complexity:  1,
	}
}

func TestRegisterValidatesMetadata(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(ToolMetadata{Complexity: 1}, echoTool)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ConfigInvalid))

	err = reg.Register(ToolMetadata{Name: "t", Complexity: 9}, echoTool)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ConfigInvalid))

	err = reg.Register(metaNamed("t"), nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ConfigInvalid))
}

func TestRegisterOverwritesExisting(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(metaNamed("dup"), echoTool))

	replacement := metaNamed("dup")
	replacement.Description = "second registration"
	require.NoError(t, reg.Register(replacement, echoTool))

	assert.Equal(t, 1, reg.Count())
	entry, ok := reg.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "second registration", entry.Metadata.Description)
}

func TestExecuteToolSuccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(metaNamed("echo"), echoTool))

	result, err := reg.ExecuteTool(context.Background(), ToolCall{
		CallID:     "c1",
		ToolID:     "echo",
		Parameters: map[string]any{"x": float64(1)},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "echo", result.ToolID)
	assert.Equal(t, "c1", result.CallID)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, map[string]any{"x": float64(1)}, result.Result)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, "echo", result.Metadata.Name)
}

func TestExecuteToolNotFound(t *testing.T) {
	reg := NewRegistry()

	result, err := reg.ExecuteTool(context.Background(), ToolCall{ToolID: "nope"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ToolExecutionFailed))
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestExecuteToolWrapsPlainErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(metaNamed("boom"), func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	}))

	result, err := reg.ExecuteTool(context.Background(), ToolCall{ToolID: "boom"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ToolExecutionFailed))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "disk on fire")
}

func TestExecuteToolPreservesClassifiedFaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(metaNamed("denied"), func(ctx context.Context, params map[string]any) (any, error) {
		return nil, faults.New(faults.AuthExpired, "token expired")
	}))

	_, err := reg.ExecuteTool(context.Background(), ToolCall{ToolID: "denied"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestExecuteToolRecordsPerformance(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(metaNamed("echo"), echoTool))
	require.NoError(t, reg.Register(metaNamed("boom"), func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("nope")
	}))

	_, _ = reg.ExecuteTool(context.Background(), ToolCall{ToolID: "echo"})
	_, _ = reg.ExecuteTool(context.Background(), ToolCall{ToolID: "echo"})
	_, _ = reg.ExecuteTool(context.Background(), ToolCall{ToolID: "boom"})

	stats := reg.Tracker().Stats("echo")
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 0, stats.Failed)

	stats = reg.Tracker().Stats("boom")
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1.0, stats.ErrorRate)
}

func TestGuardResultSize(t *testing.T) {
	small := guardResultSize("t", map[string]any{"ok": true})
	assert.Equal(t, map[string]any{"ok": true}, small)

	huge := guardResultSize("t", strings.Repeat("x", maxResultBytes+1))
	truncated, ok := huge.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, truncated["truncated"])
}

func TestPerformanceTrackerWindow(t *testing.T) {
	tracker := NewPerformanceTracker()
	current := time.Now()
	tracker.now = func() time.Time { return current }

	tracker.Record("old", time.Second, true)
	current = current.Add(25 * time.Hour)
	tracker.Record("fresh", time.Second, false)

	assert.Equal(t, 0, tracker.Stats("old").Total)
	stats := tracker.Stats("fresh")
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, stats.Total, stats.Success+stats.Failed)
}

func TestPerformanceTrackerSampleCap(t *testing.T) {
	tracker := NewPerformanceTracker()
	for i := 0; i < maxTrackedSamples+50; i++ {
		tracker.Record("t", time.Millisecond, true)
	}
	assert.Equal(t, maxTrackedSamples, tracker.Stats("t").Total)
}

func TestPerformanceTrackerAllStatsSorted(t *testing.T) {
	tracker := NewPerformanceTracker()
	tracker.Record("zeta", time.Second, true)
	tracker.Record("alpha", time.Second, true)

	all := tracker.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Tool)
	assert.Equal(t, "zeta", all[1].Tool)
}
