package execnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/tools"
)

// ExecutionState accumulates everything a run produced, phase by phase.
type ExecutionState struct {
	UserQuery        string                   `json:"user_query"`
	SelectedTools    []tools.ToolMetadata     `json:"selected_tools"`
	ExecutionPlan    []PlanStep               `json:"execution_plan"`
	ToolCalls        []tools.ToolCall         `json:"tool_calls"`
	ExecutionResults []*tools.ExecutionResult `json:"execution_results"`
	Errors           []string                 `json:"errors"`
	Synthesis        string                   `json:"synthesis"`
	Success          bool                     `json:"success"`
	Metadata         map[string]any           `json:"metadata"`
}

// Node orchestrates the four execution phases against one backend.
type Node struct {
	registry *tools.Registry
	selector tools.Selector
	llm      *llm.Client
	sink     Sink
	dbType   string
	now      func() time.Time
}

// Options wires a Node.
type Options struct {
	Registry *tools.Registry
	Selector tools.Selector
	LLM      *llm.Client
	Sink     Sink
	DBType   string
}

func NewNode(opts Options) (*Node, error) {
	if opts.Registry == nil {
		return nil, faults.New(faults.ConfigInvalid, "execution node requires a tool registry")
	}
	if opts.LLM == nil {
		return nil, faults.New(faults.ConfigInvalid, "execution node requires an llm client")
	}
	selector := opts.Selector
	if selector == nil {
		selector = tools.NewLLMSelector(opts.Registry, opts.LLM)
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewMemorySink(0)
	}
	return &Node{
		registry: opts.Registry,
		selector: selector,
		llm:      opts.LLM,
		sink:     sink,
		dbType:   opts.DBType,
		now:      time.Now,
	}, nil
}

// Run drives all four phases. The returned state is always non-nil;
// the error reflects phase failures that prevented any execution.
func (n *Node) Run(ctx context.Context, question string) (*ExecutionState, error) {
	started := n.now()
	state := &ExecutionState{
		UserQuery: question,
		Metadata:  map[string]any{"db_type": n.dbType},
	}

	// Phase 1: tool selection.
	selected, err := n.selector.SelectTools(ctx, question, n.dbType, 5)
	if err != nil {
		slog.Warn("Tool selection failed, using platform fallback", "error", err)
		selected = n.fallbackSelection()
	}
	if len(selected) == 0 {
		return state, faults.New(faults.ToolExecutionFailed, "no tools available for execution")
	}
	state.SelectedTools = selected

	// Phase 2: planning.
	plan, err := n.buildPlan(ctx, question, selected)
	if err != nil {
		slog.Warn("LLM planning failed, using default plan", "error", err)
		plan = n.defaultPlan(question, selected)
	}
	state.ExecutionPlan = plan
	n.sink.Emit(Event{
		Type:      EventPlanCaptured,
		Timestamp: n.now(),
		Payload:   map[string]any{"steps": plan, "question": question},
	})

	// Phase 3: strict sequential execution, continuing past failures.
	outputs := make(map[int]any)
	for _, step := range plan {
		call := tools.ToolCall{
			CallID:     fmt.Sprintf("step_%d", step.StepNumber),
			ToolID:     step.ToolID,
			Parameters: step.Parameters,
		}

		resolved, err := ResolveParameters(step.Parameters, outputs)
		if err != nil {
			state.Errors = append(state.Errors, fmt.Sprintf("step %d: %v", step.StepNumber, err))
			state.ToolCalls = append(state.ToolCalls, call)
			state.ExecutionResults = append(state.ExecutionResults, &tools.ExecutionResult{
				ToolID:    step.ToolID,
				CallID:    call.CallID,
				Error:     err.Error(),
				Timestamp: n.now(),
			})
			n.emitToolExecution(step, false, 0, err.Error())
			continue
		}
		call.Parameters = resolved
		state.ToolCalls = append(state.ToolCalls, call)

		result, execErr := n.registry.ExecuteTool(ctx, call)
		state.ExecutionResults = append(state.ExecutionResults, result)
		if execErr != nil {
			state.Errors = append(state.Errors, fmt.Sprintf("step %d (%s): %v", step.StepNumber, step.ToolID, execErr))
			n.emitToolExecution(step, false, result.DurationMS, result.Error)
			continue
		}

		outputs[step.StepNumber] = result.Result
		n.emitToolExecution(step, true, result.DurationMS, "")
		if result.Result != nil {
			n.sink.Emit(Event{
				Type:      EventRawData,
				Timestamp: n.now(),
				Source:    step.ToolID,
				Payload:   map[string]any{"step": step.StepNumber, "data": result.Result},
			})
		}
	}

	// Phase 4: synthesis.
	successful := 0
	for _, result := range state.ExecutionResults {
		if result.Success {
			successful++
		}
	}
	total := len(state.ExecutionResults)
	elapsed := n.now().Sub(started)

	state.Success = total > 0 && successful > 0 && successful*2 >= total
	state.Synthesis = n.synthesize(ctx, state) + executionFooter(successful, total, elapsed)

	n.sink.Emit(Event{
		Type:      EventFinalSynthesis,
		Timestamp: n.now(),
		Payload:   map[string]any{"synthesis": state.Synthesis, "success": state.Success},
	})
	n.sink.Emit(Event{
		Type:      EventPerformanceMetrics,
		Timestamp: n.now(),
		Payload: map[string]any{
			"total_steps":      total,
			"successful_steps": successful,
			"elapsed_ms":       elapsed.Milliseconds(),
			"tool_stats":       n.registry.Tracker().AllStats(),
		},
	})

	return state, nil
}

// fallbackSelection is the rule-based selection used when the LLM and
// heuristic rankings both fail: the backend's three platform tools plus
// the CSV export helper, whichever of them are registered.
func (n *Node) fallbackSelection() []tools.ToolMetadata {
	var out []tools.ToolMetadata
	for _, name := range []string{
		n.dbType + "_llm_to_query",
		n.dbType + "_execute_query",
		n.dbType + "_introspect_schema",
		"export_csv",
	} {
		if entry, ok := n.registry.Get(name); ok {
			out = append(out, entry.Metadata)
		}
	}
	return out
}

func (n *Node) buildPlan(ctx context.Context, question string, selected []tools.ToolMetadata) ([]PlanStep, error) {
	var catalog strings.Builder
	selectedSet := make(map[string]bool, len(selected))
	for _, meta := range selected {
		selectedSet[meta.Name] = true
		fmt.Fprintf(&catalog, "- %s: %s\n", meta.Name, meta.Description)
	}

	prompt, err := n.llm.RenderTemplate("execution_plan", map[string]any{
		"Question": question,
		"Tools":    catalog.String(),
	})
	if err != nil {
		return nil, err
	}

	raw, err := n.llm.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var plan []PlanStep
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, faults.Wrap(faults.LLMParseError, "plan is not a step array", err)
	}
	if len(plan) == 0 {
		return nil, faults.New(faults.LLMParseError, "plan is empty")
	}
	if err := ValidatePlan(plan, selectedSet); err != nil {
		return nil, err
	}

	for i := range plan {
		n.applyDefaults(&plan[i], question)
	}
	return plan, nil
}

// defaultPlan runs each selected tool once, in selection order, with
// sensible parameters.
func (n *Node) defaultPlan(question string, selected []tools.ToolMetadata) []PlanStep {
	plan := make([]PlanStep, 0, len(selected))
	for i, meta := range selected {
		step := PlanStep{
			StepNumber:  i + 1,
			ToolID:      meta.Name,
			Parameters:  map[string]any{},
			Description: meta.Description,
		}
		n.applyDefaults(&step, question)
		plan = append(plan, step)
	}
	return plan
}

// applyDefaults fills missing parameters a tool cannot run without.
func (n *Node) applyDefaults(step *PlanStep, question string) {
	if step.Parameters == nil {
		step.Parameters = map[string]any{}
	}

	switch {
	case strings.HasSuffix(step.ToolID, "_llm_to_query"):
		if _, ok := step.Parameters["question"]; !ok {
			step.Parameters["question"] = question
		}
	case step.ToolID == "postgres_execute_query":
		if _, ok := step.Parameters["query"]; !ok {
			step.Parameters["query"] = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public'"
		}
	case step.ToolID == "mongodb_execute_query":
		if _, ok := step.Parameters["query"]; !ok {
			step.Parameters["query"] = `[{"$count": "documents"}]`
		}
	case strings.HasPrefix(step.ToolID, "export_"):
		if _, ok := step.Parameters["file_path"]; !ok {
			ext := strings.TrimPrefix(step.ToolID, "export_")
			step.Parameters["file_path"] = fmt.Sprintf("/tmp/%s.%s", step.ToolID, ext)
		}
		if _, ok := step.Parameters["rows"]; !ok && step.StepNumber > 1 {
			step.Parameters["rows"] = fmt.Sprintf("output_from_step_%d", step.StepNumber-1)
		}
	}
}

func (n *Node) emitToolExecution(step PlanStep, success bool, durationMS int64, errMsg string) {
	payload := map[string]any{
		"step":        step.StepNumber,
		"tool":        step.ToolID,
		"success":     success,
		"duration_ms": durationMS,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	n.sink.Emit(Event{Type: EventToolExecution, Timestamp: n.now(), Payload: payload})
}

func (n *Node) synthesize(ctx context.Context, state *ExecutionState) string {
	var outcomes strings.Builder
	for _, result := range state.ExecutionResults {
		status := "failed"
		if result.Success {
			status = "ok"
		}
		fmt.Fprintf(&outcomes, "- %s [%s]", result.ToolID, status)
		if result.Error != "" {
			fmt.Fprintf(&outcomes, ": %s", result.Error)
		} else if result.Result != nil {
			if encoded, err := json.Marshal(result.Result); err == nil {
				preview := string(encoded)
				if len(preview) > 2000 {
					preview = preview[:2000] + "..."
				}
				fmt.Fprintf(&outcomes, ": %s", preview)
			}
		}
		outcomes.WriteString("\n")
	}

	var planText strings.Builder
	for _, step := range state.ExecutionPlan {
		fmt.Fprintf(&planText, "%d. %s - %s\n", step.StepNumber, step.ToolID, step.Description)
	}

	prompt, err := n.llm.RenderTemplate("synthesis", map[string]any{
		"Question": state.UserQuery,
		"Plan":     planText.String(),
		"Outcomes": outcomes.String(),
	})
	if err == nil {
		if answer, genErr := n.llm.GenerateCompletion(ctx, prompt, 1200, 0.2); genErr == nil {
			return strings.TrimSpace(answer)
		} else {
			slog.Warn("Synthesis generation failed, using outcome digest", "error", genErr)
		}
	}

	// Deterministic digest when the model is unavailable.
	return strings.TrimSpace(outcomes.String())
}

func executionFooter(successful, total int, elapsed time.Duration) string {
	return fmt.Sprintf("\n\n%d/%d tools executed in %.1fs", successful, total, elapsed.Seconds())
}
