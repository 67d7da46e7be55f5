// Package execnode runs multi-tool analysis requests through four
// phases: tool selection, planning, sequential execution, synthesis.
package execnode

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/databridge-io/databridge/pkg/faults"
)

// stepRefPattern matches the late-binding token planners emit when a
// step consumes an earlier step's output.
var stepRefPattern = regexp.MustCompile(`^output_from_step_(\d+)$`)

// PlanStep is one entry of an execution plan.
type PlanStep struct {
	StepNumber  int            `json:"step_number"`
	ToolID      string         `json:"tool_id"`
	Parameters  map[string]any `json:"parameters"`
	Description string         `json:"description"`
	DependsOn   []int          `json:"depends_on"`
}

// ParamValue is a plan parameter: either a concrete literal or a
// reference to an earlier step's output.
type ParamValue struct {
	Literal any
	StepRef int
}

// IsRef reports whether the value is a step reference.
func (v ParamValue) IsRef() bool { return v.StepRef > 0 }

// ParseParamValue classifies a raw plan parameter. Only exact
// "output_from_step_<n>" strings become references; everything else is
// a literal, including strings that merely contain the token.
func ParseParamValue(raw any) ParamValue {
	if s, ok := raw.(string); ok {
		if m := stepRefPattern.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return ParamValue{StepRef: n}
			}
		}
	}
	return ParamValue{Literal: raw}
}

// ResolveParameters substitutes step references with the recorded
// outputs. A reference to a step that has not produced output is a
// dangling reference and fails the step before execution.
func ResolveParameters(params map[string]any, outputs map[int]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for key, raw := range params {
		value := ParseParamValue(raw)
		if !value.IsRef() {
			resolved[key] = value.Literal
			continue
		}

		output, ok := outputs[value.StepRef]
		if !ok {
			return nil, faults.New(faults.ToolExecutionFailed,
				fmt.Sprintf("parameter %q references step %d which has no output", key, value.StepRef))
		}
		resolved[key] = output
	}
	return resolved, nil
}

// ValidatePlan checks structural invariants: step numbers are 1..n in
// order, tools come from the selected set, and references only point
// backwards.
func ValidatePlan(steps []PlanStep, selected map[string]bool) error {
	for i, step := range steps {
		if step.StepNumber != i+1 {
			return faults.New(faults.LLMParseError,
				fmt.Sprintf("plan step %d is numbered %d", i+1, step.StepNumber))
		}
		if !selected[step.ToolID] {
			return faults.New(faults.LLMParseError,
				fmt.Sprintf("plan step %d uses unselected tool %q", step.StepNumber, step.ToolID))
		}
		for _, dep := range step.DependsOn {
			if dep <= 0 || dep >= step.StepNumber {
				return faults.New(faults.LLMParseError,
					fmt.Sprintf("plan step %d depends on step %d", step.StepNumber, dep))
			}
		}
		for key, raw := range step.Parameters {
			value := ParseParamValue(raw)
			if value.IsRef() && value.StepRef >= step.StepNumber {
				return faults.New(faults.LLMParseError,
					fmt.Sprintf("plan step %d parameter %q references step %d ahead of it",
						step.StepNumber, key, value.StepRef))
			}
		}
	}
	return nil
}
