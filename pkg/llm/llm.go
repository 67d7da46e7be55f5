// Package llm abstracts the remote text-generation model used for query
// translation, tool selection, and result synthesis.
package llm

import (
	"context"
)

// CompletionOptions tune a single completion call.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
}

// Provider is the transport-level contract: render a prompt into text.
type Provider interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
	ModelName() string
}

// AnalysisResult is the outcome of a multi-turn orchestrated analysis.
type AnalysisResult struct {
	Analysis   string         `json:"analysis"`
	State      map[string]any `json:"state"`
	StepsTaken int            `json:"steps_taken"`
}
