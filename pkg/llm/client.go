package llm

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/databridge-io/databridge/pkg/faults"
)

//go:embed templates/*.tpl
var templateFS embed.FS

// MaxAnalysisSteps bounds the orchestrated analysis loop.
const MaxAnalysisSteps = 10

// Client wraps a Provider with prompt rendering and the structured-output
// post-processing every adapter relies on.
type Client struct {
	provider  Provider
	templates *template.Template
}

// NewClient creates a client over the given provider.
func NewClient(provider Provider) (*Client, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.tpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	return &Client{provider: provider, templates: templates}, nil
}

// Provider exposes the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}

// RenderTemplate renders the named prompt template with context. Pure, no I/O.
func (c *Client) RenderTemplate(templateID string, context any) (string, error) {
	var buf strings.Builder
	if err := c.templates.ExecuteTemplate(&buf, templateID+".tpl", context); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateID, err)
	}
	return buf.String(), nil
}

// GenerateCompletion invokes the model with a raw prompt.
func (c *Client) GenerateCompletion(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return c.provider.Complete(ctx, prompt, CompletionOptions{MaxTokens: maxTokens, Temperature: temperature})
}

// GenerateSQL renders the nl2sql template and returns the bare statement
// with code fences stripped.
func (c *Client) GenerateSQL(ctx context.Context, question, schema string) (string, error) {
	prompt, err := c.RenderTemplate("nl2sql", map[string]any{"Question": question, "Schema": schema})
	if err != nil {
		return "", err
	}
	completion, err := c.GenerateCompletion(ctx, prompt, 0, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSpace(StripCodeFences(completion)), ";"), nil
}

// GenerateMongoQuery renders the mongo_query template and coerces the
// completion to the {collection, pipeline} JSON shape.
func (c *Client) GenerateMongoQuery(ctx context.Context, question, schema, defaultCollection string) (json.RawMessage, error) {
	prompt, err := c.RenderTemplate("mongo_query", map[string]any{
		"Question":          question,
		"Schema":            schema,
		"DefaultCollection": defaultCollection,
	})
	if err != nil {
		return nil, err
	}
	return c.generateJSON(ctx, prompt)
}

// GenerateGA4Query renders the ga4_query template and coerces the
// completion to the report-request JSON shape.
func (c *Client) GenerateGA4Query(ctx context.Context, question, schema string) (json.RawMessage, error) {
	prompt, err := c.RenderTemplate("ga4_query", map[string]any{"Question": question, "Schema": schema})
	if err != nil {
		return nil, err
	}
	return c.generateJSON(ctx, prompt)
}

// GenerateJSON invokes the model with the given prompt and coerces the
// output to JSON, retrying once with a "return only JSON" reminder before
// surfacing LLMParseError with the raw text attached.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (json.RawMessage, error) {
	return c.generateJSON(ctx, prompt)
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (json.RawMessage, error) {
	completion, err := c.GenerateCompletion(ctx, prompt, 0, 0)
	if err != nil {
		return nil, err
	}
	if raw, ok := CoerceJSON(completion); ok {
		return raw, nil
	}

	retryPrompt := prompt + "\n\nYour previous response was not valid JSON. Return only JSON, with no commentary and no code fences."
	completion2, err := c.GenerateCompletion(ctx, retryPrompt, 0, 0)
	if err != nil {
		return nil, err
	}
	if raw, ok := CoerceJSON(completion2); ok {
		return raw, nil
	}
	return nil, faults.New(faults.LLMParseError, "model returned unparseable JSON after retry").WithRaw(completion2)
}

// AnalyzeResults produces a narrative over query results.
func (c *Client) AnalyzeResults(ctx context.Context, question, query string, rows []map[string]any) (string, error) {
	const maxRowsInPrompt = 50

	truncated := false
	promptRows := rows
	if len(promptRows) > maxRowsInPrompt {
		promptRows = promptRows[:maxRowsInPrompt]
		truncated = true
	}
	rowsJSON, err := json.MarshalIndent(promptRows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize rows for analysis: %w", err)
	}

	prompt, err := c.RenderTemplate("analyze", map[string]any{
		"Question":  question,
		"Query":     query,
		"RowCount":  len(rows),
		"Truncated": truncated,
		"Rows":      string(rowsJSON),
	})
	if err != nil {
		return "", err
	}
	return c.GenerateCompletion(ctx, prompt, 0, 0)
}

type orchestrateStep struct {
	Action   string `json:"action"`
	NextStep string `json:"next_step"`
	Analysis string `json:"analysis"`
}

// OrchestrateAnalysis runs the multi-turn analysis loop, gated by
// MaxAnalysisSteps. Each turn the model either refines the analysis or
// declares it done.
func (c *Client) OrchestrateAnalysis(ctx context.Context, question, dbType string) (*AnalysisResult, error) {
	var findings []string
	result := &AnalysisResult{State: map[string]any{"db_type": dbType}}

	for step := 0; step < MaxAnalysisSteps; step++ {
		prompt, err := c.RenderTemplate("orchestrate", map[string]any{
			"Question": question,
			"DBType":   dbType,
			"Findings": strings.Join(findings, "\n"),
		})
		if err != nil {
			return nil, err
		}

		raw, err := c.generateJSON(ctx, prompt)
		if err != nil {
			return nil, err
		}

		var parsed orchestrateStep
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, faults.Wrap(faults.LLMParseError, "orchestration step has unexpected shape", err).WithRaw(string(raw))
		}

		result.StepsTaken = step + 1
		result.Analysis = parsed.Analysis
		if parsed.Action == "done" {
			break
		}
		findings = append(findings, parsed.NextStep)
	}

	result.State["findings"] = findings
	return result, nil
}
