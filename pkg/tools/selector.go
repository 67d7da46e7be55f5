package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
)

// maxSelectedTools bounds how many tools a single request may fan out to.
const maxSelectedTools = 5

// Selector picks the tools to run for a natural language request.
type Selector interface {
	SelectTools(ctx context.Context, question, dbType string, max int) ([]ToolMetadata, error)
}

// HeuristicSelector ranks tools without an LLM: backend compatibility
// first, then keyword overlap with the question, then historical error
// rate, complexity, and success count as tie breakers.
type HeuristicSelector struct {
	registry *Registry
}

func NewHeuristicSelector(registry *Registry) *HeuristicSelector {
	return &HeuristicSelector{registry: registry}
}

func (s *HeuristicSelector) SelectTools(ctx context.Context, question, dbType string, max int) ([]ToolMetadata, error) {
	if max <= 0 || max > maxSelectedTools {
		max = maxSelectedTools
	}

	candidates := s.registry.ListCompatible(dbType)
	if len(candidates) == 0 {
		return nil, faults.New(faults.ToolExecutionFailed,
			fmt.Sprintf("no tools registered for backend %q", dbType))
	}

	words := questionWords(question)

	type ranked struct {
		meta    ToolMetadata
		overlap int
		stats   ToolStats
	}
	rankings := make([]ranked, 0, len(candidates))
	for _, meta := range candidates {
		rankings = append(rankings, ranked{
			meta:    meta,
			overlap: keywordOverlap(words, meta),
			stats:   s.registry.Tracker().Stats(meta.Name),
		})
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.stats.ErrorRate != b.stats.ErrorRate {
			return a.stats.ErrorRate < b.stats.ErrorRate
		}
		if a.meta.Complexity != b.meta.Complexity {
			return a.meta.Complexity < b.meta.Complexity
		}
		if a.stats.Success != b.stats.Success {
			return a.stats.Success > b.stats.Success
		}
		return a.meta.Name < b.meta.Name
	})

	if len(rankings) > max {
		rankings = rankings[:max]
	}
	out := make([]ToolMetadata, 0, len(rankings))
	for _, r := range rankings {
		out = append(out, r.meta)
	}
	return out, nil
}

func questionWords(question string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 2 {
			words[w] = true
		}
	}
	return words
}

func keywordOverlap(words map[string]bool, meta ToolMetadata) int {
	overlap := 0
	seen := make(map[string]bool)
	for _, field := range []string{meta.Name, meta.Description, string(meta.Category)} {
		for _, w := range strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return r == ' ' || r == '_' || r == '-'
		}) {
			if len(w) > 2 && words[w] && !seen[w] {
				seen[w] = true
				overlap++
			}
		}
	}
	return overlap
}

// LLMSelector asks the completion model to pick tools, falling back to
// the heuristic ranking when the model output cannot be used.
type LLMSelector struct {
	registry *Registry
	llm      *llm.Client
	fallback *HeuristicSelector
}

func NewLLMSelector(registry *Registry, client *llm.Client) *LLMSelector {
	return &LLMSelector{
		registry: registry,
		llm:      client,
		fallback: NewHeuristicSelector(registry),
	}
}

func (s *LLMSelector) SelectTools(ctx context.Context, question, dbType string, max int) ([]ToolMetadata, error) {
	if max <= 0 || max > maxSelectedTools {
		max = maxSelectedTools
	}

	candidates := s.registry.ListCompatible(dbType)
	if len(candidates) == 0 {
		return nil, faults.New(faults.ToolExecutionFailed,
			fmt.Sprintf("no tools registered for backend %q", dbType))
	}

	prompt, err := s.llm.RenderTemplate("tool_selection", map[string]any{
		"Question":    question,
		"ToolCatalog": formatCatalog(candidates, s.registry.Tracker()),
		"Hints":       dbTypeHint(dbType),
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.llm.GenerateJSON(ctx, prompt)
	if err != nil {
		slog.Warn("LLM tool selection failed, using heuristic ranking", "error", err)
		return s.fallback.SelectTools(ctx, question, dbType, max)
	}

	var picks []struct {
		Tool   string `json:"tool"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &picks); err != nil {
		slog.Warn("LLM tool selection unparseable, using heuristic ranking", "error", err)
		return s.fallback.SelectTools(ctx, question, dbType, max)
	}

	var out []ToolMetadata
	seen := make(map[string]bool)
	for _, pick := range picks {
		entry, exists := s.registry.Get(pick.Tool)
		if !exists || seen[pick.Tool] || !entry.Metadata.CompatibleWith(dbType) {
			continue
		}
		seen[pick.Tool] = true
		out = append(out, entry.Metadata)
		if len(out) == max {
			break
		}
	}

	if len(out) == 0 {
		slog.Warn("LLM selected no usable tools, using heuristic ranking")
		return s.fallback.SelectTools(ctx, question, dbType, max)
	}
	return out, nil
}

func formatCatalog(candidates []ToolMetadata, tracker *PerformanceTracker) string {
	var b strings.Builder
	for _, meta := range candidates {
		stats := tracker.Stats(meta.Name)
		fmt.Fprintf(&b, "- %s (%s): %s", meta.Name, meta.Category, meta.Description)
		if len(meta.DatabaseCompatibility) > 0 {
			fmt.Fprintf(&b, " [backends: %s]", strings.Join(meta.DatabaseCompatibility, ", "))
		}
		if stats.Total > 0 {
			fmt.Fprintf(&b, " [success: %d/%d]", stats.Success, stats.Total)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dbTypeHint(dbType string) string {
	if dbType == "" {
		return ""
	}
	return fmt.Sprintf("The active backend is %s.", dbType)
}
