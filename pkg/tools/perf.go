package tools

import (
	"sort"
	"sync"
	"time"
)

const (
	maxTrackedSamples   = 10000
	maxDurationsPerTool = 100
	statsWindow         = 24 * time.Hour
)

type sample struct {
	tool     string
	at       time.Time
	duration time.Duration
	success  bool
}

// ToolStats summarizes recent executions of one tool.
// Total always equals Success plus Failed.
type ToolStats struct {
	Tool          string  `json:"tool"`
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Failed        int     `json:"failed"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// PerformanceTracker keeps a bounded window of execution outcomes so
// selectors can prefer tools that have been succeeding.
type PerformanceTracker struct {
	mu      sync.Mutex
	samples []sample
	now     func() time.Time
}

func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{now: time.Now}
}

// Record adds one execution outcome, evicting the oldest sample once
// the global cap is reached.
func (t *PerformanceTracker) Record(tool string, duration time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, sample{tool: tool, at: t.now(), duration: duration, success: success})
	if len(t.samples) > maxTrackedSamples {
		t.samples = t.samples[len(t.samples)-maxTrackedSamples:]
	}
}

// Stats returns the stats for one tool over the last 24 hours.
func (t *PerformanceTracker) Stats(tool string) ToolStats {
	return t.snapshot()[tool]
}

// AllStats returns per-tool stats sorted by tool name.
func (t *PerformanceTracker) AllStats() []ToolStats {
	byTool := t.snapshot()

	out := make([]ToolStats, 0, len(byTool))
	for _, s := range byTool {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

func (t *PerformanceTracker) snapshot() map[string]ToolStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-statsWindow)

	byTool := make(map[string]ToolStats)
	durations := make(map[string][]time.Duration)
	for _, s := range t.samples {
		if s.at.Before(cutoff) {
			continue
		}

		stats := byTool[s.tool]
		stats.Tool = s.tool
		stats.Total++
		if s.success {
			stats.Success++
		} else {
			stats.Failed++
		}
		byTool[s.tool] = stats

		// Only the most recent durations feed the average.
		d := durations[s.tool]
		d = append(d, s.duration)
		if len(d) > maxDurationsPerTool {
			d = d[len(d)-maxDurationsPerTool:]
		}
		durations[s.tool] = d
	}

	for tool, stats := range byTool {
		if stats.Total > 0 {
			stats.ErrorRate = float64(stats.Failed) / float64(stats.Total)
		}
		if d := durations[tool]; len(d) > 0 {
			var sum time.Duration
			for _, v := range d {
				sum += v
			}
			stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(len(d))
		}
		byTool[tool] = stats
	}

	return byTool
}
