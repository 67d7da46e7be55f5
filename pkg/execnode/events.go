package execnode

import (
	"sync"
	"time"
)

// EventType enumerates the aggregator's emission order: one
// plan_captured, one tool_execution per step, raw_data per data-bearing
// step, one final_synthesis, one performance_metrics.
type EventType string

const (
	EventPlanCaptured       EventType = "plan_captured"
	EventToolExecution      EventType = "tool_execution"
	EventRawData            EventType = "raw_data"
	EventFinalSynthesis     EventType = "final_synthesis"
	EventPerformanceMetrics EventType = "performance_metrics"
)

// Event is one emission of an execution run.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Source tags raw_data events with the producing tool.
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Sink receives events as the run progresses. Implementations must be
// safe for sequential calls from one goroutine.
type Sink interface {
	Emit(event Event)
}

// MemorySink buffers events in order, dropping the oldest once the cap
// is reached.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

const defaultSinkCap = 1000

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = defaultSinkCap
	}
	return &MemorySink{cap: capacity}
}

func (s *MemorySink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
}

// Events returns a copy of the buffered events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
