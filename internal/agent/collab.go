package agent

import (
	"sync"
	"time"
)

// ModelSelector picks models for correction retries. Implementations route by
// task type and policy constraints (allowed/forbidden models, tags, latency).
type ModelSelector interface {
	SelectModel(taskType string, policy *AgentPolicy, context map[string]any) string
	SelectFallbackModels(taskType string, policy *AgentPolicy, context map[string]any) []string
}

// CapabilityResolver finds alternate tools for a task described in text.
type CapabilityResolver interface {
	FindToolsForTask(text string, context map[string]any, policy *AgentPolicy) []string
}

// FailureRecord is one remembered failure, used for escalation thresholds.
type FailureRecord struct {
	Tool    string     `json:"tool"`
	Step    string     `json:"step"`
	Message string     `json:"message"`
	Class   ErrorClass `json:"class"`
	At      time.Time  `json:"at"`
}

// Memory records loop events and answers failure-history queries. The loop
// calls it for observability and escalation thresholds but never depends on
// it for control flow: a nil Memory degrades gracefully.
type Memory interface {
	RecentFailuresForTool(name string, limit int) []FailureRecord
	RecordWorkflowEvent(runID, event string, details map[string]any)
	RecordErrorEvent(runID, step, tool string, failure error, class ErrorClass)
}

// MemoryBuffer is a bounded in-process Memory implementation.
type MemoryBuffer struct {
	mu       sync.Mutex
	limit    int
	failures []FailureRecord
	events   []string
}

// NewMemoryBuffer creates a MemoryBuffer retaining at most limit failures.
func NewMemoryBuffer(limit int) *MemoryBuffer {
	if limit <= 0 {
		limit = 128
	}
	return &MemoryBuffer{limit: limit}
}

func (m *MemoryBuffer) RecentFailuresForTool(name string, limit int) []FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []FailureRecord
	for i := len(m.failures) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.failures[i].Tool == name {
			out = append(out, m.failures[i])
		}
	}
	return out
}

func (m *MemoryBuffer) RecordWorkflowEvent(runID, event string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, runID+":"+event)
}

func (m *MemoryBuffer) RecordErrorEvent(runID, step, tool string, failure error, class ErrorClass) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	m.failures = append(m.failures, FailureRecord{
		Tool:    tool,
		Step:    step,
		Message: msg,
		Class:   class,
		At:      time.Now().UTC(),
	})
	if len(m.failures) > m.limit {
		m.failures = m.failures[len(m.failures)-m.limit:]
	}
	m.events = append(m.events, runID+":error")
}

// Events returns the recorded event trail.
func (m *MemoryBuffer) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}
