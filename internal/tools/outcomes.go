package tools

import (
	"sync"
	"time"
)

// OutcomeLogCap bounds the action-outcome ring buffer.
const OutcomeLogCap = 50

// Outcome is one recorded tool attempt. GoalID is filled when the call
// or its result can be attributed to a goal.
type Outcome struct {
	Tool      string    `json:"tool"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	GoalID    string    `json:"goalId,omitempty"`
}

// OutcomeLog is a bounded ring of recent tool outcomes, read by
// reflection and the prompt builder.
type OutcomeLog struct {
	mu      sync.Mutex
	entries []Outcome
}

// NewOutcomeLog starts from previously persisted entries.
func NewOutcomeLog(entries []Outcome) *OutcomeLog {
	l := &OutcomeLog{entries: append([]Outcome(nil), entries...)}
	l.trimLocked()
	return l
}

// Append records an outcome, evicting the oldest past the cap.
func (l *OutcomeLog) Append(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, o)
	l.trimLocked()
}

func (l *OutcomeLog) trimLocked() {
	if len(l.entries) > OutcomeLogCap {
		l.entries = append([]Outcome(nil), l.entries[len(l.entries)-OutcomeLogCap:]...)
	}
}

// Last returns up to n newest outcomes, oldest first.
func (l *OutcomeLog) Last(n int) []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	return append([]Outcome(nil), l.entries[len(l.entries)-n:]...)
}

// All snapshots the log for persistence.
func (l *OutcomeLog) All() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outcome(nil), l.entries...)
}

// Len reports the number of retained outcomes.
func (l *OutcomeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// extractGoalID pulls a goal id from call args or a (possibly nested)
// result payload.
func extractGoalID(args map[string]interface{}, result interface{}) string {
	if id, ok := args["goalId"].(string); ok && id != "" {
		return id
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		return ""
	}
	if id, ok := m["goalId"].(string); ok && id != "" {
		return id
	}
	if inner, ok := m["result"].(map[string]interface{}); ok {
		if id, ok := inner["goalId"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
