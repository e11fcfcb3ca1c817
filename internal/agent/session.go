package agent

import (
	"fmt"
	"time"

	"github.com/agentmesh/backend/internal/llm"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/state"
)

// SessionWindow is the live transcript bound. Overflow is archived to
// the memory store before the window advances.
const SessionWindow = 50

// ArchiveCollection is the record type used for session overflow.
const ArchiveCollection = "agent.session.archive"

// Session is the actor's conversation transcript. BaseIndex is the
// global index of Messages[0]; archived history is recoverable from
// agent.session.archive records.
type Session struct {
	BaseIndex    int           `json:"baseIndex"`
	Messages     []llm.Message `json:"messages"`
	BranchPoints []int         `json:"branchPoints,omitempty"`
}

// Append adds messages to the live window.
func (s *Session) Append(messages ...llm.Message) {
	s.Messages = append(s.Messages, messages...)
}

// Reset clears the live window, advancing the base index past the
// discarded messages. Used by reflection.
func (s *Session) Reset() {
	s.BaseIndex += len(s.Messages)
	s.Messages = nil
}

// SaveSession trims the session to the window, archiving overflow as one
// encrypted agent.session.archive record per save. The archive write
// happens before BaseIndex advances so history is never lost.
func SaveSession(st *state.Store, store *memory.Store, s *Session) error {
	if overflow := len(s.Messages) - SessionWindow; overflow > 0 {
		archived := s.Messages[:overflow]
		entries := make([]map[string]interface{}, 0, len(archived))
		for _, m := range archived {
			entries = append(entries, map[string]interface{}{
				"role":    m.Role,
				"content": m.Content,
			})
		}
		record := memory.Record{
			"$type":     ArchiveCollection,
			"baseIndex": s.BaseIndex,
			"count":     overflow,
			"messages":  entries,
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := store.Store(record); err != nil {
			return fmt.Errorf("agent: archive session overflow: %w", err)
		}
		s.BaseIndex += overflow
		s.Messages = append([]llm.Message(nil), s.Messages[overflow:]...)
	}
	return st.Put(state.KeySession, s)
}

// LoadSession reads the persisted session, returning an empty one when
// absent.
func LoadSession(st *state.Store) (*Session, error) {
	var s Session
	if _, err := st.Get(state.KeySession, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
