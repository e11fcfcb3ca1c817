package agent

import (
	"time"

	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/state"
)

// InboxCap bounds the pending queue; the oldest entries fall off first.
const InboxCap = 100

// InboxMessage is one pending delivery awaiting the next observe pass.
type InboxMessage struct {
	Record     memory.Record `json:"record"`
	ReceivedAt time.Time     `json:"receivedAt"`
}

// loadInbox reads the pending queue from actor state.
func loadInbox(st *state.Store) ([]InboxMessage, error) {
	var queue []InboxMessage
	if _, err := st.Get(state.KeyPendingEvents, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// pushInbox appends a validated record to the pending queue.
func pushInbox(st *state.Store, record memory.Record) error {
	queue, err := loadInbox(st)
	if err != nil {
		return err
	}
	queue = append(queue, InboxMessage{Record: record, ReceivedAt: time.Now().UTC()})
	if len(queue) > InboxCap {
		queue = queue[len(queue)-InboxCap:]
	}
	return st.Put(state.KeyPendingEvents, queue)
}

// drainInbox empties the pending queue, returning what was waiting.
func drainInbox(st *state.Store) ([]InboxMessage, error) {
	queue, err := loadInbox(st)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	if err := st.Put(state.KeyPendingEvents, []InboxMessage{}); err != nil {
		return nil, err
	}
	return queue, nil
}
