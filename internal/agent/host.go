package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/llm"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/state"
	"github.com/agentmesh/backend/pkg/plugins"
)

// Host owns the process's actors. Actors are created lazily per name;
// each gets a namespaced state store over the shared Pebble database and
// a memory handle over the shared backend.
type Host struct {
	mu         sync.RWMutex
	actors     map[string]*Actor
	db         *pebble.DB
	backend    memory.Backend
	emitter    *events.Emitter
	llm        llm.Client
	extensions *plugins.Registry
}

// NewHost creates an actor host.
func NewHost(db *pebble.DB, backend memory.Backend, emitter *events.Emitter, client llm.Client, extensions *plugins.Registry) *Host {
	return &Host{
		actors:     make(map[string]*Actor),
		db:         db,
		backend:    backend,
		emitter:    emitter,
		llm:        client,
		extensions: extensions,
	}
}

// Actor returns the named actor, instantiating it on first reference.
// Instantiation does not register the agent; Create does.
func (h *Host) Actor(name string) *Actor {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.actors[name]; ok {
		return a
	}
	a := New(name, state.New(h.db, name), h.backend, h.emitter, h.llm, h.extensions)
	a.Deliver = h.deliver
	h.actors[name] = a
	return a
}

// Exists reports whether an agent with this name has been created.
func (h *Host) Exists(name string) (bool, error) {
	row, err := h.backend.GetAgent(name)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// ResolveDID finds the actor for a DID, consulting the shared agents
// table for actors not yet instantiated in this process.
func (h *Host) ResolveDID(did string) (*Actor, bool) {
	h.mu.RLock()
	actors := make([]*Actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.mu.RUnlock()
	for _, a := range actors {
		if a.DID() == did {
			return a, true
		}
	}

	rows, err := h.backend.ListAgents()
	if err != nil {
		return nil, false
	}
	for _, row := range rows {
		if row.DID == did {
			return h.Actor(row.Name), true
		}
	}
	return nil, false
}

// WebhookURL resolves an agent's configured webhook by DID, for the
// webhook sink.
func (h *Host) WebhookURL(did string) string {
	a, ok := h.ResolveDID(did)
	if !ok {
		return ""
	}
	cfg, err := a.Config()
	if err != nil {
		return ""
	}
	return cfg.WebhookURL
}

// deliver routes a validated record to another local actor's inbox.
func (h *Host) deliver(ctx context.Context, recipientDID string, record memory.Record) error {
	target, ok := h.ResolveDID(recipientDID)
	if !ok {
		return fmt.Errorf("agent: unknown recipient %s", recipientDID)
	}
	return target.DeliverInbox(record)
}

// StopAll stops every instantiated actor's loop, for shutdown.
func (h *Host) StopAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, a := range h.actors {
		a.Scheduler().Stop()
	}
}
