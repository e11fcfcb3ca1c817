package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/lexicon"
	"github.com/agentmesh/backend/internal/memory"
)

// Registration is one directory entry.
type Registration struct {
	DID          string                 `json:"did"`
	PublicKeys   map[string]string      `json:"publicKeys"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt time.Time              `json:"registeredAt"`
}

// Deliverer posts a validated record to an agent's inbox.
type Deliverer interface {
	DeliverInbox(record memory.Record) error
}

// Resolver finds the local actor for a DID, when one exists.
type Resolver func(did string) (Deliverer, bool)

// Relay is the fanout and directory actor. It is the one process-wide
// singleton besides the extension registry.
type Relay struct {
	mu      sync.RWMutex
	agents  map[string]*Registration
	hub     *Hub
	emitter *events.Emitter
	resolve Resolver
	logger  *log.Logger
}

// New creates a relay over the given emitter. resolve may be nil when
// directed delivery is not served by this process.
func New(emitter *events.Emitter, resolve Resolver) *Relay {
	return &Relay{
		agents:  make(map[string]*Registration),
		hub:     NewHub(),
		emitter: emitter,
		resolve: resolve,
		logger:  log.New(log.Writer(), "[RELAY] ", log.LstdFlags),
	}
}

// Hub exposes the subscriber set (for tests and status endpoints).
func (rl *Relay) Hub() *Hub { return rl.hub }

// Start pumps emitter events onto the firehose until ctx ends.
func (rl *Relay) Start(ctx context.Context) {
	ch := rl.emitter.Subscribe()
	go func() {
		defer rl.emitter.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				rl.hub.Broadcast(event)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Register installs a directory entry, replacing any previous one for
// the DID.
func (rl *Relay) Register(reg *Registration) {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}
	rl.mu.Lock()
	rl.agents[reg.DID] = reg
	rl.mu.Unlock()
	rl.logger.Printf("registered %s", reg.DID)
}

// Lookup returns a directory entry.
func (rl *Relay) Lookup(did string) (*Registration, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	reg, ok := rl.agents[did]
	return reg, ok
}

// List returns registrations newest-first.
func (rl *Relay) List() []*Registration {
	rl.mu.RLock()
	out := make([]*Registration, 0, len(rl.agents))
	for _, reg := range rl.agents {
		out = append(out, reg)
	}
	rl.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

// Routes mounts the relay surface on a router.
func (rl *Relay) Routes(r *mux.Router) {
	r.HandleFunc("/agents", rl.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/agents", rl.handleList).Methods(http.MethodGet)
	r.HandleFunc("/keys/{did}", rl.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/emit", rl.handleEmit).Methods(http.MethodPost)
	r.HandleFunc("/firehose", rl.hub.HandleFirehose)
	r.HandleFunc("/relay/message", rl.handleMessage).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (rl *Relay) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if reg.DID == "" || reg.PublicKeys["encryption"] == "" || reg.PublicKeys["signing"] == "" {
		writeError(w, http.StatusBadRequest, "did and publicKeys.{encryption,signing} are required")
		return
	}
	rl.Register(&reg)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "did": reg.DID})
}

func (rl *Relay) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": rl.List()})
}

func (rl *Relay) handleKeys(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	reg, ok := rl.Lookup(did)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown did")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"did":        reg.DID,
		"publicKeys": reg.PublicKeys,
	})
}

func (rl *Relay) handleEmit(w http.ResponseWriter, r *http.Request) {
	var event events.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	delivered := rl.hub.Broadcast(&event)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "delivered": delivered})
}

// handleMessage is the directed path: validate, resolve the recipient
// actor, post to its inbox, and emit a fanout event.
func (rl *Relay) handleMessage(w http.ResponseWriter, r *http.Request) {
	record, err := lexicon.ValidateJSON(readBody(r))
	if err != nil {
		if verr, ok := err.(*lexicon.ValidationError); ok {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "Invalid record",
				"issues": verr.Issues,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if record["$type"] != lexicon.TypeMessage {
		writeError(w, http.StatusBadRequest, "relay/message accepts agent.comms.message only")
		return
	}
	recipient, _ := record["recipient"].(string)

	if rl.resolve == nil {
		writeError(w, http.StatusBadGateway, "no local actors")
		return
	}
	target, ok := rl.resolve(recipient)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown recipient")
		return
	}
	if err := target.DeliverInbox(record); err != nil {
		rl.logger.Printf("inbox delivery to %s failed: %v", recipient, err)
		writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	sender, _ := record["sender"].(string)
	rl.emitter.Emit(events.NewTraceID(), "relay.message", recipient, lexicon.TypeMessage,
		map[string]interface{}{"sender": sender})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "recipient": recipient})
}

func readBody(r *http.Request) []byte {
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		return nil
	}
	return buf
}
