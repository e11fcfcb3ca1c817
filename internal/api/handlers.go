package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/backend/internal/agent"
	"github.com/agentmesh/backend/internal/cryptoenv"
	"github.com/agentmesh/backend/internal/lexicon"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/metrics"
	"github.com/agentmesh/backend/internal/relay"
	"github.com/agentmesh/backend/internal/tools"
)

func (s *Server) actorFor(r *http.Request) *agent.Actor {
	return s.host.Actor(mux.Vars(r)["name"])
}

// requireExisting returns the actor only when the agent has been
// created; otherwise it writes the 404.
func (s *Server) requireExisting(w http.ResponseWriter, r *http.Request) (*agent.Actor, bool) {
	name := mux.Vars(r)["name"]
	exists, err := s.host.Exists(name)
	if err != nil {
		s.mapStoreError(w, err)
		return nil, false
	}
	if !exists {
		writeError(w, http.StatusNotFound, "unknown agent")
		return nil, false
	}
	return s.host.Actor(name), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// handleCreate registers a new agent, starts its loop, and registers it
// with the relay directory. Duplicate names are a 409.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg agent.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	a := s.actorFor(r)
	identity, err := a.Create(cfg)
	if err != nil {
		s.mapStoreError(w, err)
		return
	}

	keys, err := identity.PublicKeys()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	s.relay.Register(&relay.Registration{
		DID:        identity.DID,
		PublicKeys: keys,
		Metadata:   map[string]interface{}{"name": a.Name},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"did":         identity.DID,
		"name":        a.Name,
		"loopRunning": true,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	cfg, err := a.Config()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var patch map[string]interface{}
	if !decodeBody(w, r, &patch) {
		return
	}
	cfg, err := a.PatchConfig(patch)
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	identity, err := a.Identity()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	keys, err := identity.PublicKeys()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"did":        identity.DID,
		"publicKeys": keys,
		"createdAt":  identity.CreatedAt,
	})
}

// docHandler serves the profile and character JSON documents from actor
// state.
func (s *Server) docHandler(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.requireExisting(w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			doc, err := a.Document(key)
			if err != nil {
				s.mapStoreError(w, err)
				return
			}
			if doc == nil {
				writeError(w, http.StatusNotFound, key+" not set")
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPut:
			var doc map[string]interface{}
			if !decodeBody(w, r, &doc) {
				return
			}
			if err := a.PutDocument(key, doc); err != nil {
				s.mapStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		}
	}
}

func (s *Server) handleMemoryPost(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var record memory.Record
	if !decodeBody(w, r, &record) {
		return
	}
	if err := lexicon.Validate(record); err != nil {
		if !writeValidationError(w, err) {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	id, err := store.Store(record)
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	collection, _ := record["$type"].(string)
	metrics.RecordsStored.WithLabelValues(collection).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		record, err := store.Retrieve(id)
		if err != nil {
			s.mapStoreError(w, err)
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "record": record})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := store.List(memory.ListOptions{
		Collection: r.URL.Query().Get("collection"),
		Limit:      limit,
	})
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleMemoryPut(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var body struct {
		ID     string        `json:"id"`
		Record memory.Record `json:"record"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" || body.Record == nil {
		writeError(w, http.StatusBadRequest, "id and record are required")
		return
	}
	if err := lexicon.Validate(body.Record); err != nil {
		if !writeValidationError(w, err) {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	if err := store.Update(body.ID, body.Record); err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	deleted, err := store.SoftDelete(id)
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// handleShare re-wraps a record's DEK for a recipient. The recipient key
// arrives in multibase form; a registered DID can stand in for it.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var body struct {
		ID           string `json:"id"`
		RecipientDID string `json:"recipientDid"`
		RecipientKey string `json:"recipientPublicKey"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" || body.RecipientDID == "" {
		writeError(w, http.StatusBadRequest, "id and recipientDid are required")
		return
	}

	encoded := body.RecipientKey
	if encoded == "" {
		// Fall back to the relay key directory.
		reg, ok := s.relay.Lookup(body.RecipientDID)
		if !ok {
			writeError(w, http.StatusNotFound, "recipient key unknown")
			return
		}
		encoded = reg.PublicKeys["encryption"]
	}
	alg, raw, err := cryptoenv.DecodePublicKey(encoded)
	if err != nil || alg != cryptoenv.AlgorithmX25519 {
		writeError(w, http.StatusBadRequest, "recipientPublicKey must be a multibase X25519 key")
		return
	}

	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	if err := store.Share(body.ID, body.RecipientDID, raw); err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	store, err := a.Memory()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		record, err := store.RetrieveShared(id)
		if err != nil {
			s.mapStoreError(w, err)
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "record": record})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := store.ListShared(memory.ListOptions{
		Collection: r.URL.Query().Get("collection"),
		Limit:      limit,
	})
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleInboxPost(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var record memory.Record
	if !decodeBody(w, r, &record) {
		return
	}
	if err := lexicon.Validate(record); err != nil {
		if !writeValidationError(w, err) {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	if err := a.DeliverInbox(record); err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleInboxGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	queue, err := a.InboxSnapshot()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": queue})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	result, err := a.Prompt(r.Context(), body.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, "model call failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response":  result.Final,
		"modelUsed": result.ModelUsed,
	})
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	obs, err := a.Observations()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"observations": obs})
}

// handleExecute is the external-brain path: dispatch caller-supplied
// tool calls under the actor's allowlist and budgets.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	var body struct {
		Calls []tools.Call `json:"calls"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "calls are required")
		return
	}
	result, err := a.Execute(r.Context(), body.Calls)
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLoopStart(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	if err := a.StartLoop(); err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loopRunning": true})
}

func (s *Server) handleLoopStop(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	if err := a.StopLoop(); err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loopRunning": false})
}

func (s *Server) handleLoopStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	status, err := a.LoopStatus()
	if err != nil {
		s.mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	trace := a.Trace()
	if trace == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"steps": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAgentWS streams this agent's events to the socket.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	a, ok := s.requireExisting(w, r)
	if !ok {
		return
	}
	did := a.DID()
	if did == "" {
		if _, err := a.Identity(); err != nil {
			s.mapStoreError(w, err)
			return
		}
		did = a.DID()
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := s.emitter.Subscribe()
	go func() {
		defer func() {
			s.emitter.Unsubscribe(ch)
			conn.Close()
		}()
		for event := range ch {
			if event.AgentDID != did {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, event.Line()); err != nil {
				return
			}
		}
	}()
	// Reader goroutine notices the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()
}

