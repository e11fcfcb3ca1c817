package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/backend/internal/agent"
	"github.com/agentmesh/backend/internal/config"
	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/relay"
	"github.com/agentmesh/backend/pkg/plugins"
)

const testToken = "test-admin-token"

type testEnv struct {
	host    *agent.Host
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := memory.OpenPebble(t.TempDir())
	require.NoError(t, err)

	emitter := events.NewEmitter()
	host := agent.NewHost(backend.DB(), backend, emitter, nil, plugins.NewRegistry())
	rl := relay.New(emitter, func(did string) (relay.Deliverer, bool) {
		a, ok := host.ResolveDID(did)
		if !ok {
			return nil, false
		}
		return a, true
	})
	cfg := &config.Config{AdminToken: testToken, CORSOrigin: "*"}

	t.Cleanup(func() {
		host.StopAll()
		// Let any in-flight zero-delay cycle finish before the db closes.
		time.Sleep(20 * time.Millisecond)
		backend.Close()
	})
	return &testEnv{host: host, handler: NewServer(cfg, host, rl, emitter).Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// createAgent provisions a passive agent so cycles never need a model.
func (e *testEnv) createAgent(t *testing.T, name string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/agents/"+name, map[string]interface{}{
		"personality":  "methodical tester",
		"loopMode":     "passive",
		"enabledTools": []string{"remember", "recall", "notify"},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	did, _ := body["did"].(string)
	require.True(t, strings.HasPrefix(did, "did:cf:"), "did: %q", did)
	return did
}

func TestCreateAgent(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/agents/alice", map[string]interface{}{
		"personality": "curious",
		"loopMode":    "passive",
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.True(t, strings.HasPrefix(body["did"].(string), "did:cf:"))
	assert.Equal(t, true, body["loopRunning"])

	// Same name again is a conflict.
	w = env.do(t, http.MethodPost, "/agents/alice", map[string]interface{}{
		"personality": "impostor",
	}, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The new agent appears in the relay directory.
	w = env.do(t, http.MethodGet, "/agents", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode(t, w)
	assert.Len(t, listed["agents"], 1)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/agents/alice/config", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Result().Header.Get("WWW-Authenticate"))

	// Query-string token works for the same route.
	w = env.do(t, http.MethodGet, "/agents/alice/config?token="+testToken, nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/.well-known/agent-network.json", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	// Identity is a public read; config is not.
	w = env.do(t, http.MethodGet, "/agents/alice/identity", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.True(t, strings.HasPrefix(body["did"].(string), "did:cf:"))
	keys := body["publicKeys"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(keys["encryption"].(string), "z"))

	w = env.do(t, http.MethodGet, "/agents/alice/config", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthReportsMissingBindings(t *testing.T) {
	backend, err := memory.OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	emitter := events.NewEmitter()
	host := agent.NewHost(backend.DB(), backend, emitter, nil, plugins.NewRegistry())
	rl := relay.New(emitter, nil)
	cfg := &config.Config{CORSOrigin: "*"} // no admin token bound
	handler := NewServer(cfg, host, rl, emitter).Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["missing"], "ADMIN_TOKEN")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPatch, "/agents/alice/identity", nil, true)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMemoryRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	record := map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   "met bob at the relay",
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w := env.do(t, http.MethodPost, "/agents/alice/memory", record, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)
	assert.Contains(t, id, "/agent.memory.note/")

	w = env.do(t, http.MethodGet, "/agents/alice/memory?id="+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)["record"].(map[string]interface{})
	assert.Equal(t, "met bob at the relay", got["summary"])

	// Listing by collection finds it.
	w = env.do(t, http.MethodGet, "/agents/alice/memory?collection=agent.memory.note", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)

	// Update keeps the id, changes the body.
	record["summary"] = "met bob twice"
	w = env.do(t, http.MethodPut, "/agents/alice/memory", map[string]interface{}{
		"id":     id,
		"record": record,
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/alice/memory?id="+id, nil, true)
	got = decode(t, w)["record"].(map[string]interface{})
	assert.Equal(t, "met bob twice", got["summary"])

	// Soft delete hides it; the second delete reports false.
	w = env.do(t, http.MethodDelete, "/agents/alice/memory?id="+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["deleted"])

	w = env.do(t, http.MethodDelete, "/agents/alice/memory?id="+id, nil, true)
	assert.Equal(t, false, decode(t, w)["deleted"])

	w = env.do(t, http.MethodGet, "/agents/alice/memory?id="+id, nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidRecordRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodPost, "/agents/alice/memory", map[string]interface{}{
		"$type": "agent.memory.note",
	}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Invalid record", body["error"])
	assert.NotEmpty(t, body["issues"])
}

func TestShareBetweenAgents(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")
	bobDID := env.createAgent(t, "bob")

	w := env.do(t, http.MethodGet, "/agents/bob/identity", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	bobKeys := decode(t, w)["publicKeys"].(map[string]interface{})

	record := map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   "for bob's eyes",
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w = env.do(t, http.MethodPost, "/agents/alice/memory", record, true)
	require.Equal(t, http.StatusOK, w.Code)
	id := decode(t, w)["id"].(string)

	w = env.do(t, http.MethodPost, "/agents/alice/share", map[string]interface{}{
		"id":                 id,
		"recipientDid":       bobDID,
		"recipientPublicKey": bobKeys["encryption"],
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/bob/shared?id="+id, nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode(t, w)["record"].(map[string]interface{})
	assert.Equal(t, "for bob's eyes", got["summary"])

	// Signing keys are the wrong algorithm for sharing.
	w = env.do(t, http.MethodPost, "/agents/alice/share", map[string]interface{}{
		"id":                 id,
		"recipientDid":       bobDID,
		"recipientPublicKey": bobKeys["signing"],
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShareResolvesKeyFromDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")
	bobDID := env.createAgent(t, "bob")

	record := map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   "directory lookup",
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w := env.do(t, http.MethodPost, "/agents/alice/memory", record, true)
	id := decode(t, w)["id"].(string)

	// No key supplied; the relay registration from create fills it in.
	w = env.do(t, http.MethodPost, "/agents/alice/share", map[string]interface{}{
		"id":           id,
		"recipientDid": bobDID,
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/bob/shared", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)
}

func TestInboxPostAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	aliceDID := env.createAgent(t, "alice")
	// Stop the loop so observe does not drain the queue mid-test.
	w := env.do(t, http.MethodPost, "/agents/alice/loop/stop", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	msg := map[string]interface{}{
		"$type":     "agent.comms.message",
		"sender":    "did:cf:external",
		"recipient": aliceDID,
		"content":   map[string]interface{}{"kind": "text", "text": "hello alice"},
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w = env.do(t, http.MethodPost, "/agents/alice/inbox", msg, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/alice/inbox", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 1)

	// A task record is also valid ingress.
	task := map[string]interface{}{
		"$type":     "agent.comms.task",
		"sender":    "did:cf:external",
		"recipient": aliceDID,
		"task":      "summarize the relay logs",
		"replyTo":   "did:cf:external/agent.comms.task/abc",
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w = env.do(t, http.MethodPost, "/agents/alice/inbox", task, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/alice/inbox", nil, true)
	assert.Len(t, decode(t, w)["messages"], 2)

	// Unknown record types never enter the queue.
	w = env.do(t, http.MethodPost, "/agents/alice/inbox", map[string]interface{}{
		"$type": "agent.bogus.thing",
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoopControls(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodGet, "/agents/alice/loop/status", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["loopRunning"])

	w = env.do(t, http.MethodPost, "/agents/alice/loop/stop", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["loopRunning"])

	w = env.do(t, http.MethodGet, "/agents/alice/loop/status", nil, true)
	assert.Equal(t, false, decode(t, w)["loopRunning"])

	w = env.do(t, http.MethodPost, "/agents/alice/loop/start", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["loopRunning"])
}

func TestConfigPatch(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodPatch, "/agents/alice/config", map[string]interface{}{
		"specialty":      "protocol archaeology",
		"loopIntervalMs": 1, // below the floor, must be clamped
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "protocol archaeology", body["specialty"])
	assert.Equal(t, float64(5000), body["loopIntervalMs"])

	// Untouched fields survive the merge.
	assert.Equal(t, "methodical tester", body["personality"])
}

func TestProfileDocument(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodGet, "/agents/alice/profile", nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/agents/alice/profile", map[string]interface{}{
		"displayName": "Alice",
		"bio":         "relay regular",
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	// Profile reads are public.
	w = env.do(t, http.MethodGet, "/agents/alice/profile", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Alice", decode(t, w)["displayName"])
}

func TestExecuteDispatchesTools(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "alice")

	w := env.do(t, http.MethodPost, "/agents/alice/execute", map[string]interface{}{
		"calls": []map[string]interface{}{
			{"id": "c1", "name": "recall", "args": map[string]interface{}{"limit": 5}},
		},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, true, first["ok"])
}

func TestRelayDirectedMessageReachesInbox(t *testing.T) {
	env := newTestEnv(t)
	aliceDID := env.createAgent(t, "alice")
	env.do(t, http.MethodPost, "/agents/alice/loop/stop", nil, true)

	msg := map[string]interface{}{
		"$type":     "agent.comms.message",
		"sender":    "did:cf:external",
		"recipient": aliceDID,
		"content":   map[string]interface{}{"kind": "text", "text": "via relay"},
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	w := env.do(t, http.MethodPost, "/relay/message", msg, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/agents/alice/inbox", nil, true)
	assert.Len(t, decode(t, w)["messages"], 1)
}
