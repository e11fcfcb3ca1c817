package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/memory"
)

func TestFilterMatch(t *testing.T) {
	event := &events.Event{Collection: "agent.comms.message", AgentDID: "did:cf:alice"}

	assert.True(t, Filter{}.Match(event), "empty filter is a wildcard")
	assert.True(t, Filter{Collections: []string{"*"}, DIDs: []string{"*"}}.Match(event))
	assert.True(t, Filter{Collections: []string{"agent.comms.message"}, DIDs: []string{"did:cf:alice"}}.Match(event))
	assert.False(t, Filter{Collections: []string{"agent.memory.note"}}.Match(event))
	assert.False(t, Filter{DIDs: []string{"did:cf:bob"}}.Match(event))
	assert.False(t, Filter{Collections: []string{"agent.comms.message"}, DIDs: []string{"did:cf:bob"}}.Match(event),
		"both dimensions must match")
}

func TestParseFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/firehose?collections=a,%20b&dids=did:cf:x", nil)
	f := ParseFilter(r)
	assert.Equal(t, []string{"a", "b"}, f.Collections)
	assert.Equal(t, []string{"did:cf:x"}, f.DIDs)
}

func newTestRelay(resolve Resolver) (*Relay, *httptest.Server) {
	rl := New(events.NewEmitter(), resolve)
	r := mux.NewRouter()
	rl.Routes(r)
	return rl, httptest.NewServer(r)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func TestRegisterAndDirectory(t *testing.T) {
	_, srv := newTestRelay(nil)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/agents", map[string]interface{}{
		"did":        "did:cf:alice",
		"publicKeys": map[string]string{"encryption": "zenc", "signing": "zsig"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing keys are rejected.
	resp = postJSON(t, srv.URL+"/agents", map[string]interface{}{"did": "did:cf:bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	time.Sleep(5 * time.Millisecond)
	resp = postJSON(t, srv.URL+"/agents", map[string]interface{}{
		"did":        "did:cf:carol",
		"publicKeys": map[string]string{"encryption": "zenc2", "signing": "zsig2"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	var listing struct {
		Agents []Registration `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listing))
	require.Len(t, listing.Agents, 2)
	assert.Equal(t, "did:cf:carol", listing.Agents[0].DID, "newest first")

	keysResp, err := http.Get(srv.URL + "/keys/did:cf:alice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, keysResp.StatusCode)
	var keys struct {
		DID        string            `json:"did"`
		PublicKeys map[string]string `json:"publicKeys"`
	}
	require.NoError(t, json.NewDecoder(keysResp.Body).Decode(&keys))
	assert.Equal(t, "zenc", keys.PublicKeys["encryption"])

	missing, err := http.Get(srv.URL + "/keys/did:cf:nobody")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func dialFirehose(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/firehose" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEmitFanoutHonorsFilters(t *testing.T) {
	rl, srv := newTestRelay(nil)
	defer srv.Close()

	all := dialFirehose(t, srv, "?collections=*&dids=*")
	noteOnly := dialFirehose(t, srv, "?collections=agent.memory.note")
	bobOnly := dialFirehose(t, srv, "?dids=did:cf:bob")

	require.Eventually(t, func() bool { return rl.Hub().SubscriberCount() == 3 },
		time.Second, 10*time.Millisecond)

	resp := postJSON(t, srv.URL+"/emit", map[string]interface{}{
		"event":      "memory.stored",
		"collection": "agent.memory.note",
		"agent_did":  "did:cf:alice",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var emitResult struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&emitResult))
	assert.Equal(t, 2, emitResult.Delivered, "wildcard and note-only match; bob-only does not")

	readLine := func(conn *websocket.Conn) map[string]interface{} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &out))
		return out
	}
	assert.Equal(t, "memory.stored", readLine(all)["event"])
	assert.Equal(t, "memory.stored", readLine(noteOnly)["event"])

	bobOnly.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := bobOnly.ReadMessage()
	assert.Error(t, err, "filtered subscriber receives nothing")
}

type fakeInbox struct {
	records []memory.Record
}

func (f *fakeInbox) DeliverInbox(record memory.Record) error {
	f.records = append(f.records, record)
	return nil
}

func TestDirectedMessageDelivery(t *testing.T) {
	inbox := &fakeInbox{}
	_, srv := newTestRelay(func(did string) (Deliverer, bool) {
		if did == "did:cf:bob" {
			return inbox, true
		}
		return nil, false
	})
	defer srv.Close()

	msg := map[string]interface{}{
		"$type":     "agent.comms.message",
		"sender":    "did:cf:alice",
		"recipient": "did:cf:bob",
		"content":   map[string]interface{}{"kind": "text", "text": "hello"},
		"createdAt": "2026-02-07T00:00:00.000Z",
	}
	resp := postJSON(t, srv.URL+"/relay/message", msg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, inbox.records, 1)
	assert.Equal(t, "did:cf:alice", inbox.records[0]["sender"])

	// Unknown recipient.
	msg["recipient"] = "did:cf:ghost"
	resp = postJSON(t, srv.URL+"/relay/message", msg)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Invalid record surfaces the issue list.
	resp = postJSON(t, srv.URL+"/relay/message", map[string]interface{}{
		"$type":     "agent.comms.message",
		"recipient": "did:cf:bob",
		"createdAt": "2026-02-07T00:00:00.000Z",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody struct {
		Error  string                   `json:"error"`
		Issues []map[string]interface{} `json:"issues"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "Invalid record", errBody.Error)
	assert.NotEmpty(t, errBody.Issues)

	// Wrong type is rejected.
	resp = postJSON(t, srv.URL+"/relay/message", map[string]interface{}{
		"$type":     "agent.memory.note",
		"summary":   "hi",
		"createdAt": "2026-02-07T00:00:00.000Z",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmitterPumpBroadcasts(t *testing.T) {
	emitter := events.NewEmitter()
	rl := New(emitter, nil)
	r := mux.NewRouter()
	rl.Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.Start(ctx)

	conn := dialFirehose(t, srv, "")
	require.Eventually(t, func() bool { return rl.Hub().SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	emitter.Emit(events.NewTraceID(), "cycle.end", "did:cf:alice", "", nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "cycle.end")
}
