// Package relay is the fanout and directory actor: agent registration,
// the public-key directory, filtered firehose WebSocket subscriptions,
// and directed inbox delivery.
package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

// Filter is a per-subscription event filter. "*" entries and empty
// lists are wildcards; otherwise both dimensions must match exactly.
type Filter struct {
	Collections []string `json:"collections"`
	DIDs        []string `json:"dids"`
}

// ParseFilter reads a filter from firehose query parameters
// (?collections=a,b&dids=x,y).
func ParseFilter(r *http.Request) Filter {
	split := func(raw string) []string {
		if raw == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return Filter{
		Collections: split(r.URL.Query().Get("collections")),
		DIDs:        split(r.URL.Query().Get("dids")),
	}
}

func matchDimension(entries []string, value string) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if e == "*" || e == value {
			return true
		}
	}
	return false
}

// Match reports whether an event passes the filter.
func (f Filter) Match(event *events.Event) bool {
	return matchDimension(f.Collections, event.Collection) &&
		matchDimension(f.DIDs, event.AgentDID)
}

// subscriber is one firehose socket. The filter is stored as the
// socket's attachment so it survives for the connection's lifetime; all
// writes go through Send via writePump.
type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	filter Filter
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// Hub owns the subscriber set and fans events out best-effort.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// SubscriberCount reports active firehose connections.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers an event to every matching subscriber. Slow
// subscribers are dropped rather than blocking the relay. Returns the
// delivery count.
func (h *Hub) Broadcast(event *events.Event) int {
	line := event.Line()
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if !s.filter.Match(event) {
			metrics.RelayDeliveries.WithLabelValues("filtered").Inc()
			continue
		}
		select {
		case s.send <- line:
			delivered++
			metrics.RelayDeliveries.WithLabelValues("delivered").Inc()
		default:
			metrics.RelayDeliveries.WithLabelValues("dropped").Inc()
			s.close()
		}
	}
	return delivered
}

// HandleFirehose upgrades the request and attaches the query-string
// filter to the new subscription.
func (h *Hub) HandleFirehose(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("firehose upgrade failed", "error", err)
		return
	}
	s := &subscriber{
		hub:    h,
		conn:   conn,
		filter: ParseFilter(r),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	slog.Info("firehose subscriber connected",
		"collections", s.filter.Collections, "dids", s.filter.DIDs)
	go s.writePump()
	go s.readPump()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.conn.Close()
	})
}

// writePump is the only goroutine writing to the connection.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case line := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
			// Flush queued lines while we hold the write slot.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump drains the connection for pongs and close frames.
// Subscribers do not send payloads upstream.
func (s *subscriber) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
