// Package events is the observability emitter: structured single-line
// JSON events with trace/span ids, fanned out best-effort to in-process
// subscribers (which back the WebSocket broadcast) and shipped to
// optional durable sinks.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the canonical observability envelope. Collection and AgentDID
// double as the relay's subscription filter fields.
type Event struct {
	Time       time.Time              `json:"time"`
	Event      string                 `json:"event"`
	AgentDID   string                 `json:"agent_did,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Line renders the event as a single JSON line for the firehose.
func (e *Event) Line() []byte {
	buf, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"event":"marshal_error"}`)
	}
	return buf
}

// Sink receives every emitted event for durable shipping. Shipping runs
// on the emitter's own worker, never on the emitting actor; errors are
// logged and dropped.
type Sink interface {
	Ship(ctx context.Context, event *Event) error
}

// shipTimeout bounds one sink delivery.
const shipTimeout = 2 * time.Second

// Emitter fans events out to subscribers and sinks.
type Emitter struct {
	mu         sync.RWMutex
	subs       []chan *Event
	sinks      []Sink
	logger     *log.Logger
	bufferSize int

	sinkQueue chan *Event
	closeOnce sync.Once
	done      chan struct{}
}

// NewEmitter creates an emitter with the default subscriber buffer and
// starts the sink worker.
func NewEmitter() *Emitter {
	e := &Emitter{
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
		sinkQueue:  make(chan *Event, 256),
		done:       make(chan struct{}),
	}
	go e.shipLoop()
	return e
}

// AddSink registers a durable sink.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Subscribe returns a channel receiving all events. Full channels are
// skipped, never blocking the emitter.
func (e *Emitter) Subscribe() chan *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan *Event, e.bufferSize)
	e.subs = append(e.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel. The close
// happens under the write lock, so it cannot interleave with an
// in-flight Publish fanout.
func (e *Emitter) Unsubscribe(ch chan *Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	filtered := e.subs[:0]
	for _, s := range e.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	e.subs = filtered
	close(ch)
}

// Emit builds and publishes an event. A fresh span id is assigned; the
// trace id groups every event of one cycle.
func (e *Emitter) Emit(traceID, name, agentDID, collection string, data map[string]interface{}) *Event {
	event := &Event{
		Time:       time.Now().UTC(),
		Event:      name,
		AgentDID:   agentDID,
		Collection: collection,
		TraceID:    traceID,
		SpanID:     uuid.NewString(),
		Data:       data,
	}
	e.Publish(event)
	return event
}

// Publish delivers an already-built event. The read lock is held across
// the subscriber sends: Unsubscribe closes channels under the write
// lock, so no channel can be closed mid-fanout. Sends never block, so
// holding the lock is cheap.
func (e *Emitter) Publish(event *Event) {
	e.mu.RLock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than block the actor.
		}
	}
	e.mu.RUnlock()

	select {
	case e.sinkQueue <- event:
	case <-e.done:
	default:
		e.logger.Printf("sink queue full, dropping %s", event.Event)
	}
}

// shipLoop drains the sink queue on its own goroutine so a slow sink
// never stalls the emitting actor.
func (e *Emitter) shipLoop() {
	for {
		select {
		case event := <-e.sinkQueue:
			e.ship(event)
		case <-e.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case event := <-e.sinkQueue:
					e.ship(event)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) ship(event *Event) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		if err := s.Ship(ctx, event); err != nil {
			e.logger.Printf("sink ship failed: %v", err)
		}
		cancel()
	}
}

// Close stops the sink worker after draining queued events. Subscribers
// are unaffected.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// NewTraceID returns an id grouping the events of one cycle.
func NewTraceID() string { return uuid.NewString() }
