package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitFansOutToSubscribers(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	a := e.Subscribe()
	b := e.Subscribe()

	event := e.Emit(NewTraceID(), "cycle.start", "did:cf:x", "", map[string]interface{}{"mode": "think"})
	require.NotEmpty(t, event.SpanID)

	select {
	case got := <-a:
		assert.Equal(t, "cycle.start", got.Event)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the event")
	}
	select {
	case got := <-b:
		assert.Equal(t, "cycle.start", got.Event)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the event")
	}
}

func TestUnsubscribedChannelIsClosed(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	ch := e.Subscribe()
	e.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Publishing after the removal must not reach (or panic on) the
	// closed channel.
	e.Emit(NewTraceID(), "cycle.end", "", "", nil)
}

// Publishers race against subscribers that connect, fall behind, and
// disconnect, the way WebSocket clients do. A fanout send landing on a
// channel mid-close panics the process, so this must survive sustained
// churn.
func TestPublishSurvivesSubscriberChurn(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					e.Emit(NewTraceID(), "loop.error", "did:cf:churn", "", nil)
				}
			}
		}()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					ch := e.Subscribe()
					e.Unsubscribe(ch)
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}

type slowSink struct {
	delay   time.Duration
	shipped atomic.Int64
}

func (s *slowSink) Ship(ctx context.Context, event *Event) error {
	time.Sleep(s.delay)
	s.shipped.Add(1)
	return nil
}

func TestSlowSinkDoesNotBlockPublish(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	sink := &slowSink{delay: 300 * time.Millisecond}
	e.AddSink(sink)

	start := time.Now()
	e.Emit(NewTraceID(), "cycle.end", "did:cf:x", "", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"publish must return before the sink finishes")

	require.Eventually(t, func() bool { return sink.shipped.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "sink never received the event")
}

func TestSinkQueueDropsWhenFull(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	sink := &slowSink{delay: 50 * time.Millisecond}
	e.AddSink(sink)

	// Far more events than the queue holds; the surplus is dropped, and
	// publishing stays non-blocking throughout.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		e.Emit(NewTraceID(), "cycle.start", "", "", nil)
	}
	assert.Less(t, time.Since(start), time.Second)
}
