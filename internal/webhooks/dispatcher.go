// Package webhooks posts agent lifecycle events to per-agent webhook
// URLs. Delivery is asynchronous through a bounded worker pool with a
// small retry budget; a slow or dead endpoint never blocks a cycle.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/backend/internal/events"
)

// URLResolver maps an agent DID to its configured webhookUrl, empty when
// none is set.
type URLResolver func(did string) string

// Dispatcher ships emitter events to webhook endpoints.
type Dispatcher struct {
	resolve    URLResolver
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	url     string
	event   *events.Event
	attempt int
}

// NewDispatcher starts a dispatcher with the given worker count.
func NewDispatcher(resolve URLResolver, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		resolve:    resolve,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Ship implements events.Sink. URL resolution is deferred to the worker
// so the emitting actor is never blocked behind its own lock.
func (d *Dispatcher) Ship(ctx context.Context, event *events.Event) error {
	if event.AgentDID == "" {
		return nil
	}
	select {
	case d.queue <- &deliveryJob{event: event, attempt: 1}:
	default:
		d.logger.Printf("queue full, dropping %s for %s", event.Event, event.AgentDID)
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	if job.url == "" {
		job.url = d.resolve(job.event.AgentDID)
		if job.url == "" {
			return
		}
	}
	payload, err := json.Marshal(job.event)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, job.url, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("bad webhook url %s: %v", job.url, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mesh-Event", job.event.Event)
	req.Header.Set("X-Mesh-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s: %v", job.url, err)
		d.retry(job)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		d.logger.Printf("webhook returned %d: %s", resp.StatusCode, job.url)
		d.retry(job)
	}
}

// retry requeues with quadratic backoff, up to 3 attempts.
func (d *Dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
