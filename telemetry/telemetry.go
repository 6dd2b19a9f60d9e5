// Package telemetry exports task lifecycle events and OpenTelemetry spans.
package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Event names emitted by the lifecycle controller.
const (
	EventTaskCreated   = "task.created"
	EventTaskClaimed   = "task.claimed"
	EventTaskCompleted = "task.completed"
	EventTaskDiscarded = "task.discarded"
	EventResync        = "workspace.resync"
	EventTeardown      = "workspace.teardown"
)

// Exporter is the sink for lifecycle events. LogEvent never blocks on
// the network and never fails; delivery problems surface on Flush.
type Exporter interface {
	LogEvent(name string, data map[string]interface{})
	Flush() error
	Close() error
}

// Event is one exported record.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func newEvent(name string, data map[string]interface{}) Event {
	return Event{Name: name, Timestamp: time.Now().UTC(), Data: data}
}

// NewExporter picks an exporter by protocol: "http" posts to endpoint,
// "file" appends to the file at endpoint, "noop" or "" discards.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "", "noop":
		return NewNoopExporter(), nil
	case "http":
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	}
	return nil, fmt.Errorf("event exporter %q: want http, file or noop", protocol)
}

const (
	httpBatchSize     = 100
	httpMaxBuffered   = 10 * httpBatchSize
	httpFlushInterval = 5 * time.Second
	httpTimeout       = 10 * time.Second
)

// HTTPExporter posts events to an endpoint as JSON arrays. A full batch
// or the flush interval sends what is buffered; a failed batch stays
// buffered for the next attempt, and the oldest events are dropped once
// httpMaxBuffered is reached.
type HTTPExporter struct {
	endpoint string
	client   *http.Client

	flushMu sync.Mutex // one post at a time

	mu      sync.Mutex
	pending []Event
	dropped int

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHTTPExporter starts an exporter posting to endpoint.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	e := &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: httpTimeout},
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *HTTPExporter) loop() {
	defer close(e.done)
	ticker := time.NewTicker(httpFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		_ = e.Flush()
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	e.pending = append(e.pending, newEvent(name, data))
	if over := len(e.pending) - httpMaxBuffered; over > 0 {
		e.pending = append(e.pending[:0], e.pending[over:]...)
		e.dropped += over
	}
	full := len(e.pending) >= httpBatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Flush posts everything buffered as one batch.
func (e *HTTPExporter) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	batch := append([]Event(nil), e.pending...)
	droppedBefore := e.dropped
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := e.post(batch); err != nil {
		return err
	}

	// Drops come off the front, so they ate into the batch first.
	e.mu.Lock()
	if sent := len(batch) - (e.dropped - droppedBefore); sent > 0 {
		e.pending = append(e.pending[:0], e.pending[sent:]...)
	}
	e.mu.Unlock()
	return nil
}

// Dropped counts events discarded because the endpoint fell behind.
func (e *HTTPExporter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *HTTPExporter) post(batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post events: %s", resp.Status)
	}
	return nil
}

// Close stops the background flusher and sends what is left.
func (e *HTTPExporter) Close() error {
	e.once.Do(func() { close(e.stop) })
	<-e.done
	return e.Flush()
}

// FileExporter appends one JSON event per line.
type FileExporter struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
	err error
}

// NewFileExporter opens path for appending, creating it if needed.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &FileExporter{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(newEvent(name, data)); err != nil && e.err == nil {
		e.err = err
	}
}

// Flush writes buffered lines and syncs the file. It reports the first
// encoding error seen since the last Flush.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.err
	e.err = nil
	if ferr := e.w.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if serr := e.f.Sync(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (e *FileExporter) Close() error {
	ferr := e.Flush()
	if err := e.f.Close(); err != nil {
		return err
	}
	return ferr
}

// NoopExporter discards events.
type NoopExporter struct{}

func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

func (NoopExporter) LogEvent(string, map[string]interface{}) {}
func (NoopExporter) Flush() error                            { return nil }
func (NoopExporter) Close() error                            { return nil }

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) LogEvent(name string, data map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, newEvent(name, data))
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	var names []string
	for _, ev := range r.Events() {
		names = append(names, ev.Name)
	}
	return names
}

func (r *Recorder) Flush() error { return nil }
func (r *Recorder) Close() error { return nil }
