package harness

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"
	"github.com/nasqa/dut-harness/framework/qatest"

	"github.com/launchdarkly/eventsource"
)

const feedChannel = "progress"

// Event names sent on the live feed.
const (
	EventStatus   = "status"
	EventStarted  = "started"
	EventError    = "error"
	EventFinished = "finished"
	EventSkipped  = "skipped"
	EventEnd      = "end"
)

// RunStatus is the document served at GET /status, and the first event every new feed
// subscriber receives.
type RunStatus struct {
	State     string    `json:"state"`
	StartTime time.Time `json:"startTime"`
	Current   string    `json:"current,omitempty"`
	Finished  int       `json:"finished"`
	Passed    int       `json:"passed"`
	Failed    int       `json:"failed"`
	Errored   int       `json:"errored"`
	Skipped   int       `json:"skipped"`
	Summary   string    `json:"summary,omitempty"`
}

type feedEvent struct {
	name string
	data interface{}
}

func (e feedEvent) Event() string { return e.name }
func (e feedEvent) Id() string    { return "" } //nolint:stylecheck
func (e feedEvent) Data() string {
	bytes, _ := json.Marshal(e.data)
	return string(bytes)
}

// LiveFeed publishes test progress as server-sent events and keeps the counters behind
// GET /status. It implements qatest.TestLogger.
type LiveFeed struct {
	streams *eventsource.Server
	logger  framework.Logger
	status  RunStatus
	closed  bool
	lock    sync.Mutex
}

// NewLiveFeed creates a feed. Events are published to subscribers of the handler returned by
// streamHandler; Harness wires that to GET /events.
func NewLiveFeed(debugLogger framework.Logger) *LiveFeed {
	if debugLogger == nil {
		debugLogger = framework.NullLogger()
	}
	streams := eventsource.NewServer()
	streams.ReplayAll = true
	streams.Logger = debugLogger

	f := &LiveFeed{
		streams: streams,
		logger:  debugLogger,
		status:  RunStatus{State: "running", StartTime: time.Now()},
	}
	streams.Register(feedChannel, f)
	return f
}

// Status returns a copy of the current counters.
func (f *LiveFeed) Status() RunStatus {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.status
}

// Replay is called by the event server for each new subscriber, so that a dashboard that
// connects in the middle of a run starts from the current counters.
func (f *LiveFeed) Replay(channel, id string) chan eventsource.Event {
	eventsCh := make(chan eventsource.Event, 1)
	eventsCh <- feedEvent{name: EventStatus, data: f.Status()}
	close(eventsCh)
	return eventsCh
}

func (f *LiveFeed) streamHandler() http.Handler {
	return f.streams.Handler(feedChannel)
}

func (f *LiveFeed) serveStatus(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(f.Status())
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (f *LiveFeed) publish(update func(*RunStatus), name string, data interface{}) {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	if update != nil {
		update(&f.status)
	}
	f.lock.Unlock()
	event := feedEvent{name: name, data: data}
	f.logger.Printf("Publishing %s event: %s", name, event.Data())
	f.streams.Publish([]string{feedChannel}, event)
}

func (f *LiveFeed) TestStarted(id qatest.TestID) {
	f.publish(func(s *RunStatus) { s.Current = id.String() },
		EventStarted, map[string]interface{}{"id": id.String()})
}

func (f *LiveFeed) TestError(id qatest.TestID, err error) {
	f.publish(nil, EventError, map[string]interface{}{"id": id.String(), "message": err.Error()})
}

func (f *LiveFeed) TestFinished(id qatest.TestID, result qatest.TestResult, _ framework.CapturedOutput) {
	data := map[string]interface{}{
		"id":         id.String(),
		"status":     result.Status,
		"durationMs": result.Duration.Milliseconds(),
	}
	if result.NonCritical {
		data["nonCritical"] = true
	}
	if result.Iteration > 0 {
		data["iteration"] = result.Iteration
	}
	if len(result.Fields) > 0 {
		data["fields"] = result.Fields
	}
	f.publish(func(s *RunStatus) {
		s.Finished++
		switch result.Status {
		case qatest.StatusPassed:
			s.Passed++
		case qatest.StatusFailed:
			s.Failed++
		case qatest.StatusErrored:
			s.Errored++
		}
	}, EventFinished, data)
}

func (f *LiveFeed) TestSkipped(id qatest.TestID, reason string) {
	f.publish(func(s *RunStatus) {
		s.Finished++
		s.Skipped++
	}, EventSkipped, map[string]interface{}{"id": id.String(), "reason": reason})
}

// EndLog marks the run finished and sends a final event with the summary.
func (f *LiveFeed) EndLog(results qatest.Results) error {
	f.publish(func(s *RunStatus) {
		s.State = "finished"
		s.Current = ""
		s.Summary = results.Summary()
	}, EventEnd, map[string]interface{}{"ok": results.OK(), "summary": results.Summary()})
	return nil
}

// Close disconnects every subscriber. Later events are dropped.
func (f *LiveFeed) Close() {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	f.closed = true
	f.lock.Unlock()
	f.streams.Close()
}
