package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"coldcaller-telephony/internal/events"
)

// Recorder copies bus notifications into the audit trail. Bus handlers run on
// the publisher's goroutine, so events are queued and written by a single
// worker; when the queue is full the event is dropped and logged.
type Recorder struct {
	svc  *Service
	log  *slog.Logger
	skip map[events.Type]struct{}

	queue chan events.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	unsub  func()
}

// High-frequency notifications that are not worth persisting.
var defaultSkip = []events.Type{events.TimerUpdate, events.QualityUpdate, events.MonitoringUpdate}

func NewRecorder(svc *Service, log *slog.Logger, queueSize int) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	skip := make(map[events.Type]struct{}, len(defaultSkip))
	for _, t := range defaultSkip {
		skip[t] = struct{}{}
	}
	r := &Recorder{
		svc:   svc,
		log:   log.With("component", "audit"),
		skip:  skip,
		queue: make(chan events.Event, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Attach subscribes the recorder to every notification on bus.
func (r *Recorder) Attach(bus *events.Bus) {
	unsub := bus.SubscribeAll(r.Handle)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

// Handle enqueues e without blocking.
func (r *Recorder) Handle(e events.Event) {
	if _, ok := r.skip[e.Type]; ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("audit queue full, dropping event", "type", e.Type, "source", e.Source)
	}
}

// Close unsubscribes, drains the queue and waits for the worker.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	close(r.queue)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.svc.Append(ctx, fromNotification(e)); err != nil {
			r.log.Error("audit append failed", "type", e.Type, "source", e.Source, "err", err)
		}
		cancel()
	}
}

func fromNotification(e events.Event) Event {
	out := Event{
		Type:      classify(e.Type),
		Action:    string(e.Type),
		CreatedAt: e.Timestamp,
	}
	if out.Type == EventTypeCall {
		out.SessionID = e.Source
	} else {
		out.ConfigID = e.Source
	}
	if reason, ok := e.Payload["reason"].(string); ok {
		out.Message = reason
	} else if msg, ok := e.Payload["message"].(string); ok {
		out.Message = msg
	}
	if len(e.Payload) > 0 {
		if b, err := json.Marshal(e.Payload); err == nil {
			out.Metadata = string(b)
		}
	}
	return out
}

func classify(t events.Type) EventType {
	switch t {
	case events.ConfigurationCreated, events.ConfigurationUpdated, events.ConfigurationDeleted,
		events.ActiveConfigurationChanged, events.ConnectionTest:
		return EventTypeConfiguration
	case events.MonitoringStarted, events.MonitoringStopped, events.MonitoringUpdate,
		events.ConnectionFailure, events.RecoveryAttempt, events.RecoverySuccessful, events.RecoveryFailed:
		return EventTypeMonitoring
	default:
		return EventTypeCall
	}
}
