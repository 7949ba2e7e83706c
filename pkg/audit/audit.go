// Package audit keeps a bounded in-memory trail of security relevant portal
// events and mirrors each one to the structured log.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// Action types for audit events
type Action string

const (
	ActionLogin       Action = "login"
	ActionWorkflow    Action = "workflow"
	ActionRateLimited Action = "rate_limited"
	ActionAuditRead   Action = "audit_read"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Event represents a single audit log entry
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	RequestID  string            `json:"requestId,omitempty"`
	Username   string            `json:"username,omitempty"`
	Action     Action            `json:"action"`
	Route      string            `json:"route,omitempty"`
	Status     Status            `json:"status"`
	HTTPStatus int               `json:"httpStatus,omitempty"`
	Message    string            `json:"message,omitempty"`
	IPAddress  string            `json:"ipAddress,omitempty"`
	UserAgent  string            `json:"userAgent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// String returns a human-readable representation of an event
func (e *Event) String() string {
	user := e.Username
	if user == "" {
		user = "-"
	}
	return fmt.Sprintf("[%s] %s %s %s (ip: %s)",
		e.Timestamp.Format(time.RFC3339), user, e.Action, e.Status, e.IPAddress)
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Username string
	Action   Action
	Status   Status
	Since    time.Time
	Until    time.Time
}

func (f *Filter) match(e *Event) bool {
	if f == nil {
		return true
	}
	switch {
	case f.Username != "" && e.Username != f.Username:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Recorder accepts audit events.
type Recorder interface {
	Record(event *Event)
}

// Trail is a fixed-size ring of events. The oldest event is overwritten
// once the ring is full.
type Trail struct {
	mu     sync.RWMutex
	events []*Event
	index  int
	count  int
	total  int64

	logger logging.Logger
	now    func() time.Time
}

var _ Recorder = (*Trail)(nil)

// NewTrail creates a trail holding up to size events. Each recorded event is
// also logged at info on logger.
func NewTrail(size int, logger logging.Logger) *Trail {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Trail{
		events: make([]*Event, size),
		logger: logger.With(logging.Component("audit")),
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source.
func (t *Trail) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record stores event, filling ID and Timestamp when unset.
func (t *Trail) Record(event *Event) {
	if event == nil {
		return
	}

	t.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	t.events[t.index] = event
	t.index = (t.index + 1) % len(t.events)
	if t.count < len(t.events) {
		t.count++
	}
	t.total++
	t.mu.Unlock()

	t.logger.Info("audit event",
		logging.String("event_id", event.ID),
		logging.RequestID(event.RequestID),
		logging.String("username", event.Username),
		logging.String("action", string(event.Action)),
		logging.String("status", string(event.Status)),
		logging.Route(event.Route),
		logging.RemoteAddr(event.IPAddress))
}

// Events returns matching events oldest first. limit > 0 keeps only the
// newest limit matches.
func (t *Trail) Events(filter *Filter, limit int) []*Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := len(t.events)
	out := make([]*Event, 0, t.count)
	for i := 0; i < t.count; i++ {
		e := t.events[(t.index-t.count+i+size)%size]
		if e != nil && filter.match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of events currently held.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Total returns how many events were ever recorded, including overwritten ones.
func (t *Trail) Total() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Clear removes all events from the trail
func (t *Trail) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = make([]*Event, len(t.events))
	t.index = 0
	t.count = 0
}
