// Package audit records one entry per completed command execution against
// a device: who ran what, on which device, whether it succeeded, and how
// long it took. It answers "what happened", where pkg/counters answers
// "how many".
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event represents one auditable command execution.
type Event struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Device     string        `json:"device"`
	Command    string        `json:"command"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	ClientIP   string        `json:"client_ip,omitempty"`
	ClientPort int32         `json:"client_port,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	ThriftUUID string        `json:"thrift_uuid,omitempty"`
}

// Outcome narrows a Filter to successes or failures.
type Outcome int

const (
	OutcomeAny Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// Filter selects events out of a trail. Zero-valued fields match
// everything; Limit keeps only the most recent N matches.
type Filter struct {
	Device     string
	SessionID  string
	ThriftUUID string
	Since      time.Time
	Until      time.Time
	Outcome    Outcome
	Limit      int
}

// Match reports whether ev satisfies every set field of f.
func (f Filter) Match(ev *Event) bool {
	if f.Device != "" && ev.Device != f.Device {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.ThriftUUID != "" && ev.ThriftUUID != f.ThriftUUID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	switch f.Outcome {
	case OutcomeSuccess:
		return ev.Success
	case OutcomeFailure:
		return !ev.Success
	}
	return true
}

// NewEvent creates a new audit event for a command about to run against device.
func NewEvent(device, command string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Device:    device,
		Command:   command,
	}
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithClient sets the caller's client IP/port.
func (e *Event) WithClient(ip string, port int32) *Event {
	e.ClientIP = ip
	e.ClientPort = port
	return e
}

// WithSession sets the session-id this command ran on, if any.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithThriftUUID records the caller-supplied (or dispatcher-generated) call id.
func (e *Event) WithThriftUUID(id string) *Event {
	e.ThriftUUID = id
	return e
}
