// Package telemetry reports notable stream and arbitration events.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/rs/zerolog"
)

// EventKind names a telemetry event.
type EventKind string

const (
	EventStandbyExited    EventKind = "standby_exited"
	EventStandbyEntered   EventKind = "standby_entered"
	EventUnderrun         EventKind = "underrun"
	EventFocusDenied      EventKind = "focus_denied"
	EventSessionIDWrapped EventKind = "session_id_wrapped"
	EventProcessReleased  EventKind = "process_released"
)

// Event is one telemetry record.
type Event struct {
	Kind      EventKind         `json:"kind"`
	SessionID uint32            `json:"session_id,omitempty"`
	Time      time.Time         `json:"time"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, sessionID uint32) Event {
	return Event{Kind: kind, SessionID: sessionID, Time: time.Now()}
}

// With returns a copy of e with an extra field.
func (e Event) With(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Reporter consumes telemetry events. Report must not block the caller for
// long; it is called from lifecycle paths.
type Reporter interface {
	Report(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Report(Event) {}

// LogReporter writes events to a logger.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: *logging.GetSubsystemLogger(logging.ComponentTelemetry)}
}

func (r *LogReporter) Report(ev Event) {
	e := r.logger.Info().Str("kind", string(ev.Kind)).Uint32("session_id", ev.SessionID)
	for k, v := range ev.Fields {
		e = e.Str(k, v)
	}
	e.Msg("telemetry event")
}

// Publisher is the subset of a NATS connection the reporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSReporter publishes events as JSON on <subject>.<kind>.
type NATSReporter struct {
	conn    Publisher
	subject string
	logger  zerolog.Logger
}

// NewNATSReporter connects to url. The connection retries in the background
// if the server goes away.
func NewNATSReporter(url, subject string) (*NATSReporter, error) {
	nc, err := nats.Connect(url,
		nats.Name("audioserver"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSReporterWithConnection(nc, subject), nil
}

// NewNATSReporterWithConnection wraps an existing connection.
func NewNATSReporterWithConnection(conn Publisher, subject string) *NATSReporter {
	return &NATSReporter{
		conn:    conn,
		subject: subject,
		logger:  *logging.GetSubsystemLogger(logging.ComponentTelemetry),
	}
}

func (r *NATSReporter) Report(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to encode telemetry event")
		return
	}
	if err := r.conn.Publish(r.subject+"."+string(ev.Kind), data); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to publish telemetry event")
	}
}

func (r *NATSReporter) Close() {
	r.conn.Close()
}

// Multi fans an event out to several reporters.
type Multi struct {
	mu        sync.RWMutex
	reporters []Reporter
}

func NewMulti(reporters ...Reporter) *Multi {
	return &Multi{reporters: reporters}
}

func (m *Multi) Add(r Reporter) {
	m.mu.Lock()
	m.reporters = append(m.reporters, r)
	m.mu.Unlock()
}

func (m *Multi) Report(ev Event) {
	m.mu.RLock()
	reporters := m.reporters
	m.mu.RUnlock()
	for _, r := range reporters {
		r.Report(ev)
	}
}
