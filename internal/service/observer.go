package service

import (
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
)

// StreamState is the coarse lifecycle published to observers.
type StreamState string

const (
	StateCreated  StreamState = "created"
	StateRunning  StreamState = "running"
	StatePaused   StreamState = "paused"
	StateStopped  StreamState = "stopped"
	StateReleased StreamState = "released"
)

// StreamStateEvent describes one lifecycle change of a session.
type StreamStateEvent struct {
	SessionID uint32      `json:"session_id"`
	Pid       int32       `json:"pid"`
	Mode      string      `json:"mode"`
	State     StreamState `json:"state"`
	Endpoint  string      `json:"endpoint,omitempty"`
	Time      time.Time   `json:"time"`
}

// StateObserver receives stream lifecycle changes. Calls come from the
// goroutine driving the stream and must not block.
type StateObserver interface {
	OnStreamState(ev StreamStateEvent)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(ev StreamStateEvent)

func (f StateObserverFunc) OnStreamState(ev StreamStateEvent) { f(ev) }

type nopObserver struct{}

func (nopObserver) OnStreamState(StreamStateEvent) {}

func (s *Session) stateEvent(state StreamState) StreamStateEvent {
	ev := StreamStateEvent{
		SessionID: s.SessionID(),
		Pid:       s.Pid(),
		Mode:      s.proc.Config().Mode.String(),
		State:     state,
		Time:      time.Now(),
	}
	if s.ep != nil {
		ev.Endpoint = s.ep.Key()
	}
	return ev
}

// stateListener turns process status callbacks into observer events.
type stateListener struct {
	sess     *Session
	observer StateObserver
}

func (l *stateListener) OnStart(*stream.ProcessInServer) error {
	l.observer.OnStreamState(l.sess.stateEvent(StateRunning))
	return nil
}

// OnPause is called for pauses and stops alike; the process status still
// holds the transitional state.
func (l *stateListener) OnPause(p *stream.ProcessInServer) error {
	state := StatePaused
	if p.Status() == stream.StatusStopping {
		state = StateStopped
	}
	l.observer.OnStreamState(l.sess.stateEvent(state))
	return nil
}

func (l *stateListener) OnUpdateHandleInfo(*stream.ProcessInServer) error { return nil }
