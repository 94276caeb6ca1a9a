package service

import (
	"errors"
	"sync"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/endpoint"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
)

var _ stream.Server = (*Session)(nil)

// Session is one stream served by the AudioService. It is the control surface
// a client drives: focus is requested before the process starts and given
// back when the app pauses or stops.
type Session struct {
	svc       *AudioService
	proc      *stream.ProcessInServer
	ep        *endpoint.Endpoint
	ai        interrupt.AudioInterrupt
	pipe      audiotype.PipeType
	observer  *stateListener
	createdAt time.Time

	// mu orders app requests against policy enforcement from interrupt events.
	mu       sync.Mutex
	callback interrupt.Callback
}

func (s *Session) SessionID() uint32                   { return s.proc.SessionID() }
func (s *Session) Process() *stream.ProcessInServer    { return s.proc }
func (s *Session) Endpoint() *endpoint.Endpoint        { return s.ep }
func (s *Session) Interrupt() interrupt.AudioInterrupt { return s.ai }
func (s *Session) Pid() int32                          { return s.ai.Pid }

// SetInterruptCallback registers the app's interrupt callback. Policy forced
// pauses and stops are already applied when it runs.
func (s *Session) SetInterruptCallback(cb interrupt.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// NewClient attaches an in-process client to the session's buffer.
func (s *Session) NewClient() (*stream.ProcessClient, error) {
	return stream.NewProcessClient(s, s.proc.Buffer(), s.proc.Config().Mode,
		stream.ClientOptions{WaitTimeout: s.svc.cfg.FutexWaitTimeout})
}

// Start acquires focus and starts the process. A denied request leaves the
// process untouched and returns interrupt.ErrFocusDenied.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateAnd(s.proc.Start)
}

// Pause is an app pause; it gives focus back.
func (s *Session) Pause(isFlush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.proc.Pause(isFlush); err != nil {
		return err
	}
	s.deactivate()
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateAnd(s.proc.Resume)
}

// activateAnd requests focus and runs op. When op fails, focus granted by
// this call is given back; focus the session already held is kept.
func (s *Session) activateAnd(op func() error) error {
	_, _, held := s.svc.arbiter.SessionState(s.SessionID())
	if err := s.svc.policy.ActivateAudioInterrupt(s.ai); err != nil {
		return err
	}
	if err := op(); err != nil {
		if !held {
			s.deactivate()
		}
		return err
	}
	s.holdIfSilenced()
	return nil
}

func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.proc.Stop(); err != nil {
		return err
	}
	s.deactivate()
	return nil
}

// Release frees the process; the service's release callback tears down the
// session.
func (s *Session) Release(destroyAtOnce bool) error {
	return s.proc.Release(destroyAtOnce)
}

func (s *Session) deactivate() {
	if err := s.svc.policy.DeactivateAudioInterrupt(s.ai); err != nil {
		s.proc.Logger().Warn().Err(err).Msg("deactivate audio interrupt failed")
	}
}

// holdIfSilenced pauses a process the arbiter left paused or pending. The
// caller holds mu.
func (s *Session) holdIfSilenced() {
	state, _, ok := s.svc.arbiter.SessionState(s.SessionID())
	if !ok || (state != interrupt.StatePaused && state != interrupt.StatePending) {
		return
	}
	s.requestPause()
}

func (s *Session) requestPause() {
	if s.proc.Status() == stream.StatusPaused {
		return
	}
	if err := s.proc.RequestPause(); err != nil && !errors.Is(err, stream.ErrIllegalState) {
		s.proc.Logger().Warn().Err(err).Msg("policy pause failed")
	}
}

// OnInterrupt applies FORCE pauses and stops to the process, then forwards
// the event to the app. Stale pause events are ignored once the arbiter has
// moved the session on.
func (s *Session) OnInterrupt(ev interrupt.InterruptEvent) {
	s.mu.Lock()
	if ev.Type == interrupt.EventBegin && ev.ForceType == interrupt.ForceForce {
		switch ev.Hint {
		case interrupt.HintPause:
			s.holdIfSilenced()
		case interrupt.HintStop:
			if err := s.proc.RequestStop(); err != nil && !errors.Is(err, stream.ErrIllegalState) {
				s.proc.Logger().Warn().Err(err).Msg("policy stop failed")
			}
		}
	}
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb.OnInterrupt(ev)
	}
}
