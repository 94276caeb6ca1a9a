// Package sched raises the scheduling priority of audio threads and keeps
// track of which session registered which thread.
package sched

import (
	"sync"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/rs/zerolog"
)

// Scheduling policies as understood by sched_setscheduler(2).
const (
	PolicyNormal = 0
	PolicyFIFO   = 1
	PolicyRR     = 2
)

const (
	minNice = -20
	maxNice = 19
)

// Scheduler applies thread priorities and remembers per-session registrations
// so they can be reverted when a session is released.
type Scheduler struct {
	logger     zerolog.Logger
	enabled    bool
	rtPriority int

	mu         sync.Mutex
	registered map[uint32][]int
}

// New creates a scheduler. rtPriority is the SCHED_FIFO priority given to
// registered threads; when enabled is false every call is a no-op.
func New(enabled bool, rtPriority int) *Scheduler {
	return &Scheduler{
		logger:     *logging.GetSubsystemLogger(logging.ComponentScheduler),
		enabled:    enabled,
		rtPriority: rtPriority,
		registered: make(map[uint32][]int),
	}
}

// RegisterThreadPriority raises tid to real time priority on behalf of sessionID.
func (s *Scheduler) RegisterThreadPriority(sessionID uint32, tid int) error {
	if !s.enabled {
		return nil
	}
	if err := setThreadPriority(tid, s.rtPriority, PolicyFIFO); err != nil {
		s.logger.Warn().Err(err).Int("tid", tid).Msg("failed to set real-time priority, falling back to nice")
		if nerr := setNice(tid, niceFor(s.rtPriority)); nerr != nil {
			s.logger.Warn().Err(nerr).Int("tid", tid).Msg("failed to set nice priority")
			return nerr
		}
	}
	s.mu.Lock()
	s.registered[sessionID] = append(s.registered[sessionID], tid)
	s.mu.Unlock()
	s.logger.Debug().Uint32("session_id", sessionID).Int("tid", tid).Msg("thread priority registered")
	return nil
}

// UnregisterThreadPriority reverts every thread registered by sessionID.
func (s *Scheduler) UnregisterThreadPriority(sessionID uint32) {
	s.mu.Lock()
	tids := s.registered[sessionID]
	delete(s.registered, sessionID)
	s.mu.Unlock()

	if !s.enabled {
		return
	}
	for _, tid := range tids {
		if err := setThreadPriority(tid, 0, PolicyNormal); err != nil {
			s.logger.Debug().Err(err).Int("tid", tid).Msg("failed to reset thread priority")
		}
	}
}

// Registered returns the threads registered by sessionID.
func (s *Scheduler) Registered(sessionID uint32) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.registered[sessionID]...)
}

// PromoteCurrentThread locks the calling goroutine to its OS thread and
// raises that thread. Used by endpoint drain loops.
func (s *Scheduler) PromoteCurrentThread() {
	if !s.enabled {
		return
	}
	tid := lockCurrentThread()
	if err := setThreadPriority(tid, s.rtPriority, PolicyFIFO); err != nil {
		s.logger.Debug().Err(err).Int("tid", tid).Msg("drain thread stays at normal priority")
	}
}

// niceFor converts a real time priority to a nice value (inverse relationship).
func niceFor(rtPriority int) int {
	n := (40 - rtPriority) / 4
	if n < minNice {
		n = minNice
	}
	if n > maxNice {
		n = maxNice
	}
	return n
}
