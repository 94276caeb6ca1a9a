package ringbuffer

import (
	"sync"
	"time"
)

// reasonableBound is how far a new anchor may drift from the predicted time
// and still be accepted.
const reasonableBound = int64(10 * time.Millisecond)

// LinearPosTimeModel derives the wall clock time of any frame from one
// (frame, nanotime) anchor and the sample rate.
type LinearPosTimeModel struct {
	mu            sync.Mutex
	sampleRate    int64
	stampFrame    uint64
	stampNanoTime int64
}

// ConfigSampleRate sets the rate once. Later calls are rejected.
func (m *LinearPosTimeModel) ConfigSampleRate(rate int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampleRate != 0 || rate <= 0 {
		return false
	}
	m.sampleRate = int64(rate)
	return true
}

// ResetFrameStamp replaces the anchor unconditionally.
func (m *LinearPosTimeModel) ResetFrameStamp(frame uint64, nanoTime int64) {
	m.mu.Lock()
	m.stampFrame = frame
	m.stampNanoTime = nanoTime
	m.mu.Unlock()
}

// IsReasonable reports whether (frame, nanoTime) lies within the tolerance
// of the time the current anchor predicts for frame.
func (m *LinearPosTimeModel) IsReasonable(frame uint64, nanoTime int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isReasonableLocked(frame, nanoTime)
}

func (m *LinearPosTimeModel) isReasonableLocked(frame uint64, nanoTime int64) bool {
	if m.sampleRate == 0 {
		return false
	}
	if frame == m.stampFrame && nanoTime == m.stampNanoTime {
		return true
	}
	diff := m.timeOfPosLocked(frame) - nanoTime
	if diff < 0 {
		diff = -diff
	}
	return diff < reasonableBound
}

// UpdateFrameStamp moves the anchor if the new pair is reasonable and
// reports whether it did.
func (m *LinearPosTimeModel) UpdateFrameStamp(frame uint64, nanoTime int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isReasonableLocked(frame, nanoTime) {
		return false
	}
	m.stampFrame = frame
	m.stampNanoTime = nanoTime
	return true
}

// GetFrameStamp returns the anchor.
func (m *LinearPosTimeModel) GetFrameStamp() (uint64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stampFrame, m.stampNanoTime
}

// GetTimeOfPos returns the predicted nanotime of frame pos.
func (m *LinearPosTimeModel) GetTimeOfPos(pos uint64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeOfPosLocked(pos)
}

func (m *LinearPosTimeModel) timeOfPosLocked(pos uint64) int64 {
	if m.sampleRate == 0 {
		return m.stampNanoTime
	}
	if pos >= m.stampFrame {
		delta := int64(pos - m.stampFrame)
		return m.stampNanoTime + delta*int64(time.Second)/m.sampleRate
	}
	delta := int64(m.stampFrame - pos)
	return m.stampNanoTime - delta*int64(time.Second)/m.sampleRate
}
