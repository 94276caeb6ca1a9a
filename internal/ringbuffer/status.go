package ringbuffer

import "sync/atomic"

// StreamStatus is the lifecycle status of a stream. It lives in the shared
// buffer header so both the client and the server observe it.
type StreamStatus uint32

const (
	StreamIdle StreamStatus = iota
	StreamStarting
	StreamStarted
	StreamPausing
	StreamPaused
	StreamStopping
	StreamStopped
	StreamStandBy
	StreamReleased
)

var streamStatusNames = [...]string{
	StreamIdle:     "IDLE",
	StreamStarting: "STARTING",
	StreamStarted:  "STARTED",
	StreamPausing:  "PAUSING",
	StreamPaused:   "PAUSED",
	StreamStopping: "STOPPING",
	StreamStopped:  "STOPPED",
	StreamStandBy:  "STAND_BY",
	StreamReleased: "RELEASED",
}

func (s StreamStatus) String() string {
	if int(s) < len(streamStatusNames) {
		return streamStatusNames[s]
	}
	return "INVALID"
}

// Valid reports whether s is a known status value.
func (s StreamStatus) Valid() bool {
	return int(s) < len(streamStatusNames)
}

// StatusWord is an atomic view of a stream status stored in shared memory.
type StatusWord struct {
	p *uint32
}

func (w StatusWord) Load() StreamStatus {
	return StreamStatus(atomic.LoadUint32(w.p))
}

func (w StatusWord) Store(s StreamStatus) {
	atomic.StoreUint32(w.p, uint32(s))
}

func (w StatusWord) CompareAndSwap(old, new StreamStatus) bool {
	return atomic.CompareAndSwapUint32(w.p, uint32(old), uint32(new))
}
