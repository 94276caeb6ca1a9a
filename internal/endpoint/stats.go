package endpoint

import (
	"sync/atomic"
	"time"
)

// Stats counts what an endpoint's drain loop did. Atomic fields first for
// 64-bit alignment on 32-bit platforms.
type Stats struct {
	Cycles         int64 `json:"cycles"`
	FramesMixed    int64 `json:"frames_mixed"`
	SpansConsumed  int64 `json:"spans_consumed"`
	Underruns      int64 `json:"underruns"`
	Overruns       int64 `json:"overruns"`
	ChecksumErrors int64 `json:"checksum_errors"`
	SlowCycles     int64 `json:"slow_cycles"`

	LastCycle      time.Time     `json:"last_cycle"`
	AverageCycle   time.Duration `json:"average_cycle"`
	MaxCycle       time.Duration `json:"max_cycle"`
	LinkedSessions int           `json:"linked_sessions"`
}

type stats struct {
	cycles         int64
	framesMixed    int64
	spansConsumed  int64
	underruns      int64
	overruns       int64
	checksumErrors int64
	slowCycles     int64

	lastCycle    int64
	averageCycle int64
	maxCycle     int64
}

func (s *stats) recordCycle(took time.Duration, frames int) {
	atomic.AddInt64(&s.cycles, 1)
	atomic.AddInt64(&s.framesMixed, int64(frames))
	atomic.StoreInt64(&s.lastCycle, time.Now().UnixNano())

	nanos := took.Nanoseconds()
	for {
		old := atomic.LoadInt64(&s.maxCycle)
		if nanos <= old || atomic.CompareAndSwapInt64(&s.maxCycle, old, nanos) {
			break
		}
	}
	// exponential moving average, 7/8 weight on history
	old := atomic.LoadInt64(&s.averageCycle)
	atomic.StoreInt64(&s.averageCycle, (old*7+nanos)/8)
}

func (s *stats) snapshot() Stats {
	out := Stats{
		Cycles:         atomic.LoadInt64(&s.cycles),
		FramesMixed:    atomic.LoadInt64(&s.framesMixed),
		SpansConsumed:  atomic.LoadInt64(&s.spansConsumed),
		Underruns:      atomic.LoadInt64(&s.underruns),
		Overruns:       atomic.LoadInt64(&s.overruns),
		ChecksumErrors: atomic.LoadInt64(&s.checksumErrors),
		SlowCycles:     atomic.LoadInt64(&s.slowCycles),
		AverageCycle:   time.Duration(atomic.LoadInt64(&s.averageCycle)),
		MaxCycle:       time.Duration(atomic.LoadInt64(&s.maxCycle)),
	}
	if last := atomic.LoadInt64(&s.lastCycle); last != 0 {
		out.LastCycle = time.Unix(0, last)
	}
	return out
}
