package stream

import (
	"strconv"
	"sync"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
)

// SessionIDGenerator hands out monotonically increasing session ids and wraps
// to the first id once the maximum is passed.
type SessionIDGenerator struct {
	mu       sync.Mutex
	first    uint32
	max      uint32
	next     uint32
	reporter telemetry.Reporter
}

func NewSessionIDGenerator(first, max uint32, reporter telemetry.Reporter) *SessionIDGenerator {
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	return &SessionIDGenerator{first: first, max: max, next: first, reporter: reporter}
}

// Generate returns the next id.
func (g *SessionIDGenerator) Generate() uint32 {
	g.mu.Lock()
	if g.next > g.max || g.next < g.first {
		logging.GetSubsystemLogger(logging.ComponentProcess).Warn().
			Uint32("max", g.max).
			Uint32("first", g.first).
			Msg("session id exceeded maximum, wrapping")
		g.reporter.Report(telemetry.NewEvent(telemetry.EventSessionIDWrapped, 0).
			With("max", strconv.FormatUint(uint64(g.max), 10)))
		g.next = g.first
	}
	id := g.next
	g.next++
	g.mu.Unlock()
	return id
}
