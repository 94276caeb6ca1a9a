package endpoint

import (
	"sort"
	"sync"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
)

// SinkFactory opens the sink for an output device.
type SinkFactory func(device audiotype.DeviceInfo) (Sink, error)

// SourceFactory opens the source for an input device.
type SourceFactory func(device audiotype.DeviceInfo) (Source, error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Template is copied for every endpoint; Device, Sink and Source are
	// filled in per endpoint.
	Template Options
	// KeepWarmTimeout is how long an unused endpoint stays open after a
	// non-immediate release.
	KeepWarmTimeout time.Duration
	SinkFactory     SinkFactory
	SourceFactory   SourceFactory
}

type poolEntry struct {
	ep   *Endpoint
	refs int
	// gen invalidates pending keep-warm timers on reuse
	gen   uint64
	timer *time.Timer
}

// Pool shares endpoints between processes on the same device and keeps
// recently released endpoints warm so rapid stream churn does not reopen
// the device.
type Pool struct {
	opts PoolOptions

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	logger *logging.ComponentLogger
}

func NewPool(opts PoolOptions) *Pool {
	return &Pool{
		opts:    opts,
		entries: make(map[string]*poolEntry),
		logger:  logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentPool),
	}
}

// GetOrCreate returns the running endpoint for device, taking a reference.
func (p *Pool) GetOrCreate(device audiotype.DeviceInfo) (*Endpoint, error) {
	key := device.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotRunning
	}
	if e, ok := p.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			p.logger.Logger().Debug().Str("endpoint", key).Msg("reusing warm endpoint")
		}
		e.gen++
		e.refs++
		return e.ep, nil
	}

	opts := p.opts.Template
	opts.Device = device
	if device.SampleRate > 0 {
		opts.Format.SampleRate = device.SampleRate
	}
	if device.Channels > 0 {
		opts.Format.Channels = device.Channels
	}
	if device.Role == audiotype.RoleOutput && p.opts.SinkFactory != nil {
		sink, err := p.opts.SinkFactory(device)
		if err != nil {
			return nil, err
		}
		opts.Sink = sink
	}
	if device.Role == audiotype.RoleInput && p.opts.SourceFactory != nil {
		src, err := p.opts.SourceFactory(device)
		if err != nil {
			return nil, err
		}
		opts.Source = src
	}
	ep, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := ep.Start(); err != nil {
		return nil, err
	}
	p.entries[key] = &poolEntry{ep: ep, refs: 1}
	p.logger.Logger().Info().Str("endpoint", key).Msg("endpoint opened")
	return ep, nil
}

// Release drops a reference. The last release closes the endpoint at once
// when destroyAtOnce is set, otherwise after KeepWarmTimeout.
func (p *Pool) Release(ep *Endpoint, destroyAtOnce bool) {
	p.mu.Lock()
	e, ok := p.entries[ep.Key()]
	if !ok || e.ep != ep {
		p.mu.Unlock()
		return
	}
	if e.refs--; e.refs > 0 {
		p.mu.Unlock()
		return
	}
	if destroyAtOnce || p.opts.KeepWarmTimeout <= 0 {
		delete(p.entries, ep.Key())
		p.mu.Unlock()
		p.close(ep)
		return
	}
	e.gen++
	gen := e.gen
	key := ep.Key()
	e.timer = time.AfterFunc(p.opts.KeepWarmTimeout, func() { p.expire(key, gen) })
	p.mu.Unlock()
	p.logger.Logger().Debug().Str("endpoint", key).Dur("keep_warm", p.opts.KeepWarmTimeout).Msg("endpoint kept warm")
}

func (p *Pool) expire(key string, gen uint64) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.gen != gen || e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()
	p.logger.Logger().Info().Str("endpoint", key).Msg("keep-warm timeout, closing endpoint")
	p.close(e.ep)
}

func (p *Pool) close(ep *Endpoint) {
	if err := ep.Stop(); err != nil {
		p.logger.Logger().Warn().Err(err).Str("endpoint", ep.Key()).Msg("endpoint close failed")
	}
}

// Get returns the open endpoint for key, if any, without taking a reference.
func (p *Pool) Get(key string) (*Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return e.ep, true
}

// Endpoints lists open endpoints sorted by key.
func (p *Pool) Endpoints() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Endpoint, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetStreamVolume applies an interrupt gain to a linked session. It reports
// false when no endpoint has the session.
func (p *Pool) SetStreamVolume(sessionID uint32, volume float32) bool {
	for _, ep := range p.Endpoints() {
		if proc, ok := ep.Linked(sessionID); ok {
			proc.SetDuckVolume(volume)
			return true
		}
	}
	return false
}

// GetStreamVolume returns the interrupt gain of a linked session.
func (p *Pool) GetStreamVolume(sessionID uint32) (float32, bool) {
	for _, ep := range p.Endpoints() {
		if proc, ok := ep.Linked(sessionID); ok {
			return proc.DuckVolume(), true
		}
	}
	return 0, false
}

// Close stops every endpoint, warm or not.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		p.close(e.ep)
	}
}
