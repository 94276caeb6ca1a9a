// Package endpoint is the server side mixing and capture engine. An Endpoint
// drains the ring buffers of every linked playback process, runs each scene
// through its effect chain and writes the mix to a sink; a capture endpoint
// fans source audio out to linked capture processes.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/effect"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/futex"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
)

var (
	ErrNotRunning    = errors.New("endpoint not running")
	ErrAlreadyLinked = errors.New("process already linked")
	ErrModeMismatch  = errors.New("process mode does not match endpoint")
)

// EffectProcessor runs a scene's effect chain. *effect.Manager implements it.
type EffectProcessor interface {
	ApplyAudioEffectChain(sceneType string, attr *effect.BufferAttr) error
}

// ThreadPromoter raises the drain goroutine's OS thread.
type ThreadPromoter interface {
	PromoteCurrentThread()
}

// Options configures an Endpoint.
type Options struct {
	Device audiotype.DeviceInfo
	// Format is the working format; Sample is ignored, mixing is float32.
	Format            ringbuffer.StreamFormat
	SpanDuration      time.Duration
	WaitTimeout       time.Duration
	StandbyIdleCycles int
	Sink              Sink
	Source            Source
	Effects           EffectProcessor
	Telemetry         telemetry.Reporter
	Promoter          ThreadPromoter
	// StreamVolume, when set, scales each stream by its stream type volume.
	StreamVolume func(audiotype.StreamType) float32
}

type linked struct {
	proc       *stream.ProcessInServer
	buffer     *ringbuffer.Buffer
	converter  *ringbuffer.FormatConverter
	encoded    []byte
	scene      string
	emptyCycle int
	model      ringbuffer.LinearPosTimeModel
}

// Endpoint owns one device stream. It implements stream.StatusListener.
type Endpoint struct {
	opts       Options
	key        string
	spanFrames int

	mu      sync.Mutex
	procs   map[uint32]*linked
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// cycleMu is held for a whole drain cycle so Unlink can wait for the
	// loop to stop touching a buffer.
	cycleMu sync.Mutex
	kick    chan struct{}

	mix      []float32
	sceneIn  map[string][]float32
	sceneOut []float32
	capture  []float32
	captureF []byte

	stats  stats
	closed atomic.Bool
	logger *logging.ComponentLogger
}

// New creates a stopped endpoint.
func New(opts Options) (*Endpoint, error) {
	if opts.Format.SampleRate <= 0 || opts.Format.Channels <= 0 {
		return nil, fmt.Errorf("%w: endpoint format %+v", stream.ErrInvalidParam, opts.Format)
	}
	opts.Format.Sample = ringbuffer.SampleF32LE
	if opts.SpanDuration <= 0 {
		opts.SpanDuration = 20 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * opts.SpanDuration
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	if opts.Device.Role == audiotype.RoleOutput && opts.Sink == nil {
		opts.Sink = NewNullSink(opts.Device.Key(), false)
	}
	if opts.Device.Role == audiotype.RoleInput && opts.Source == nil {
		opts.Source = NewSilenceSource(opts.Device.Key(), true)
	}
	spanFrames := int(int64(opts.Format.SampleRate) * int64(opts.SpanDuration) / int64(time.Second))
	if spanFrames <= 0 {
		return nil, fmt.Errorf("%w: span duration %s", stream.ErrInvalidParam, opts.SpanDuration)
	}
	key := opts.Device.Key()
	ch := opts.Format.Channels
	logger := logging.NewComponentLogger(
		logging.GetDefaultLogger().With().Str("endpoint", key).Logger(),
		logging.ComponentEndpoint)
	return &Endpoint{
		opts:       opts,
		key:        key,
		spanFrames: spanFrames,
		procs:      make(map[uint32]*linked),
		kick:       make(chan struct{}, 1),
		mix:        make([]float32, spanFrames*ch),
		sceneIn:    make(map[string][]float32),
		sceneOut:   make([]float32, spanFrames*ch),
		capture:    make([]float32, spanFrames*ch),
		captureF:   make([]byte, spanFrames*ch*4),
		logger:     logger,
	}, nil
}

func (e *Endpoint) Key() string                     { return e.key }
func (e *Endpoint) Device() audiotype.DeviceInfo    { return e.opts.Device }
func (e *Endpoint) Format() ringbuffer.StreamFormat { return e.opts.Format }
func (e *Endpoint) IsPlayback() bool                { return e.opts.Device.Role == audiotype.RoleOutput }

// SpanFrames is the number of endpoint-rate frames mixed per cycle.
func (e *Endpoint) SpanFrames() int { return e.spanFrames }

// Start opens the sink or source and launches the drain loop.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.logger.LogComponentStarting()
	var err error
	if e.IsPlayback() {
		err = e.opts.Sink.Open(e.opts.Format)
	} else {
		err = e.opts.Source.Open(e.opts.Format)
	}
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", stream.ErrOperationFailed, e.key, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.closed.Store(false)
	go e.run(ctx, e.done)
	metrics.EndpointOpened()
	e.logger.LogComponentStarted()
	return nil
}

// Stop halts the loop and closes the sink or source. Linked processes stay linked.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.logger.LogComponentStopping()
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	e.wake()
	<-done
	e.closed.Store(true)

	var err error
	if e.IsPlayback() {
		err = e.opts.Sink.Close()
	} else {
		err = e.opts.Source.Close()
	}
	metrics.EndpointClosed()
	e.logger.LogComponentStopped()
	return err
}

func (e *Endpoint) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Endpoint) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// LinkProcess attaches a configured process to the endpoint.
func (e *Endpoint) LinkProcess(p *stream.ProcessInServer) error {
	buf := p.Buffer()
	if buf == nil {
		return fmt.Errorf("%w: process %d has no buffer", stream.ErrIllegalState, p.SessionID())
	}
	if p.IsPlayback() != e.IsPlayback() {
		return ErrModeMismatch
	}
	cfg := p.Config()
	var conv *ringbuffer.FormatConverter
	var err error
	if e.IsPlayback() {
		conv, err = ringbuffer.NewFormatConverter(cfg.Format, e.opts.Format, buf.SpanSizeInFrames())
	} else {
		conv, err = ringbuffer.NewFormatConverter(e.opts.Format, cfg.Format, uint32(e.spanFrames))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrInvalidParam, err)
	}
	l := &linked{
		proc:      p,
		buffer:    buf,
		converter: conv,
		scene:     cfg.EffectScene(),
	}
	l.model.ConfigSampleRate(int32(cfg.Format.SampleRate))
	if !e.IsPlayback() {
		l.encoded = make([]byte, buf.SpanSizeInBytes())
	}

	e.mu.Lock()
	if _, ok := e.procs[p.SessionID()]; ok {
		e.mu.Unlock()
		return ErrAlreadyLinked
	}
	e.procs[p.SessionID()] = l
	e.mu.Unlock()

	p.AddProcessStatusListener(e)
	e.wake()
	e.logger.Logger().Info().Uint32("session_id", p.SessionID()).Str("scene", l.scene).Msg("process linked")
	return nil
}

// UnlinkProcess detaches p. When it returns the drain loop no longer touches
// p's buffer, so the buffer may be released.
func (e *Endpoint) UnlinkProcess(p *stream.ProcessInServer) bool {
	p.RemoveProcessStatusListener(e)
	e.mu.Lock()
	_, ok := e.procs[p.SessionID()]
	delete(e.procs, p.SessionID())
	e.mu.Unlock()
	if !ok {
		return false
	}
	// wait for any cycle that snapshotted p to finish
	e.cycleMu.Lock()
	e.cycleMu.Unlock() //nolint:staticcheck
	e.logger.Logger().Info().Uint32("session_id", p.SessionID()).Msg("process unlinked")
	return true
}

// LinkedCount returns the number of linked processes.
func (e *Endpoint) LinkedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

// Linked reports whether sessionID is linked here.
func (e *Endpoint) Linked(sessionID uint32) (*stream.ProcessInServer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.procs[sessionID]
	if !ok {
		return nil, false
	}
	return l.proc, true
}

// Stats returns the drain loop counters.
func (e *Endpoint) Stats() Stats {
	s := e.stats.snapshot()
	s.LinkedSessions = e.LinkedCount()
	return s
}

func (e *Endpoint) OnStart(p *stream.ProcessInServer) error {
	e.mu.Lock()
	if l, ok := e.procs[p.SessionID()]; ok {
		l.emptyCycle = 0
	}
	e.mu.Unlock()
	e.wake()
	return nil
}

func (e *Endpoint) OnPause(p *stream.ProcessInServer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.procs[p.SessionID()]; ok {
		l.emptyCycle = 0
	}
	return nil
}

// OnUpdateHandleInfo refreshes the position anchor a client uses for latency.
func (e *Endpoint) OnUpdateHandleInfo(p *stream.ProcessInServer) error {
	e.mu.Lock()
	l, ok := e.procs[p.SessionID()]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	frame, nanos := l.model.GetFrameStamp()
	if nanos != 0 {
		l.buffer.SetHandleInfo(frame, nanos)
	}
	return nil
}

// active returns linked processes the loop should service, sorted by session
// id so the mix order is stable.
func (e *Endpoint) active() []*linked {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*linked, 0, len(e.procs))
	for _, l := range e.procs {
		switch l.proc.Status() {
		case stream.StatusStarting, stream.StatusStarted:
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].proc.SessionID() < out[j].proc.SessionID() })
	return out
}

func (e *Endpoint) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	if e.opts.Promoter != nil {
		e.opts.Promoter.PromoteCurrentThread()
	}
	for ctx.Err() == nil {
		var idle bool
		if e.IsPlayback() {
			idle = e.playbackCycle(ctx)
		} else {
			idle = e.captureCycle(ctx)
		}
		if !idle {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		}
	}
}

// playbackCycle mixes one span period. It reports true when no process was
// active and the loop should park until kicked.
func (e *Endpoint) playbackCycle(ctx context.Context) bool {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	procs := e.active()
	if len(procs) == 0 {
		return true
	}
	start := time.Now()
	deadline := start.Add(e.opts.WaitTimeout)
	ch := e.opts.Format.Channels
	var scenes []string
	for _, l := range procs {
		if ctx.Err() != nil {
			return false
		}
		samples, ok := e.readSpan(l, deadline)
		if !ok {
			continue
		}
		in, ok := e.sceneIn[l.scene]
		if !ok {
			in = make([]float32, e.spanFrames*ch)
			e.sceneIn[l.scene] = in
		}
		if !slices.Contains(scenes, l.scene) {
			clear(in)
			scenes = append(scenes, l.scene)
		}
		n := min(len(samples), len(in))
		for i := 0; i < n; i++ {
			in[i] += samples[i]
		}
	}
	if len(scenes) == 0 {
		e.stats.recordCycle(time.Since(start), 0)
		return false
	}

	mixStart := time.Now()
	clear(e.mix)
	sort.Strings(scenes)
	for _, scene := range scenes {
		in := e.sceneIn[scene]
		out := in
		if e.opts.Effects != nil {
			attr := &effect.BufferAttr{In: in, Out: e.sceneOut, Frames: e.spanFrames, InChannels: ch, OutChannels: ch}
			if err := e.opts.Effects.ApplyAudioEffectChain(scene, attr); err != nil {
				e.logger.Logger().Debug().Err(err).Str("scene", scene).Msg("effect chain failed, mixing unprocessed")
			} else {
				out = e.sceneOut
			}
		}
		for i, v := range out {
			e.mix[i] += v
		}
	}
	if err := e.opts.Sink.Write(e.mix); err != nil {
		e.logger.Logger().Warn().Err(err).Msg("sink write failed")
	}
	metrics.RecordFramesMixed(e.key, e.spanFrames)
	e.stats.recordCycle(time.Since(start), e.spanFrames)
	// Waiting for spans is accounted as underruns; only mixing counts here.
	if took := time.Since(mixStart); took > e.opts.SpanDuration {
		atomic.AddInt64(&e.stats.slowCycles, 1)
		e.logger.LogSlowOperation("playback mix", took, e.opts.SpanDuration)
	}
	return false
}

// readSpan consumes one span from l and returns it converted to the endpoint
// format with span volume and interrupt gain applied. A wait that runs past
// deadline counts as an underrun.
func (e *Endpoint) readSpan(l *linked, deadline time.Time) ([]float32, bool) {
	buf := l.buffer
	spanFrames := uint64(buf.SpanSizeInFrames())
	if buf.GetAvailableDataFrames() < spanFrames {
		wait := time.Until(deadline)
		if wait <= 0 || buf.WaitReadable(wait) != futex.Success {
			e.underrun(l)
			return nil, false
		}
	}
	pos, payload, span, err := buf.BeginRead()
	if err != nil {
		if !errors.Is(err, ringbuffer.ErrNotReadable) {
			e.logger.Logger().Debug().Err(err).Uint32("session_id", l.proc.SessionID()).Msg("span not readable")
		}
		e.underrun(l)
		return nil, false
	}
	l.emptyCycle = 0
	defer func() {
		if err := buf.EndRead(pos); err != nil {
			e.logger.Logger().Warn().Err(err).Uint32("session_id", l.proc.SessionID()).Msg("end read failed")
		}
	}()

	atomic.AddInt64(&e.stats.spansConsumed, 1)
	now := time.Now().UnixNano()
	if !l.model.UpdateFrameStamp(pos, now) {
		l.model.ResetFrameStamp(pos, now)
	}
	buf.SetHandleInfo(pos, now)
	l.proc.MarkStarted()

	if ringbuffer.PayloadChecksum(payload) != span.Checksum() {
		atomic.AddInt64(&e.stats.checksumErrors, 1)
		e.logger.Logger().Warn().Uint32("session_id", l.proc.SessionID()).Uint64("pos", pos).Msg("span checksum mismatch, dropping")
		return nil, false
	}
	samples, err := l.converter.Convert(payload)
	if err != nil {
		e.logger.Logger().Warn().Err(err).Uint32("session_id", l.proc.SessionID()).Msg("span conversion failed")
		return nil, false
	}
	gain := l.proc.DuckVolume()
	if e.opts.StreamVolume != nil {
		gain *= e.opts.StreamVolume(l.proc.Config().StreamType())
	}
	applyVolume(samples, span.Volume(), gain, e.opts.Format.Channels)
	return samples, true
}

func (e *Endpoint) underrun(l *linked) {
	atomic.AddInt64(&e.stats.underruns, 1)
	metrics.RecordUnderrun()
	metrics.RecordFutexTimeout()
	l.buffer.RecordUnderrun()
	l.emptyCycle++
	if e.opts.StandbyIdleCycles > 0 && l.emptyCycle >= e.opts.StandbyIdleCycles {
		if l.proc.EnterStandby() {
			e.logger.Logger().Info().Uint32("session_id", l.proc.SessionID()).Int("idle_cycles", l.emptyCycle).Msg("process entered standby")
		}
		l.emptyCycle = 0
	}
}

// applyVolume ramps linearly from the span's start to end volume and scales
// by the interrupt gain. Mute zeroes the span.
func applyVolume(samples []float32, vol ringbuffer.SpanVolume, duck float32, channels int) {
	if vol.Mute {
		clear(samples)
		return
	}
	start := float32(vol.Start) / float32(ringbuffer.FullScaleVolume) * duck
	end := float32(vol.End) / float32(ringbuffer.FullScaleVolume) * duck
	if start == 1 && end == 1 {
		return
	}
	frames := len(samples) / channels
	if frames == 0 {
		return
	}
	step := (end - start) / float32(frames)
	g := start
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			samples[f*channels+c] *= g
		}
		g += step
	}
}

// captureCycle reads one span from the source and writes it to every active
// capture process.
func (e *Endpoint) captureCycle(ctx context.Context) bool {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	procs := e.active()
	if len(procs) == 0 {
		return true
	}
	start := time.Now()
	if err := e.opts.Source.Read(e.capture); err != nil {
		e.logger.Logger().Warn().Err(err).Msg("source read failed")
		return false
	}
	n := ringbuffer.EncodeFrames(e.captureF, e.capture, ringbuffer.SampleF32LE)
	for _, l := range procs {
		if ctx.Err() != nil {
			return false
		}
		e.writeSpan(l, e.captureF[:n])
	}
	e.stats.recordCycle(time.Since(start), e.spanFrames)
	return false
}

func (e *Endpoint) writeSpan(l *linked, raw []byte) {
	samples, err := l.converter.Convert(raw)
	if err != nil {
		e.logger.Logger().Warn().Err(err).Uint32("session_id", l.proc.SessionID()).Msg("capture conversion failed")
		return
	}
	// the converted length may differ from the client span; write whole spans only
	written := ringbuffer.EncodeFrames(l.encoded, samples, l.proc.Config().Format.Sample)
	clear(l.encoded[written:])

	pos, payload, err := l.buffer.BeginWrite()
	if err != nil {
		atomic.AddInt64(&e.stats.overruns, 1)
		return
	}
	copy(payload, l.encoded)
	if err := l.buffer.EndWrite(pos, ringbuffer.DefaultSpanVolume); err != nil {
		e.logger.Logger().Warn().Err(err).Uint32("session_id", l.proc.SessionID()).Msg("end write failed")
		return
	}
	l.proc.MarkStarted()
	atomic.AddInt64(&e.stats.spansConsumed, 1)
}
