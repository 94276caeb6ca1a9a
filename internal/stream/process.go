package stream

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
	"github.com/rs/zerolog"
)

// StatusListener is notified of lifecycle transitions. The mixing engine is
// the usual listener.
type StatusListener interface {
	OnStart(p *ProcessInServer) error
	OnPause(p *ProcessInServer) error
	OnUpdateHandleInfo(p *ProcessInServer) error
}

// ReleaseCallback unlinks a released process from the engine and frees its
// buffer. destroyAtOnce tells the endpoint pool whether to keep the endpoint warm.
type ReleaseCallback interface {
	OnProcessRelease(p *ProcessInServer, destroyAtOnce bool) error
}

// ReleaseCallbackFunc adapts a function to ReleaseCallback.
type ReleaseCallbackFunc func(p *ProcessInServer, destroyAtOnce bool) error

func (f ReleaseCallbackFunc) OnProcessRelease(p *ProcessInServer, destroyAtOnce bool) error {
	return f(p, destroyAtOnce)
}

// PermissionChecker is the permission and privacy subsystem.
type PermissionChecker interface {
	VerifyBackgroundCapture(app audiotype.AppInfo, source audiotype.SourceType) (bool, error)
	NotifyPrivacyStart(app audiotype.AppInfo, sessionID uint32) error
	NotifyPrivacyStop(app audiotype.AppInfo, sessionID uint32) error
}

// AllowAll grants every capture and ignores privacy notifications.
type AllowAll struct{}

func (AllowAll) VerifyBackgroundCapture(audiotype.AppInfo, audiotype.SourceType) (bool, error) {
	return true, nil
}
func (AllowAll) NotifyPrivacyStart(audiotype.AppInfo, uint32) error { return nil }
func (AllowAll) NotifyPrivacyStop(audiotype.AppInfo, uint32) error  { return nil }

// PriorityRegistrar raises client threads serving a session.
type PriorityRegistrar interface {
	RegisterThreadPriority(sessionID uint32, tid int) error
	UnregisterThreadPriority(sessionID uint32)
}

type nopRegistrar struct{}

func (nopRegistrar) RegisterThreadPriority(uint32, int) error { return nil }
func (nopRegistrar) UnregisterThreadPriority(uint32)          {}

// Options carries the collaborators of a ProcessInServer.
type Options struct {
	ReleaseCallback ReleaseCallback
	Permissions     PermissionChecker
	Telemetry       telemetry.Reporter
	Scheduler       PriorityRegistrar
}

// ProcessInServer is the server side of one client stream. It owns the
// stream's ring buffer and drives its lifecycle.
//
// Every transition fails fast with ErrIllegalState when the current status is
// not a legal predecessor; nothing is changed in that case.
type ProcessInServer struct {
	mu sync.Mutex

	sessionID uint32
	config    ProcessConfig
	buffer    *ringbuffer.Buffer
	status    ringbuffer.StatusWord
	isInited  bool
	released  atomic.Bool

	needCheckBackground bool
	checkedBackground   bool
	privacyActive       bool

	standbyEnterTime atomic.Int64
	standbyCount     uint32
	duckVolume       atomic.Uint32
	createdAt        time.Time

	listenerMu sync.RWMutex
	listeners  []StatusListener

	releaseCallback ReleaseCallback
	permissions     PermissionChecker
	telemetry       telemetry.Reporter
	scheduler       PriorityRegistrar
	logger          *logging.ComponentLogger
}

// NewProcessInServer creates the server side of a stream. The buffer is
// allocated separately by ConfigProcessBuffer.
func NewProcessInServer(cfg ProcessConfig, sessionID uint32, opts Options) (*ProcessInServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Permissions == nil {
		opts.Permissions = AllowAll{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = nopRegistrar{}
	}
	logger := logging.NewComponentLogger(
		logging.GetDefaultLogger().With().Uint32("session_id", sessionID).Logger(),
		logging.ComponentProcess)
	p := &ProcessInServer{
		sessionID:       sessionID,
		config:          cfg,
		isInited:        true,
		createdAt:       time.Now(),
		releaseCallback: opts.ReleaseCallback,
		permissions:     opts.Permissions,
		telemetry:       opts.Telemetry,
		scheduler:       opts.Scheduler,
		logger:          logger,
	}
	p.duckVolume.Store(math.Float32bits(1))
	metrics.ProcessCreated()
	return p, nil
}

// ConfigProcessBuffer allocates the shared ring buffer.
func (p *ProcessInServer) ConfigProcessBuffer(totalSizeInFrames, spanSizeInFrames uint32) (*ringbuffer.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInited {
		return nil, ErrIllegalState
	}
	if p.buffer != nil {
		return nil, fmt.Errorf("%w: buffer already configured", ErrIllegalState)
	}
	buf, err := ringbuffer.New(ringbuffer.HolderServerShared, totalSizeInFrames, spanSizeInFrames, p.config.Format.BytesPerFrame())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	p.buffer = buf
	p.status = buf.GetStreamStatus()
	p.status.Store(StatusIdle)
	p.logger.Logger().Debug().Uint32("total_frames", totalSizeInFrames).Uint32("span_frames", spanSizeInFrames).Msg("process buffer configured")
	return buf, nil
}

func (p *ProcessInServer) SessionID() uint32          { return p.sessionID }
func (p *ProcessInServer) Config() ProcessConfig      { return p.config }
func (p *ProcessInServer) Buffer() *ringbuffer.Buffer { return p.buffer }
func (p *ProcessInServer) Logger() *zerolog.Logger    { return p.logger.Logger() }
func (p *ProcessInServer) CreatedAt() time.Time       { return p.createdAt }
func (p *ProcessInServer) StandbyCount() uint32       { return atomic.LoadUint32(&p.standbyCount) }
func (p *ProcessInServer) IsPlayback() bool           { return p.config.Mode == audiotype.ModePlayback }

// StatusWord exposes the shared status word to the engine.
func (p *ProcessInServer) StatusWord() ringbuffer.StatusWord { return p.status }

// Status returns the current stream status; RELEASED once released.
func (p *ProcessInServer) Status() Status {
	if p.released.Load() {
		return StatusReleased
	}
	if p.buffer == nil {
		return StatusIdle
	}
	return p.status.Load()
}

// IsInited is false once Release has been called.
func (p *ProcessInServer) IsInited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isInited
}

// SetDuckVolume sets the server side gain applied on top of span volumes.
func (p *ProcessInServer) SetDuckVolume(v float32) {
	p.duckVolume.Store(math.Float32bits(v))
}

// DuckVolume returns the server side gain.
func (p *ProcessInServer) DuckVolume() float32 {
	return math.Float32frombits(p.duckVolume.Load())
}

// AddProcessStatusListener registers l. Adding the same listener twice is a no-op.
func (p *ProcessInServer) AddProcessStatusListener(l StatusListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	for _, existing := range p.listeners {
		if existing == l {
			return
		}
	}
	p.listeners = append(p.listeners, l)
}

// RemoveProcessStatusListener unregisters l.
func (p *ProcessInServer) RemoveProcessStatusListener(l StatusListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	for i, existing := range p.listeners {
		if existing == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *ProcessInServer) snapshotListeners() []StatusListener {
	p.listenerMu.RLock()
	defer p.listenerMu.RUnlock()
	return append([]StatusListener(nil), p.listeners...)
}

func (p *ProcessInServer) illegal(op string, cur Status) error {
	p.logger.LogIllegalTransition(p.sessionID, op, cur.String())
	metrics.RecordIllegalCall(op)
	return fmt.Errorf("%w: %s from %s", ErrIllegalState, op, cur)
}

func (p *ProcessInServer) transition(from, to Status) bool {
	if !p.status.CompareAndSwap(from, to) {
		return false
	}
	p.logger.LogStateTransition(p.sessionID, from.String(), to.String())
	metrics.RecordTransition(to.String())
	return true
}

// checkCaptureStart verifies background capture and announces recording.
// It runs before any status change so a failure leaves the process untouched.
func (p *ProcessInServer) checkCaptureStart() error {
	if p.config.Mode == audiotype.ModePlayback {
		return nil
	}
	if !p.checkedBackground {
		p.needCheckBackground = p.config.SourceType.NeedsBackgroundCheck()
		p.checkedBackground = true
	}
	if !p.needCheckBackground {
		return nil
	}
	ok, err := p.permissions.VerifyBackgroundCapture(p.config.AppInfo, p.config.SourceType)
	if err != nil {
		return fmt.Errorf("%w: verify background capture: %v", ErrOperationFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: background capture for %s", ErrPermissionDenied, p.config.SourceType)
	}
	if err := p.permissions.NotifyPrivacyStart(p.config.AppInfo, p.sessionID); err != nil {
		return fmt.Errorf("%w: privacy start: %v", ErrOperationFailed, err)
	}
	p.privacyActive = true
	return nil
}

func (p *ProcessInServer) notifyPrivacyStop() {
	if !p.privacyActive {
		return
	}
	p.privacyActive = false
	if err := p.permissions.NotifyPrivacyStop(p.config.AppInfo, p.sessionID); err != nil {
		p.logger.Logger().Warn().Err(err).Msg("privacy stop notification failed")
	}
}

func (p *ProcessInServer) notify(op string, fn func(StatusListener) error) {
	for _, l := range p.snapshotListeners() {
		if err := fn(l); err != nil {
			p.logger.Logger().Warn().Err(err).Str("operation", op).Msg("status listener failed")
		}
	}
}

// Start begins playback or capture. The client moves the status to STARTING
// before calling; a process in STAND_BY may also be restarted directly.
func (p *ProcessInServer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInited || p.buffer == nil {
		return p.illegal("start", p.Status())
	}
	cur := p.status.Load()
	if cur != StatusStarting && cur != StatusStandBy {
		return p.illegal("start", cur)
	}
	if err := p.checkCaptureStart(); err != nil {
		p.logger.LogError(err, "capture start check failed")
		return err
	}
	if cur == StatusStandBy {
		ev := telemetry.NewEvent(telemetry.EventStandbyExited, p.sessionID)
		if entered := p.standbyEnterTime.Swap(0); entered != 0 {
			ev = ev.With("standby_duration", time.Since(time.Unix(0, entered)).String())
		}
		p.telemetry.Report(ev)
		if !p.transition(StatusStandBy, StatusStarting) {
			return p.illegal("start", p.status.Load())
		}
	}
	p.notify("start", func(l StatusListener) error { return l.OnStart(p) })
	return nil
}

// Pause requires PAUSING, set by the client before calling.
func (p *ProcessInServer) Pause(isFlush bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInited || p.buffer == nil {
		return p.illegal("pause", p.Status())
	}
	cur := p.status.Load()
	if cur != StatusPausing {
		return p.illegal("pause", cur)
	}
	p.notifyPrivacyStop()
	p.notify("pause", func(l StatusListener) error { return l.OnPause(p) })
	if isFlush {
		p.buffer.Reset()
	}
	p.transition(StatusPausing, StatusPaused)
	return nil
}

// Resume requires STARTING, set by the client when leaving PAUSED.
func (p *ProcessInServer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInited || p.buffer == nil {
		return p.illegal("resume", p.Status())
	}
	cur := p.status.Load()
	if cur != StatusStarting {
		return p.illegal("resume", cur)
	}
	if err := p.checkCaptureStart(); err != nil {
		p.logger.LogError(err, "capture resume check failed")
		return err
	}
	p.notify("resume", func(l StatusListener) error { return l.OnStart(p) })
	return nil
}

// Stop requires STOPPING, set by the client before calling.
func (p *ProcessInServer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isInited || p.buffer == nil {
		return p.illegal("stop", p.Status())
	}
	cur := p.status.Load()
	if cur != StatusStopping {
		return p.illegal("stop", cur)
	}
	p.notifyPrivacyStop()
	p.notify("stop", func(l StatusListener) error { return l.OnPause(p) })
	p.transition(StatusStopping, StatusStopped)
	return nil
}

// RequestPause is the server initiated counterpart of a client pause.
func (p *ProcessInServer) RequestPause() error {
	if p.buffer == nil || p.released.Load() {
		return p.illegal("pause", p.Status())
	}
	for _, from := range []Status{StatusStarted, StatusStarting, StatusStandBy} {
		if p.status.CompareAndSwap(from, StatusPausing) {
			if err := p.Pause(false); err != nil {
				p.status.CompareAndSwap(StatusPausing, from)
				return err
			}
			return nil
		}
	}
	return p.illegal("pause", p.status.Load())
}

// RequestStop is the server initiated counterpart of a client stop.
func (p *ProcessInServer) RequestStop() error {
	if p.buffer == nil || p.released.Load() {
		return p.illegal("stop", p.Status())
	}
	for _, from := range []Status{StatusStarted, StatusStarting, StatusStandBy, StatusPaused} {
		if p.status.CompareAndSwap(from, StatusStopping) {
			if err := p.Stop(); err != nil {
				p.status.CompareAndSwap(StatusStopping, from)
				return err
			}
			return nil
		}
	}
	return p.illegal("stop", p.status.Load())
}

// MarkStarted moves STARTING to STARTED; called by the engine on the first
// consumed span.
func (p *ProcessInServer) MarkStarted() bool {
	if p.buffer == nil || p.released.Load() {
		return false
	}
	return p.transition(StatusStarting, StatusStarted)
}

// EnterStandby moves STARTED to STAND_BY after the engine saw the client go idle.
func (p *ProcessInServer) EnterStandby() bool {
	if p.buffer == nil || p.released.Load() || !p.transition(StatusStarted, StatusStandBy) {
		return false
	}
	p.standbyEnterTime.Store(time.Now().UnixNano())
	atomic.AddUint32(&p.standbyCount, 1)
	p.telemetry.Report(telemetry.NewEvent(telemetry.EventStandbyEntered, p.sessionID))
	return true
}

// UpdateHandleInfo forwards a position update request to the listeners.
func (p *ProcessInServer) UpdateHandleInfo() error {
	if !p.IsInited() {
		return ErrIllegalState
	}
	p.notify("update-handle-info", func(l StatusListener) error { return l.OnUpdateHandleInfo(p) })
	return nil
}

// RegisterThreadPriority raises a client thread serving this stream.
func (p *ProcessInServer) RegisterThreadPriority(tid int) error {
	if !p.IsInited() {
		return ErrIllegalState
	}
	if err := p.scheduler.RegisterThreadPriority(p.sessionID, tid); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return nil
}

// Release tears the process down. It is terminal: a second call returns
// ErrIllegalState. The release callback unlinks the process from the engine
// and frees the buffer.
func (p *ProcessInServer) Release(destroyAtOnce bool) error {
	p.mu.Lock()
	if !p.isInited {
		p.mu.Unlock()
		return p.illegal("release", StatusReleased)
	}
	p.isInited = false
	p.notifyPrivacyStop()
	p.mu.Unlock()

	p.scheduler.UnregisterThreadPriority(p.sessionID)
	if p.buffer != nil {
		p.status.Store(StatusReleased)
	}
	p.released.Store(true)
	metrics.ProcessReleased()
	metrics.RecordTransition(StatusReleased.String())
	p.telemetry.Report(telemetry.NewEvent(telemetry.EventProcessReleased, p.sessionID))
	p.logger.Logger().Info().Bool("destroy_at_once", destroyAtOnce).Msg("process released")

	if p.releaseCallback == nil {
		if p.buffer != nil {
			return p.buffer.Release()
		}
		return nil
	}
	if err := p.releaseCallback.OnProcessRelease(p, destroyAtOnce); err != nil {
		return fmt.Errorf("%w: release callback: %v", ErrOperationFailed, err)
	}
	return nil
}
