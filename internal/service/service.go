// Package service is the audio service: it creates and releases stream
// processes and glues them to the endpoint engine, the effect graph, the
// interrupt arbiter and the policy service.
package service

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/effect"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/endpoint"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/policy"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/sched"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrServiceClosed   = errors.New("audio service closed")
)

// Options configures an AudioService. Nil collaborators are built from Config.
type Options struct {
	Config      *config.Config
	Arbiter     *interrupt.Service
	Effects     *effect.Manager
	Policy      policy.Handler
	Permissions stream.PermissionChecker
	Scheduler   *sched.Scheduler
	Telemetry   telemetry.Reporter
	// Observer receives stream lifecycle changes.
	Observer      StateObserver
	SinkFactory   endpoint.SinkFactory
	SourceFactory endpoint.SourceFactory
}

// AudioService owns every live session. It is the release callback of each
// process it creates.
type AudioService struct {
	cfg       *config.Config
	arbiter   *interrupt.Service
	effects   *effect.Manager
	policy    policy.Handler
	volume    *policy.SharedVolume
	pool      *endpoint.Pool
	queue     *policy.EventQueue
	scheduler *sched.Scheduler
	ids       *stream.SessionIDGenerator
	sessions  *xsync.MapOf[uint32, *Session]

	permissions stream.PermissionChecker
	telemetry   telemetry.Reporter
	observer    StateObserver
	closed      atomic.Bool
	logger      *logging.ComponentLogger
}

func New(opts Options) (*AudioService, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	if opts.Permissions == nil {
		opts.Permissions = stream.AllowAll{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Arbiter == nil {
		iopts, err := interrupt.OptionsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		iopts.Telemetry = opts.Telemetry
		opts.Arbiter = interrupt.NewService(iopts)
	}
	if opts.Effects == nil {
		opts.Effects = effect.NewManager(effect.ManagerConfigFrom(cfg), effect.NewBuiltinLibrary())
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewLocal(opts.Arbiter, policy.LocalOptions{})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.New(cfg.EnableRealtime, cfg.RealtimePriority)
	}
	if opts.SinkFactory == nil {
		opts.SinkFactory = defaultSinkFactory(cfg.DumpDir)
	}
	volume, err := opts.Policy.InitSharedVolume()
	if err != nil {
		return nil, fmt.Errorf("init shared volume: %w", err)
	}

	pool := endpoint.NewPool(endpoint.PoolOptions{
		Template: endpoint.Options{
			Format:            ringbuffer.StreamFormat{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
			SpanDuration:      cfg.SpanDuration,
			WaitTimeout:       cfg.FutexWaitTimeout,
			StandbyIdleCycles: cfg.StandbyIdleCycles,
			Effects:           opts.Effects,
			Telemetry:         opts.Telemetry,
			Promoter:          opts.Scheduler,
			StreamVolume:      volume.Effective,
		},
		KeepWarmTimeout: cfg.KeepWarmTimeout,
		SinkFactory:     opts.SinkFactory,
		SourceFactory:   opts.SourceFactory,
	})
	opts.Arbiter.SetVolumeController(pool)

	s := &AudioService{
		cfg:         cfg,
		arbiter:     opts.Arbiter,
		effects:     opts.Effects,
		policy:      opts.Policy,
		volume:      volume,
		pool:        pool,
		queue:       policy.NewEventQueue("policy", cfg.EventQueueSize),
		scheduler:   opts.Scheduler,
		ids:         stream.NewSessionIDGenerator(cfg.SessionIDFirst, cfg.SessionIDMax, opts.Telemetry),
		sessions:    xsync.NewMapOf[uint32, *Session](),
		permissions: opts.Permissions,
		telemetry:   opts.Telemetry,
		observer:    opts.Observer,
		logger:      logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentService),
	}
	s.logger.LogComponentStarted()
	return s, nil
}

// defaultSinkFactory writes WAV dumps when dir is set; otherwise output is
// discarded at the device's real time pace.
func defaultSinkFactory(dir string) endpoint.SinkFactory {
	return func(device audiotype.DeviceInfo) (endpoint.Sink, error) {
		if dir != "" {
			return endpoint.NewDumpSink(dir, device.Key()), nil
		}
		return endpoint.NewNullSink(device.Key(), true), nil
	}
}

func (s *AudioService) Config() *config.Config             { return s.cfg }
func (s *AudioService) Arbiter() *interrupt.Service        { return s.arbiter }
func (s *AudioService) Effects() *effect.Manager           { return s.effects }
func (s *AudioService) Pool() *endpoint.Pool               { return s.pool }
func (s *AudioService) Policy() policy.Handler             { return s.policy }
func (s *AudioService) SharedVolume() *policy.SharedVolume { return s.volume }

func pipeFor(cfg stream.ProcessConfig) audiotype.PipeType {
	switch {
	case cfg.Mode == audiotype.ModePlayback:
		return audiotype.PipeNormalOut
	case cfg.SourceType == audiotype.SourceVoiceCommunication:
		return audiotype.PipeCallIn
	default:
		return audiotype.PipeNormalIn
	}
}

// CreateProcess creates the server side of a new stream: it routes the stream
// to a device, allocates the ring buffer, links the process to the shared
// endpoint and attaches it to its effect scene. Any failure undoes the steps
// already taken.
func (s *AudioService) CreateProcess(cfg stream.ProcessConfig) (sess *Session, err error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := s.policy.GetProcessDeviceInfo(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: device selection: %v", stream.ErrOperationFailed, err)
	}
	pipe := pipeFor(cfg)
	if err := s.policy.ActivateConcurrency(pipe); err != nil {
		return nil, err
	}
	id := s.ids.Generate()
	proc, err := stream.NewProcessInServer(cfg, id, stream.Options{
		ReleaseCallback: s,
		Permissions:     s.permissions,
		Telemetry:       s.telemetry,
		Scheduler:       s.scheduler,
	})
	if err != nil {
		s.deactivateConcurrency(pipe)
		return nil, err
	}
	sess = &Session{
		svc:  s,
		proc: proc,
		pipe: pipe,
		ai: interrupt.AudioInterrupt{
			StreamUsage: cfg.Usage,
			ContentType: cfg.ContentType,
			FocusType:   interrupt.FocusTypeOf(cfg.Mode, cfg.Usage, cfg.SourceType),
			SessionID:   id,
			Pid:         cfg.AppInfo.Pid,
		},
		createdAt: proc.CreatedAt(),
	}
	// From here on the release callback undoes every step, concurrency included.
	s.sessions.Store(id, sess)
	defer func() {
		if err == nil {
			return
		}
		if rerr := proc.Release(true); rerr != nil {
			s.logger.LogError(rerr, "release of half created process failed")
		}
		sess = nil
	}()

	spanFrames := s.cfg.SpanSizeInFrames(cfg.Format.SampleRate)
	if _, err = proc.ConfigProcessBuffer(spanFrames*uint32(s.cfg.SpanCount), spanFrames); err != nil {
		return nil, err
	}

	ep, err := s.pool.GetOrCreate(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open endpoint %s: %v", stream.ErrOperationFailed, device.Key(), err)
	}
	sess.ep = ep
	if err = ep.LinkProcess(proc); err != nil {
		return nil, err
	}

	if proc.IsPlayback() {
		if aerr := s.effects.AttachSession(id, s.effectInfo(cfg)); aerr != nil {
			// The scene plays without processing rather than failing the stream.
			s.logger.Logger().Warn().Err(aerr).Uint32("session_id", id).Str("scene", cfg.EffectScene()).Msg("effect attach failed")
		}
	}

	if _, err = s.arbiter.SetAudioInterruptCallback(id, sess); err != nil {
		return nil, err
	}
	sess.observer = &stateListener{sess: sess, observer: s.observer}
	proc.AddProcessStatusListener(sess.observer)

	if !proc.IsPlayback() {
		info := policy.CapturerInfo{SessionID: id, SourceType: cfg.SourceType, AppInfo: cfg.AppInfo}
		s.post("capturer added", func() error { return s.policy.NotifyCapturerAdded(info) })
	}

	s.observer.OnStreamState(sess.stateEvent(StateCreated))
	s.logger.Logger().Info().
		Uint32("session_id", id).
		Str("mode", cfg.Mode.String()).
		Str("usage", string(cfg.Usage)).
		Str("endpoint", ep.Key()).
		Msg("process created")
	return sess, nil
}

func (s *AudioService) effectInfo(cfg stream.ProcessConfig) effect.SessionEffectInfo {
	return effect.SessionEffectInfo{
		SceneMode:     audiotype.EffectDefault,
		SceneType:     cfg.EffectScene(),
		Channels:      cfg.Format.Channels,
		ChannelLayout: cfg.Layout(),
	}
}

func (s *AudioService) deactivateConcurrency(pipe audiotype.PipeType) {
	if d, ok := s.policy.(interface{ DeactivateConcurrency(audiotype.PipeType) }); ok {
		d.DeactivateConcurrency(pipe)
	}
}

// post runs a policy notification on the event queue, off the caller's path.
func (s *AudioService) post(what string, fn func() error) {
	ok := s.queue.Post(func() {
		if err := fn(); err != nil {
			s.logger.Logger().Warn().Err(err).Str("notification", what).Msg("policy notification failed")
		}
	})
	if !ok {
		s.logger.Logger().Warn().Str("notification", what).Msg("policy notification dropped")
	}
}

// OnProcessRelease tears a session down in dependency order: focus, effect
// scene, endpoint link, buffer, endpoint reference.
func (s *AudioService) OnProcessRelease(p *stream.ProcessInServer, destroyAtOnce bool) error {
	id := p.SessionID()
	sess, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		if buf := p.Buffer(); buf != nil {
			return buf.Release()
		}
		return nil
	}

	s.arbiter.RemoveSession(id)
	if sess.observer != nil {
		p.RemoveProcessStatusListener(sess.observer)
	}
	if p.IsPlayback() {
		if err := s.effects.DetachSession(id); err != nil {
			s.logger.Logger().Warn().Err(err).Uint32("session_id", id).Msg("effect detach failed")
		}
	}
	if sess.ep != nil {
		sess.ep.UnlinkProcess(p)
	}
	var errs []error
	if buf := p.Buffer(); buf != nil {
		if err := buf.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release buffer: %w", err))
		}
	}
	if sess.ep != nil {
		s.pool.Release(sess.ep, destroyAtOnce)
	}
	s.deactivateConcurrency(sess.pipe)
	if !p.IsPlayback() {
		s.post("capturer removed", func() error { return s.policy.NotifyCapturerRemoved(id) })
	}
	s.observer.OnStreamState(sess.stateEvent(StateReleased))
	s.logger.Logger().Info().Uint32("session_id", id).Bool("destroy_at_once", destroyAtOnce).Msg("session torn down")
	return errors.Join(errs...)
}

// Session returns a live session.
func (s *AudioService) Session(id uint32) (*Session, error) {
	sess, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return sess, nil
}

// SessionInfo summarizes a live session.
type SessionInfo struct {
	SessionID    uint32    `json:"session_id"`
	Pid          int32     `json:"pid"`
	Mode         string    `json:"mode"`
	Usage        string    `json:"usage,omitempty"`
	SourceType   string    `json:"source_type,omitempty"`
	Status       string    `json:"status"`
	Endpoint     string    `json:"endpoint"`
	Scene        string    `json:"scene,omitempty"`
	Focus        string    `json:"focus,omitempty"`
	ZoneID       int32     `json:"zone_id"`
	DuckVolume   float32   `json:"duck_volume"`
	StandbyCount uint32    `json:"standby_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Describe returns the SessionInfo of a live session.
func (s *AudioService) Describe(id uint32) (SessionInfo, error) {
	sess, err := s.Session(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(sess), nil
}

func (s *AudioService) info(sess *Session) SessionInfo {
	cfg := sess.proc.Config()
	info := SessionInfo{
		SessionID:    sess.SessionID(),
		Pid:          sess.Pid(),
		Mode:         cfg.Mode.String(),
		SourceType:   string(cfg.SourceType),
		Status:       sess.proc.Status().String(),
		DuckVolume:   sess.proc.DuckVolume(),
		StandbyCount: sess.proc.StandbyCount(),
		CreatedAt:    sess.createdAt,
	}
	if sess.ep != nil {
		info.Endpoint = sess.ep.Key()
	}
	if sess.proc.IsPlayback() {
		info.Usage = string(cfg.Usage)
		info.Scene = cfg.EffectScene()
	}
	if state, zoneID, ok := s.arbiter.SessionState(sess.SessionID()); ok {
		info.Focus = state.String()
		info.ZoneID = zoneID
	}
	return info
}

// Sessions lists live sessions by session id.
func (s *AudioService) Sessions() []SessionInfo {
	var out []SessionInfo
	s.sessions.Range(func(_ uint32, sess *Session) bool {
		out = append(out, s.info(sess))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SessionCount is the number of live sessions.
func (s *AudioService) SessionCount() int {
	return s.sessions.Size()
}

// Close releases every session at once, then stops the endpoints, the
// policy queue and the arbiter.
func (s *AudioService) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.logger.LogComponentStopping()
	var live []*Session
	s.sessions.Range(func(_ uint32, sess *Session) bool {
		live = append(live, sess)
		return true
	})
	for _, sess := range live {
		if err := sess.Release(true); err != nil && !errors.Is(err, stream.ErrIllegalState) {
			s.logger.LogError(err, "release on close failed")
		}
	}
	s.pool.Close()
	s.queue.Shutdown(true)
	s.arbiter.Close()
	s.logger.LogComponentStopped()
}
