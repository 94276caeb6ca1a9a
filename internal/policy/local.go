package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
)

var _ Handler = (*Local)(nil)

// LocalOptions configures Local.
type LocalOptions struct {
	// Output and Input are the default devices.
	Output audiotype.DeviceInfo
	Input  audiotype.DeviceInfo
	// AbsVolume reports absolute volume support of the active output.
	AbsVolume bool
}

// Local is the in-process policy service. It routes streams by usage,
// keeps the shared volume table and forwards focus requests to the
// interrupt arbiter in the zone of the requesting pid.
type Local struct {
	arbiter *interrupt.Service
	volume  *SharedVolume

	mu        sync.Mutex
	output    audiotype.DeviceInfo
	input     audiotype.DeviceInfo
	routes    map[audiotype.StreamUsage]audiotype.DeviceInfo
	absVolume bool
	capturers map[uint32]CapturerInfo
	pipes     map[audiotype.PipeType]int

	logger *logging.ComponentLogger
}

func NewLocal(arbiter *interrupt.Service, opts LocalOptions) *Local {
	if opts.Output.Type == "" {
		opts.Output = audiotype.DeviceInfo{Type: audiotype.DeviceSpeaker, Role: audiotype.RoleOutput}
	}
	if opts.Input.Type == "" {
		opts.Input = audiotype.DeviceInfo{Type: audiotype.DeviceMic, Role: audiotype.RoleInput}
	}
	opts.Output.Role = audiotype.RoleOutput
	opts.Input.Role = audiotype.RoleInput
	return &Local{
		arbiter:   arbiter,
		volume:    NewSharedVolume(),
		output:    opts.Output,
		input:     opts.Input,
		routes:    make(map[audiotype.StreamUsage]audiotype.DeviceInfo),
		absVolume: opts.AbsVolume,
		capturers: make(map[uint32]CapturerInfo),
		pipes:     make(map[audiotype.PipeType]int),
		logger:    logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentPolicy),
	}
}

// SetRoute sends playback streams of usage to device instead of the default output.
func (l *Local) SetRoute(usage audiotype.StreamUsage, device audiotype.DeviceInfo) {
	device.Role = audiotype.RoleOutput
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes[usage] = device
}

// SetOutputDevice changes the default output device.
func (l *Local) SetOutputDevice(device audiotype.DeviceInfo) {
	device.Role = audiotype.RoleOutput
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = device
}

func (l *Local) GetProcessDeviceInfo(cfg stream.ProcessConfig) (audiotype.DeviceInfo, error) {
	if err := cfg.Validate(); err != nil {
		return audiotype.DeviceInfo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.Mode == audiotype.ModeRecord {
		return l.input, nil
	}
	if dev, ok := l.routes[cfg.Usage]; ok {
		return dev, nil
	}
	return l.output, nil
}

func (l *Local) InitSharedVolume() (*SharedVolume, error) {
	return l.volume, nil
}

func (l *Local) NotifyCapturerAdded(info CapturerInfo) error {
	if info.SessionID == 0 {
		return fmt.Errorf("%w: capturer without session id", stream.ErrInvalidParam)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capturers[info.SessionID] = info
	l.logger.Logger().Info().Uint32("session_id", info.SessionID).Str("source", string(info.SourceType)).Msg("capturer added")
	return nil
}

func (l *Local) NotifyCapturerRemoved(sessionID uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.capturers[sessionID]; !ok {
		return nil
	}
	delete(l.capturers, sessionID)
	l.logger.Logger().Info().Uint32("session_id", sessionID).Msg("capturer removed")
	return nil
}

// Capturers lists running capturers by session id.
func (l *Local) Capturers() []CapturerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CapturerInfo, 0, len(l.capturers))
	for _, c := range l.capturers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (l *Local) IsAbsVolumeSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.absVolume
}

// ActivateConcurrency records a stream entering pipe. Offload and low
// latency output cannot run together.
func (l *Local) ActivateConcurrency(pipe audiotype.PipeType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch pipe {
	case audiotype.PipeNormalOut, audiotype.PipeNormalIn, audiotype.PipeCallIn:
	case audiotype.PipeOffload:
		if l.pipes[audiotype.PipeLowLatency] > 0 {
			return fmt.Errorf("%w: offload while low latency pipe is active", stream.ErrOperationFailed)
		}
	case audiotype.PipeLowLatency:
		if l.pipes[audiotype.PipeOffload] > 0 {
			return fmt.Errorf("%w: low latency while offload pipe is active", stream.ErrOperationFailed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPipe, pipe)
	}
	l.pipes[pipe]++
	return nil
}

// DeactivateConcurrency undoes one ActivateConcurrency.
func (l *Local) DeactivateConcurrency(pipe audiotype.PipeType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pipes[pipe] > 0 {
		l.pipes[pipe]--
	}
}

func (l *Local) ActivateAudioInterrupt(ai interrupt.AudioInterrupt) error {
	return l.arbiter.ActivateAudioInterrupt(l.arbiter.ZoneOf(ai.Pid), ai)
}

// DeactivateAudioInterrupt removes the request from the zone that holds it,
// falling back to the pid's zone.
func (l *Local) DeactivateAudioInterrupt(ai interrupt.AudioInterrupt) error {
	zoneID := l.arbiter.ZoneOf(ai.Pid)
	if _, z, ok := l.arbiter.SessionState(ai.SessionID); ok {
		zoneID = z
	}
	return l.arbiter.DeactivateAudioInterrupt(zoneID, ai)
}
