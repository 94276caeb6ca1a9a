// Package policy is the boundary between the audio server's data plane and
// the policy service: device routing, shared volume, capturer bookkeeping,
// pipe concurrency and focus requests.
package policy

import (
	"errors"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
)

var ErrUnknownPipe = errors.New("unknown pipe type")

// CapturerInfo describes a running capture stream.
type CapturerInfo struct {
	SessionID  uint32               `json:"session_id"`
	SourceType audiotype.SourceType `json:"source_type"`
	AppInfo    audiotype.AppInfo    `json:"app_info"`
}

// Handler is what the server core needs from the policy service. A failed
// call surfaces as stream.ErrOperationFailed and is not retried here.
type Handler interface {
	GetProcessDeviceInfo(cfg stream.ProcessConfig) (audiotype.DeviceInfo, error)
	InitSharedVolume() (*SharedVolume, error)
	NotifyCapturerAdded(info CapturerInfo) error
	NotifyCapturerRemoved(sessionID uint32) error
	IsAbsVolumeSupported() bool
	ActivateConcurrency(pipe audiotype.PipeType) error
	ActivateAudioInterrupt(ai interrupt.AudioInterrupt) error
	DeactivateAudioInterrupt(ai interrupt.AudioInterrupt) error
}
