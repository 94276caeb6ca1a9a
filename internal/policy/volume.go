package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
)

// SharedVolume is the per stream type volume table shared between the policy
// service and the server.
type SharedVolume struct {
	mu      sync.RWMutex
	volumes map[audiotype.StreamType]float32
	muted   map[audiotype.StreamType]bool
}

func NewSharedVolume() *SharedVolume {
	return &SharedVolume{
		volumes: make(map[audiotype.StreamType]float32),
		muted:   make(map[audiotype.StreamType]bool),
	}
}

// Volume returns the linear volume of st, 1 when never set.
func (v *SharedVolume) Volume(st audiotype.StreamType) float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if vol, ok := v.volumes[st]; ok {
		return vol
	}
	return 1
}

func (v *SharedVolume) SetVolume(st audiotype.StreamType, vol float32) error {
	if vol < 0 || vol > 1 {
		return fmt.Errorf("%w: volume %f", stream.ErrInvalidParam, vol)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volumes[st] = vol
	return nil
}

func (v *SharedVolume) Muted(st audiotype.StreamType) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.muted[st]
}

func (v *SharedVolume) SetMuted(st audiotype.StreamType, mute bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.muted[st] = mute
}

// Effective is the gain applied to a stream of type st, zero when muted.
func (v *SharedVolume) Effective(st audiotype.StreamType) float32 {
	if v.Muted(st) {
		return 0
	}
	return v.Volume(st)
}

// VolumeEntry is one row of Snapshot.
type VolumeEntry struct {
	StreamType audiotype.StreamType `json:"stream_type"`
	Volume     float32              `json:"volume"`
	Muted      bool                 `json:"muted"`
}

// Snapshot lists every stream type with a volume or mute set.
func (v *SharedVolume) Snapshot() []VolumeEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := make(map[audiotype.StreamType]struct{})
	for st := range v.volumes {
		seen[st] = struct{}{}
	}
	for st := range v.muted {
		seen[st] = struct{}{}
	}
	out := make([]VolumeEntry, 0, len(seen))
	for st := range seen {
		vol, ok := v.volumes[st]
		if !ok {
			vol = 1
		}
		out = append(out, VolumeEntry{StreamType: st, Volume: vol, Muted: v.muted[st]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamType < out[j].StreamType })
	return out
}
