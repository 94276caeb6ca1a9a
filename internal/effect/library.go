// Package effect maintains the software effect chains applied to each audio
// scene and the registry of effect implementations they are built from.
package effect

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
)

var (
	ErrInvalidParam  = errors.New("invalid parameter")
	ErrUnknownEffect = errors.New("unknown effect")
	ErrChainNotFound = errors.New("effect chain not found")
)

// IOConfig is the buffer shape a stage processes.
type IOConfig struct {
	SampleRate int
	Channels   int
	Layout     audiotype.ChannelLayout
}

// Handle is one initialized effect stage.
type Handle interface {
	Name() string
	SetConfig(cfg IOConfig) error
	SetParam(key string, value float64) error
	Enable(enabled bool)
	// Process works in place on interleaved samples.
	Process(buf []float32, frames, channels int)
	Release()
}

// Factory creates a fresh, unconfigured stage.
type Factory func() Handle

// Library is the effect registry chains resolve stage names against.
type Library struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewLibrary() *Library {
	return &Library{factories: make(map[string]Factory)}
}

// NewBuiltinLibrary returns a library holding the built-in software effects.
func NewBuiltinLibrary() *Library {
	lib := NewLibrary()
	lib.Register("gain", func() Handle { return newGain() })
	lib.Register("limiter", func() Handle { return newLimiter() })
	lib.Register("bass", func() Handle { return newBass() })
	lib.Register("upmix", func() Handle { return newUpmix() })
	return lib
}

// Register adds or replaces an effect.
func (l *Library) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Create instantiates the named effect.
func (l *Library) Create(name string) (Handle, error) {
	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEffect, name)
	}
	return f(), nil
}

// Names lists registered effects in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
