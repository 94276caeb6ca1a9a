package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation errors
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidDuration      = errors.New("invalid duration")
	ErrInvalidSessionRange  = errors.New("invalid session id range")
	ErrInvalidFocusRule     = errors.New("invalid focus rule")
	ErrInvalidSceneChain    = errors.New("invalid scene chain mapping")
)

// FocusRule is one row of the focus compatibility table. Focus types are
// written as a stream type name ("MUSIC") for playback or "capture:<SOURCE>"
// for recording.
type FocusRule struct {
	Existing string `mapstructure:"existing" json:"existing"`
	Incoming string `mapstructure:"incoming" json:"incoming"`
	// ActionOn is "current" or "incoming".
	ActionOn string `mapstructure:"action_on" json:"action_on"`
	// Hint is one of "none", "pause", "duck", "stop".
	Hint string `mapstructure:"hint" json:"hint"`
	// Force is "force" or "share".
	Force  string `mapstructure:"force" json:"force"`
	Reject bool   `mapstructure:"reject" json:"reject"`
}

// SceneChain maps a scene/mode/device tuple to a chain name. An empty Device
// matches every device.
type SceneChain struct {
	Scene  string `mapstructure:"scene" json:"scene"`
	Mode   string `mapstructure:"mode" json:"mode"`
	Device string `mapstructure:"device" json:"device"`
	Chain  string `mapstructure:"chain" json:"chain"`
}

// Config centralizes every tunable of the audio server.
type Config struct {
	// Logging
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string
	// LogFile enables a rotated log file in addition to stderr when set.
	LogFile string
	// LogMaxSizeKB is the rotation threshold for LogFile.
	LogMaxSizeKB int64

	// Control surface
	// HTTPListen is the listen address for the inspection API and /metrics.
	// Empty disables the HTTP server.
	HTTPListen string

	// Telemetry
	// NATSURL enables NATS telemetry publishing when set.
	NATSURL string
	// NATSSubject is the subject prefix for telemetry events.
	NATSSubject string

	// Server working format
	// SampleRate is the mixing rate of output endpoints in Hz.
	SampleRate int
	// Channels is the mixing channel count of output endpoints.
	Channels int

	// Ring buffer geometry
	// SpanDuration is the time window covered by one span.
	// Impact: smaller spans lower latency but raise wakeup rate.
	SpanDuration time.Duration
	// SpanCount is the number of spans per ring buffer.
	SpanCount int

	// FutexWaitTimeout bounds a single drain-loop wait on a ring buffer.
	// A timeout is reported as a transient underrun.
	FutexWaitTimeout time.Duration

	// Endpoint lifecycle
	// KeepWarmTimeout is how long an endpoint with no linked process stays
	// open after Release(destroyAtOnce=false) before it is closed.
	KeepWarmTimeout time.Duration
	// StandbyIdleCycles is the number of consecutive empty drain cycles after
	// which a started process is moved to STAND_BY.
	StandbyIdleCycles int
	// DumpDir, when set, makes output endpoints write WAV dumps there instead of discarding.
	DumpDir string

	// Session ids
	SessionIDFirst uint32
	SessionIDMax   uint32

	// Interrupt arbitration
	// DuckVolume is the linear volume ceiling applied to a ducked stream.
	DuckVolume float32
	// ListenerQueueSize is the capacity of each per-session event channel.
	ListenerQueueSize int
	// FocusRules replaces the built-in focus table when non-empty.
	FocusRules []FocusRule

	// Effect chains
	// EffectChains maps a chain name to its ordered effect names.
	EffectChains map[string][]string
	// SceneChains resolves scene/mode/device to a chain name.
	SceneChains []SceneChain
	// PriorScenes always get a dedicated chain.
	PriorScenes []string
	// NormalSceneLimit caps dedicated chains for non-prior scenes.
	NormalSceneLimit int
	// DefaultScene is the scene that overflow and unknown scenes share.
	DefaultScene string
	// ResidentScenes keep a warm chain after their last session detaches.
	ResidentScenes []string

	// Policy
	// EventQueueSize is the capacity of the policy event queue.
	EventQueueSize int

	// Scheduling
	EnableRealtime   bool
	RealtimePriority int
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		LogMaxSizeKB:      1024,
		HTTPListen:        "127.0.0.1:8640",
		NATSSubject:       "audio.telemetry",
		SampleRate:        48000,
		Channels:          2,
		SpanDuration:      20 * time.Millisecond,
		SpanCount:         4,
		FutexWaitTimeout:  40 * time.Millisecond,
		KeepWarmTimeout:   30 * time.Second,
		StandbyIdleCycles: 50,
		SessionIDFirst:    100000,
		SessionIDMax:      0xFFFFFF00,
		DuckVolume:        0.2,
		ListenerQueueSize: 64,
		EffectChains: map[string][]string{
			"EFFECTCHAIN_MUSIC":   {"bass", "gain", "limiter"},
			"EFFECTCHAIN_MOVIE":   {"upmix", "gain", "limiter"},
			"EFFECTCHAIN_VOICE":   {"gain", "limiter"},
			"EFFECTCHAIN_DEFAULT": {"limiter"},
		},
		SceneChains: []SceneChain{
			{Scene: "SCENE_MUSIC", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_MUSIC"},
			{Scene: "SCENE_MOVIE", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_MOVIE"},
			{Scene: "SCENE_SPEECH", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_VOICE"},
			{Scene: "SCENE_VOIP_DOWN", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_VOICE"},
			{Scene: "SCENE_GAME", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_MUSIC"},
			{Scene: "SCENE_RING", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_DEFAULT"},
			{Scene: "SCENE_OTHERS", Mode: "EFFECT_DEFAULT", Chain: "EFFECTCHAIN_DEFAULT"},
		},
		PriorScenes:      []string{"SCENE_VOIP_DOWN"},
		NormalSceneLimit: 3,
		DefaultScene:     "SCENE_OTHERS",
		ResidentScenes:   []string{"SCENE_MUSIC"},
		EventQueueSize:   256,
		EnableRealtime:   true,
		RealtimePriority: 1,
	}
}

// SpanSizeInFrames returns the number of frames per span at the given rate.
func (c *Config) SpanSizeInFrames(sampleRate int) uint32 {
	frames := int64(sampleRate) * int64(c.SpanDuration) / int64(time.Second)
	if frames <= 0 {
		frames = 1
	}
	return uint32(frames)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("%w: sample rate %d channels %d", ErrInvalidConfiguration, c.SampleRate, c.Channels)
	}
	if c.SpanDuration <= 0 || c.SpanCount < 2 {
		return fmt.Errorf("%w: span duration %s span count %d", ErrInvalidConfiguration, c.SpanDuration, c.SpanCount)
	}
	if c.FutexWaitTimeout <= 0 || c.KeepWarmTimeout < 0 {
		return fmt.Errorf("%w: futex timeout %s keep warm %s", ErrInvalidDuration, c.FutexWaitTimeout, c.KeepWarmTimeout)
	}
	if c.SessionIDFirst == 0 || c.SessionIDMax <= c.SessionIDFirst {
		return fmt.Errorf("%w: first %d max %d", ErrInvalidSessionRange, c.SessionIDFirst, c.SessionIDMax)
	}
	if c.DuckVolume < 0 || c.DuckVolume > 1 {
		return fmt.Errorf("%w: duck volume %f", ErrInvalidConfiguration, c.DuckVolume)
	}
	if c.ListenerQueueSize <= 0 || c.EventQueueSize <= 0 {
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfiguration)
	}
	for i, r := range c.FocusRules {
		if r.Existing == "" || r.Incoming == "" {
			return fmt.Errorf("%w: rule %d missing focus type", ErrInvalidFocusRule, i)
		}
		switch strings.ToLower(r.ActionOn) {
		case "", "current", "incoming":
		default:
			return fmt.Errorf("%w: rule %d action_on %q", ErrInvalidFocusRule, i, r.ActionOn)
		}
	}
	for i, sc := range c.SceneChains {
		if sc.Scene == "" || sc.Chain == "" {
			return fmt.Errorf("%w: entry %d", ErrInvalidSceneChain, i)
		}
		if _, ok := c.EffectChains[sc.Chain]; !ok {
			return fmt.Errorf("%w: entry %d references unknown chain %q", ErrInvalidSceneChain, i, sc.Chain)
		}
	}
	if c.NormalSceneLimit < 0 {
		return fmt.Errorf("%w: normal scene limit %d", ErrInvalidConfiguration, c.NormalSceneLimit)
	}
	return nil
}
