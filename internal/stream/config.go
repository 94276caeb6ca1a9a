package stream

import (
	"fmt"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
)

// Status aliases the shared stream status so callers need not import ringbuffer.
type Status = ringbuffer.StreamStatus

const (
	StatusIdle     = ringbuffer.StreamIdle
	StatusStarting = ringbuffer.StreamStarting
	StatusStarted  = ringbuffer.StreamStarted
	StatusPausing  = ringbuffer.StreamPausing
	StatusPaused   = ringbuffer.StreamPaused
	StatusStopping = ringbuffer.StreamStopping
	StatusStopped  = ringbuffer.StreamStopped
	StatusStandBy  = ringbuffer.StreamStandBy
	StatusReleased = ringbuffer.StreamReleased
)

// ProcessConfig is what a client asks for when it creates a stream.
type ProcessConfig struct {
	Mode          audiotype.AudioMode     `json:"mode"`
	Usage         audiotype.StreamUsage   `json:"usage"`
	ContentType   audiotype.ContentType   `json:"content_type"`
	SourceType    audiotype.SourceType    `json:"source_type,omitempty"`
	Format        ringbuffer.StreamFormat `json:"format"`
	ChannelLayout audiotype.ChannelLayout `json:"channel_layout"`
	AppInfo       audiotype.AppInfo       `json:"app_info"`
	// SceneType overrides the effect scene derived from Usage.
	SceneType string `json:"scene_type,omitempty"`
}

// Validate rejects configs the server cannot serve.
func (c ProcessConfig) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if c.Mode == audiotype.ModeRecord && c.SourceType == audiotype.SourceNone {
		return fmt.Errorf("%w: capture stream without source type", ErrInvalidParam)
	}
	if c.ChannelLayout != audiotype.LayoutUnknown && c.ChannelLayout.Channels() != c.Format.Channels {
		return fmt.Errorf("%w: layout has %d channels, format %d", ErrInvalidParam, c.ChannelLayout.Channels(), c.Format.Channels)
	}
	return nil
}

// StreamType is the focus category of the stream.
func (c ProcessConfig) StreamType() audiotype.StreamType {
	return c.Usage.StreamType()
}

// EffectScene is the effect scene type processing this stream.
func (c ProcessConfig) EffectScene() string {
	if c.SceneType != "" {
		return c.SceneType
	}
	return c.Usage.SceneType()
}

// Layout returns the configured layout or the default for the channel count.
func (c ProcessConfig) Layout() audiotype.ChannelLayout {
	if c.ChannelLayout != audiotype.LayoutUnknown {
		return c.ChannelLayout
	}
	return audiotype.DefaultLayout(c.Format.Channels)
}
