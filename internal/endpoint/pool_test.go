package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, keepWarm time.Duration) *Pool {
	t.Helper()
	p := NewPool(PoolOptions{
		Template:        Options{Format: stereo48k, WaitTimeout: 5 * time.Millisecond},
		KeepWarmTimeout: keepWarm,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPool(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "shares endpoint per device key",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 0)
				a, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				b, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				assert.Same(t, a, b)
				assert.True(t, a.IsRunning())

				in, err := p.GetOrCreate(mic)
				require.NoError(t, err)
				assert.NotSame(t, a, in)
				assert.Len(t, p.Endpoints(), 2)
			},
		},
		{
			name: "last release closes immediately without keep warm",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 0)
				ep, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				_, err = p.GetOrCreate(speaker)
				require.NoError(t, err)

				p.Release(ep, false)
				_, ok := p.Get(speaker.Key())
				assert.True(t, ok)
				p.Release(ep, false)
				_, ok = p.Get(speaker.Key())
				assert.False(t, ok)
				assert.False(t, ep.IsRunning())
			},
		},
		{
			name: "keep warm expires",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 20*time.Millisecond)
				ep, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				p.Release(ep, false)

				_, ok := p.Get(speaker.Key())
				assert.True(t, ok)
				assert.True(t, ep.IsRunning())
				require.Eventually(t, func() bool {
					_, ok := p.Get(speaker.Key())
					return !ok
				}, time.Second, 5*time.Millisecond)
				assert.False(t, ep.IsRunning())
			},
		},
		{
			name: "reuse cancels keep warm",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 30*time.Millisecond)
				ep, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				p.Release(ep, false)
				again, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				assert.Same(t, ep, again)

				time.Sleep(60 * time.Millisecond)
				_, ok := p.Get(speaker.Key())
				assert.True(t, ok)
				assert.True(t, ep.IsRunning())
			},
		},
		{
			name: "destroy at once skips keep warm",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, time.Hour)
				ep, err := p.GetOrCreate(speaker)
				require.NoError(t, err)
				p.Release(ep, true)
				_, ok := p.Get(speaker.Key())
				assert.False(t, ok)
				assert.False(t, ep.IsRunning())
			},
		},
		{
			name: "device format overrides template",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 0)
				dev := speaker
				dev.Type = audiotype.DeviceUSBHeadset
				dev.SampleRate = 16000
				dev.Channels = 1
				ep, err := p.GetOrCreate(dev)
				require.NoError(t, err)
				assert.Equal(t, 16000, ep.Format().SampleRate)
				assert.Equal(t, 1, ep.Format().Channels)
				assert.Equal(t, 320, ep.SpanFrames())
			},
		},
		{
			name: "sink factory failure",
			testFunc: func(t *testing.T) {
				boom := errors.New("no such card")
				p := NewPool(PoolOptions{
					Template:    Options{Format: stereo48k},
					SinkFactory: func(audiotype.DeviceInfo) (Sink, error) { return nil, boom },
				})
				defer p.Close()
				_, err := p.GetOrCreate(speaker)
				assert.ErrorIs(t, err, boom)
				assert.Empty(t, p.Endpoints())
			},
		},
		{
			name: "closed pool refuses endpoints",
			testFunc: func(t *testing.T) {
				p := newTestPool(t, 0)
				p.Close()
				_, err := p.GetOrCreate(speaker)
				assert.ErrorIs(t, err, ErrNotRunning)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestPoolStreamVolume(t *testing.T) {
	p := newTestPool(t, 0)
	ep, err := p.GetOrCreate(speaker)
	require.NoError(t, err)

	proc, err := stream.NewProcessInServer(playback(audiotype.UsageMusic), 7, stream.Options{})
	require.NoError(t, err)
	_, err = proc.ConfigProcessBuffer(4*960, 960)
	require.NoError(t, err)
	require.NoError(t, ep.LinkProcess(proc))
	t.Cleanup(func() {
		ep.UnlinkProcess(proc)
		proc.Release(true)
	})

	v, ok := p.GetStreamVolume(7)
	require.True(t, ok)
	assert.Equal(t, float32(1), v)

	assert.True(t, p.SetStreamVolume(7, 0.2))
	v, _ = p.GetStreamVolume(7)
	assert.InDelta(t, 0.2, v, 1e-6)
	assert.Equal(t, float32(0.2), proc.DuckVolume())

	assert.False(t, p.SetStreamVolume(8, 0.5))
	_, ok = p.GetStreamVolume(8)
	assert.False(t, ok)
}
