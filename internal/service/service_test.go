package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/interrupt"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/policy"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereo48k = ringbuffer.StreamFormat{SampleRate: 48000, Channels: 2, Sample: ringbuffer.SampleS16LE}

func newTestService(t *testing.T, observer StateObserver) *AudioService {
	t.Helper()
	return newTestServiceWith(t, Options{Observer: observer})
}

func newTestServiceWith(t *testing.T, opts Options) *AudioService {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.EnableRealtime = false
	cfg.KeepWarmTimeout = 50 * time.Millisecond
	opts.Config = cfg
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

// limitedCapture grants the first allowed background capture checks and
// refuses the rest.
type limitedCapture struct {
	stream.AllowAll
	allowed int32
	checks  atomic.Int32
}

func (l *limitedCapture) VerifyBackgroundCapture(audiotype.AppInfo, audiotype.SourceType) (bool, error) {
	return l.checks.Add(1) <= l.allowed, nil
}

func playback(usage audiotype.StreamUsage, pid int32) stream.ProcessConfig {
	return stream.ProcessConfig{
		Mode:    audiotype.ModePlayback,
		Usage:   usage,
		Format:  stereo48k,
		AppInfo: audiotype.AppInfo{Pid: pid},
	}
}

func capture(source audiotype.SourceType, pid int32) stream.ProcessConfig {
	return stream.ProcessConfig{
		Mode:       audiotype.ModeRecord,
		SourceType: source,
		Format:     stereo48k,
		AppInfo:    audiotype.AppInfo{Pid: pid},
	}
}

// startClient creates a session and starts it through a client.
func startClient(t *testing.T, svc *AudioService, cfg stream.ProcessConfig) (*Session, *stream.ProcessClient) {
	t.Helper()
	sess, err := svc.CreateProcess(cfg)
	require.NoError(t, err)
	client, err := sess.NewClient()
	require.NoError(t, err)
	require.NoError(t, client.Start())
	return sess, client
}

type eventRecorder struct {
	mu     sync.Mutex
	events []interrupt.InterruptEvent
}

func (r *eventRecorder) OnInterrupt(ev interrupt.InterruptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) wait(t *testing.T, n int) []interrupt.InterruptEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.events) >= n
	}, time.Second, time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interrupt.InterruptEvent(nil), r.events[:n]...)
}

func TestCreateAndRelease(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "playback session is linked and attached to its scene",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				sess, err := svc.CreateProcess(playback(audiotype.UsageMusic, 10))
				require.NoError(t, err)

				require.NotNil(t, sess.Endpoint())
				assert.True(t, sess.Endpoint().IsPlayback())
				assert.Equal(t, 1, sess.Endpoint().LinkedCount())
				assert.True(t, svc.Effects().ExistAudioEffectChain(audiotype.SceneMusic))
				assert.Equal(t, 1, svc.SessionCount())

				infos := svc.Sessions()
				require.Len(t, infos, 1)
				assert.Equal(t, sess.SessionID(), infos[0].SessionID)
				assert.Equal(t, string(audiotype.UsageMusic), infos[0].Usage)
				assert.Equal(t, audiotype.SceneMusic, infos[0].Scene)
				assert.Equal(t, stream.StatusIdle.String(), infos[0].Status)
				assert.Equal(t, sess.Endpoint().Key(), infos[0].Endpoint)
				assert.Empty(t, infos[0].Focus)

				key := sess.Endpoint().Key()
				ep := sess.Endpoint()
				require.NoError(t, sess.Release(false))
				assert.Equal(t, 0, svc.SessionCount())
				assert.Equal(t, 0, ep.LinkedCount())
				_, err = svc.Session(sess.SessionID())
				assert.ErrorIs(t, err, ErrSessionNotFound)

				_, warm := svc.Pool().Get(key)
				assert.True(t, warm, "endpoint stays warm after a deferred release")
				require.Eventually(t, func() bool {
					_, ok := svc.Pool().Get(key)
					return !ok
				}, time.Second, 5*time.Millisecond)
			},
		},
		{
			name: "destroy at once closes the endpoint",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				sess, err := svc.CreateProcess(playback(audiotype.UsageMovie, 10))
				require.NoError(t, err)
				key := sess.Endpoint().Key()
				require.NoError(t, sess.Release(true))
				_, ok := svc.Pool().Get(key)
				assert.False(t, ok)
			},
		},
		{
			name: "session ids start at the configured first id and increase",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				a, err := svc.CreateProcess(playback(audiotype.UsageMusic, 10))
				require.NoError(t, err)
				b, err := svc.CreateProcess(playback(audiotype.UsageMusic, 11))
				require.NoError(t, err)
				assert.Equal(t, svc.Config().SessionIDFirst, a.SessionID())
				assert.Greater(t, b.SessionID(), a.SessionID())
				assert.Same(t, a.Endpoint(), b.Endpoint())
				assert.Equal(t, 2, a.Endpoint().LinkedCount())
			},
		},
		{
			name: "invalid config creates nothing",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				_, err := svc.CreateProcess(capture(audiotype.SourceNone, 10))
				assert.ErrorIs(t, err, stream.ErrInvalidParam)
				assert.Equal(t, 0, svc.SessionCount())
				assert.Empty(t, svc.Pool().Endpoints())
			},
		},
		{
			name: "second release is illegal",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				sess, err := svc.CreateProcess(playback(audiotype.UsageMusic, 10))
				require.NoError(t, err)
				require.NoError(t, sess.Release(true))
				assert.ErrorIs(t, sess.Release(true), stream.ErrIllegalState)
			},
		},
		{
			name: "capture sessions are reported to the policy service",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				local, ok := svc.Policy().(*policy.Local)
				require.True(t, ok)

				sess, err := svc.CreateProcess(capture(audiotype.SourceMic, 10))
				require.NoError(t, err)
				assert.False(t, sess.Endpoint().IsPlayback())
				require.Eventually(t, func() bool { return len(local.Capturers()) == 1 }, time.Second, time.Millisecond)
				assert.Equal(t, sess.SessionID(), local.Capturers()[0].SessionID)

				require.NoError(t, sess.Release(true))
				require.Eventually(t, func() bool { return len(local.Capturers()) == 0 }, time.Second, time.Millisecond)
			},
		},
		{
			name: "closed service releases sessions and refuses new ones",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				sess, err := svc.CreateProcess(playback(audiotype.UsageMusic, 10))
				require.NoError(t, err)

				svc.Close()
				assert.Equal(t, 0, svc.SessionCount())
				assert.Equal(t, stream.StatusReleased, sess.Process().Status())
				_, err = svc.CreateProcess(playback(audiotype.UsageMusic, 10))
				assert.ErrorIs(t, err, ErrServiceClosed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestFocusFlow(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "second media stream force pauses the first until it is released",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				first, firstClient := startClient(t, svc, playback(audiotype.UsageMusic, 10))
				rec := &eventRecorder{}
				first.SetInterruptCallback(rec)

				_, secondClient := startClient(t, svc, playback(audiotype.UsageMovie, 11))
				require.Eventually(t, func() bool {
					return first.Process().Status() == stream.StatusPaused
				}, time.Second, time.Millisecond)
				paused := rec.wait(t, 1)[0]
				assert.Equal(t, interrupt.HintPause, paused.Hint)
				assert.Equal(t, interrupt.ForceForce, paused.ForceType)

				require.NoError(t, secondClient.Release())
				resumed := rec.wait(t, 2)[1]
				assert.Equal(t, interrupt.HintResume, resumed.Hint)
				assert.Equal(t, interrupt.ForceShare, resumed.ForceType)

				require.NoError(t, firstClient.Resume())
				assert.Contains(t, []stream.Status{stream.StatusStarting, stream.StatusStarted}, first.Process().Status())
			},
		},
		{
			name: "active voice call rejects media",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				startClient(t, svc, playback(audiotype.UsageVoiceCommunication, 10))

				music, err := svc.CreateProcess(playback(audiotype.UsageMusic, 11))
				require.NoError(t, err)
				client, err := music.NewClient()
				require.NoError(t, err)
				assert.ErrorIs(t, client.Start(), interrupt.ErrFocusDenied)
				assert.Equal(t, stream.StatusIdle, music.Process().Status())
				_, _, held := svc.Arbiter().SessionState(music.SessionID())
				assert.False(t, held)
			},
		},
		{
			name: "navigation ducks media and the volume comes back on release",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				music, _ := startClient(t, svc, playback(audiotype.UsageMusic, 10))
				_, navClient := startClient(t, svc, playback(audiotype.UsageNavigation, 11))

				assert.InDelta(t, svc.Config().DuckVolume, music.Process().DuckVolume(), 1e-6)
				assert.Equal(t, stream.StatusStarting, music.Process().Status())

				require.NoError(t, navClient.Release())
				assert.InDelta(t, 1.0, music.Process().DuckVolume(), 1e-6)
			},
		},
		{
			name: "media started during a ring is held pending",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				_, ringClient := startClient(t, svc, playback(audiotype.UsageRingtone, 10))
				music, _ := startClient(t, svc, playback(audiotype.UsageMusic, 11))
				rec := &eventRecorder{}
				music.SetInterruptCallback(rec)

				assert.Equal(t, stream.StatusPaused, music.Process().Status())
				state, _, ok := svc.Arbiter().SessionState(music.SessionID())
				require.True(t, ok)
				assert.Equal(t, interrupt.StatePending, state)

				require.NoError(t, ringClient.Release())
				require.Eventually(t, func() bool {
					state, _, _ := svc.Arbiter().SessionState(music.SessionID())
					return state == interrupt.StateActive
				}, time.Second, time.Millisecond)
			},
		},
		{
			name: "app pause gives focus back",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				music, client := startClient(t, svc, playback(audiotype.UsageMusic, 10))
				_, _, ok := svc.Arbiter().SessionState(music.SessionID())
				require.True(t, ok)

				require.NoError(t, client.Pause(false))
				_, _, ok = svc.Arbiter().SessionState(music.SessionID())
				assert.False(t, ok)

				require.NoError(t, client.Resume())
				state, _, ok := svc.Arbiter().SessionState(music.SessionID())
				require.True(t, ok)
				assert.Equal(t, interrupt.StateActive, state)
			},
		},
		{
			name: "refused resume gives focus back",
			testFunc: func(t *testing.T) {
				svc := newTestServiceWith(t, Options{Permissions: &limitedCapture{allowed: 1}})
				mic, client := startClient(t, svc, capture(audiotype.SourceMic, 10))
				require.NoError(t, client.Pause(false))

				assert.ErrorIs(t, client.Resume(), stream.ErrPermissionDenied)
				assert.Equal(t, stream.StatusPaused, mic.Process().Status())
				_, _, held := svc.Arbiter().SessionState(mic.SessionID())
				assert.False(t, held)
			},
		},
		{
			name: "refused start gives focus back",
			testFunc: func(t *testing.T) {
				svc := newTestServiceWith(t, Options{Permissions: &limitedCapture{allowed: 0}})
				mic, err := svc.CreateProcess(capture(audiotype.SourceMic, 10))
				require.NoError(t, err)
				client, err := mic.NewClient()
				require.NoError(t, err)

				assert.ErrorIs(t, client.Start(), stream.ErrPermissionDenied)
				_, _, held := svc.Arbiter().SessionState(mic.SessionID())
				assert.False(t, held)
			},
		},
		{
			name: "failed start keeps focus the session already held",
			testFunc: func(t *testing.T) {
				svc := newTestServiceWith(t, Options{Permissions: &limitedCapture{allowed: 1}})
				mic, _ := startClient(t, svc, capture(audiotype.SourceMic, 10))

				// A second start fails either on state or on the capture re-check.
				require.Error(t, mic.Start())
				state, _, held := svc.Arbiter().SessionState(mic.SessionID())
				require.True(t, held)
				assert.Equal(t, interrupt.StateActive, state)
			},
		},
		{
			name: "release removes the session from its zone",
			testFunc: func(t *testing.T) {
				svc := newTestService(t, nil)
				require.NoError(t, svc.Arbiter().CreateAudioInterruptZone(1, []int32{20}))
				music, client := startClient(t, svc, playback(audiotype.UsageMusic, 20))

				list, err := svc.Arbiter().GetAudioFocusInfoList(1)
				require.NoError(t, err)
				require.Len(t, list, 1)
				assert.Equal(t, music.SessionID(), list[0].Interrupt.SessionID)
				assert.Equal(t, int32(1), svc.Sessions()[0].ZoneID)

				require.NoError(t, client.Release())
				list, err = svc.Arbiter().GetAudioFocusInfoList(1)
				require.NoError(t, err)
				assert.Empty(t, list)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

type stateCollector struct {
	mu     sync.Mutex
	states []StreamState
}

func (c *stateCollector) OnStreamState(ev StreamStateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, ev.State)
}

func (c *stateCollector) snapshot() []StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StreamState(nil), c.states...)
}

func TestStateObserver(t *testing.T) {
	collector := &stateCollector{}
	svc := newTestService(t, collector)
	_, client := startClient(t, svc, playback(audiotype.UsageMusic, 10))
	require.NoError(t, client.Pause(false))
	require.NoError(t, client.Resume())
	require.NoError(t, client.Stop())
	require.NoError(t, client.Release())

	assert.Equal(t, []StreamState{
		StateCreated, StateRunning, StatePaused, StateRunning, StateStopped, StateReleased,
	}, collector.snapshot())
}
