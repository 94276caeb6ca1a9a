package effect

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStage records creation and release so chain lifetimes can be observed.
type countingStage struct {
	*gain
	released *atomic.Int32
}

func (s *countingStage) Name() string { return "counter" }

func (s *countingStage) Release() {
	s.released.Add(1)
	s.gain.Release()
}

type stageCounter struct {
	created  atomic.Int32
	released atomic.Int32
}

func countingLibrary(c *stageCounter) *Library {
	lib := NewBuiltinLibrary()
	lib.Register("counter", func() Handle {
		c.created.Add(1)
		return &countingStage{gain: newGain(), released: &c.released}
	})
	return lib
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		SampleRate: 48000,
		Channels:   2,
		EffectChains: map[string][]string{
			"CHAIN_MUSIC":   {"counter", "gain", "limiter"},
			"CHAIN_A2DP":    {"counter"},
			"CHAIN_DEFAULT": {"counter"},
			"CHAIN_VOICE":   {"counter", "limiter"},
		},
		SceneChains: []config.SceneChain{
			{Scene: audiotype.SceneMusic, Mode: audiotype.EffectDefault, Chain: "CHAIN_MUSIC"},
			{Scene: audiotype.SceneMusic, Mode: audiotype.EffectDefault, Device: string(audiotype.DeviceWiredHeadset), Chain: "CHAIN_A2DP"},
			{Scene: audiotype.SceneMovie, Mode: audiotype.EffectDefault, Chain: "CHAIN_MUSIC"},
			{Scene: audiotype.SceneGame, Mode: audiotype.EffectDefault, Chain: "CHAIN_MUSIC"},
			{Scene: audiotype.SceneVoIP, Mode: audiotype.EffectDefault, Chain: "CHAIN_VOICE"},
			{Scene: audiotype.SceneOthers, Mode: audiotype.EffectDefault, Chain: "CHAIN_DEFAULT"},
		},
		PriorScenes:      []string{audiotype.SceneVoIP},
		NormalSceneLimit: 1,
		DefaultScene:     audiotype.SceneOthers,
	}
}

func musicInfo(channels int) SessionEffectInfo {
	return SessionEffectInfo{
		SceneMode: audiotype.EffectDefault,
		SceneType: audiotype.SceneMusic,
		Channels:  channels,
	}
}

func TestSessionIDSet(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	assert.True(t, m.CheckAndAddSessionID(7))
	assert.False(t, m.CheckAndAddSessionID(7))
	assert.True(t, m.ExistAudioEffectChain(audiotype.SceneOthers))
	assert.True(t, m.CheckAndRemoveSessionID(7))
	assert.False(t, m.CheckAndRemoveSessionID(7))
	assert.False(t, m.ExistAudioEffectChain(audiotype.SceneOthers))
}

type refOp int

const (
	opAttach refOp = iota
	opDetach
	opCheckAdd
	opCheckRemove
)

type refCall struct {
	op refOp
	id uint32
}

func TestChainRefcount(t *testing.T) {
	tests := []struct {
		name  string
		calls []refCall
	}{
		{
			name:  "in order",
			calls: []refCall{{opAttach, 1}, {opAttach, 2}, {opDetach, 1}, {opDetach, 2}},
		},
		{
			name: "duplicates",
			calls: []refCall{
				{opAttach, 1}, {opAttach, 1}, {opAttach, 2}, {opDetach, 2}, {opDetach, 2},
				{opAttach, 3}, {opDetach, 1}, {opDetach, 3}, {opDetach, 3},
			},
		},
		{
			name:  "detach before attach",
			calls: []refCall{{opDetach, 9}, {opAttach, 9}, {opDetach, 9}},
		},
		{
			name: "check ops only",
			calls: []refCall{
				{opCheckRemove, 6}, {opCheckAdd, 6}, {opCheckAdd, 7}, {opCheckAdd, 6},
				{opCheckRemove, 6}, {opCheckRemove, 6}, {opCheckRemove, 7},
			},
		},
		{
			name: "check ops share the reference with attach",
			calls: []refCall{
				{opCheckAdd, 1}, {opCheckAdd, 1}, {opAttach, 2},
				{opCheckRemove, 1}, {opCheckRemove, 1}, {opDetach, 2},
			},
		},
		{
			name:  "attach after check add",
			calls: []refCall{{opCheckAdd, 4}, {opAttach, 4}, {opAttach, 4}, {opDetach, 4}, {opCheckRemove, 4}},
		},
		{
			name:  "check remove after attach",
			calls: []refCall{{opAttach, 5}, {opCheckRemove, 5}, {opDetach, 5}, {opCheckRemove, 5}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c stageCounter
			cfg := testManagerConfig()
			cfg.DefaultScene = audiotype.SceneMusic
			m := NewManager(cfg, countingLibrary(&c))
			for _, call := range tt.calls {
				switch call.op {
				case opAttach:
					require.NoError(t, m.AttachSession(call.id, musicInfo(2)))
				case opDetach:
					require.NoError(t, m.DetachSession(call.id))
				case opCheckAdd:
					m.CheckAndAddSessionID(call.id)
				case opCheckRemove:
					m.CheckAndRemoveSessionID(call.id)
				}
			}
			assert.Equal(t, int32(1), c.created.Load(), "chain built once")
			assert.Equal(t, int32(1), c.released.Load(), "chain torn down once")
			assert.False(t, m.ExistAudioEffectChain(audiotype.SceneMusic))
			assert.Empty(t, m.Snapshot())
		})
	}
}

func TestAttachAfterCheckAddMovesChain(t *testing.T) {
	var c stageCounter
	m := NewManager(testManagerConfig(), countingLibrary(&c))
	require.True(t, m.CheckAndAddSessionID(7))
	assert.True(t, m.ExistAudioEffectChain(audiotype.SceneOthers))

	require.NoError(t, m.AttachSession(7, musicInfo(2)))
	assert.True(t, m.ExistAudioEffectChain(audiotype.SceneMusic))
	assert.False(t, m.ExistAudioEffectChain(audiotype.SceneOthers))

	require.NoError(t, m.DetachSession(7))
	assert.False(t, m.ExistAudioEffectChain(audiotype.SceneMusic))
	assert.Equal(t, c.created.Load(), c.released.Load())
	assert.Empty(t, m.Snapshot())
}

func TestChainRefcountConcurrent(t *testing.T) {
	var c stageCounter
	m := NewManager(testManagerConfig(), countingLibrary(&c))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, m.AttachSession(id, musicInfo(2)))
				assert.NoError(t, m.AttachSession(id, musicInfo(2)))
				assert.NoError(t, m.DetachSession(id))
				assert.NoError(t, m.DetachSession(id))
			}
		}(uint32(i + 1))
	}
	wg.Wait()
	assert.Equal(t, c.created.Load(), c.released.Load())
	assert.Empty(t, m.Snapshot())
}

func TestMultichannelMaxAcrossSessions(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Channels)

	require.NoError(t, m.AttachSession(2, musicInfo(6)))
	snap = m.Snapshot()
	require.Len(t, snap, 1, "second session shares the chain")
	assert.Equal(t, 6, snap[0].Channels)
	assert.Equal(t, uint64(audiotype.Layout5Point1), snap[0].Layout)
	assert.Equal(t, 2, snap[0].RefCount)

	require.NoError(t, m.DetachSession(2))
	snap = m.Snapshot()
	assert.Equal(t, 6, snap[0].Channels, "detach does not downgrade")

	require.NoError(t, m.UpdateMultichannelConfig(audiotype.SceneMusic))
	assert.Equal(t, 2, m.Snapshot()[0].Channels)
}

func TestReattachWidensChain(t *testing.T) {
	var c stageCounter
	m := NewManager(testManagerConfig(), countingLibrary(&c))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	info := musicInfo(8)
	info.ChannelLayout = audiotype.Layout7Point1
	require.NoError(t, m.AttachSession(1, info))
	assert.Equal(t, 8, m.Snapshot()[0].Channels)
	assert.Equal(t, int32(1), c.created.Load(), "update keeps the chain")
}

func TestSceneClassification(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	require.NoError(t, m.AttachSession(2, SessionEffectInfo{SceneType: audiotype.SceneMovie, Channels: 2}))
	require.NoError(t, m.AttachSession(3, SessionEffectInfo{SceneType: audiotype.SceneVoIP, Channels: 1}))
	require.NoError(t, m.AttachSession(4, SessionEffectInfo{SceneType: "SCENE_UNKNOWN", Channels: 2}))

	scenes := map[string]ChainInfo{}
	for _, ci := range m.Snapshot() {
		scenes[ci.Scene] = ci
	}
	assert.Contains(t, scenes, audiotype.SceneMusic)
	assert.Contains(t, scenes, audiotype.SceneVoIP, "prior scene gets its own chain")
	assert.NotContains(t, scenes, audiotype.SceneMovie, "normal limit reached")
	require.Contains(t, scenes, audiotype.SceneOthers)
	assert.ElementsMatch(t, []uint32{2, 4}, scenes[audiotype.SceneOthers].Sessions)

	require.NoError(t, m.DetachSession(2))
	require.NoError(t, m.DetachSession(4))
	assert.False(t, m.ExistAudioEffectChain(audiotype.SceneOthers))
}

func TestOffloadGating(t *testing.T) {
	tests := []struct {
		name           string
		device         audiotype.DeviceType
		spatialization bool
		offload        bool
		want           bool
	}{
		{"speaker", audiotype.DeviceSpeaker, false, false, true},
		{"a2dp", audiotype.DeviceBluetoothA2DP, false, false, false},
		{"a2dp spatial", audiotype.DeviceBluetoothA2DP, true, false, true},
		{"dsp offload", audiotype.DeviceSpeaker, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c stageCounter
			m := NewManager(testManagerConfig(), countingLibrary(&c))
			require.NoError(t, m.UpdateDeviceInfo(tt.device, "sink"))
			m.UpdateSpatializationState(tt.spatialization)
			m.SetDspOffload(tt.offload)
			assert.Equal(t, tt.want, m.ShouldCreateSoftwareChain())

			require.NoError(t, m.AttachSession(1, musicInfo(2)))
			assert.Equal(t, tt.want, m.ExistAudioEffectChain(audiotype.SceneMusic))
			if !tt.want {
				assert.Zero(t, c.created.Load())
			}
			require.NoError(t, m.DetachSession(1))
		})
	}
}

func TestApplyPassthroughWithoutChain(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	in := []float32{0.1, 0.2, 0.3, 0.4}
	out := make([]float32, 4)
	require.NoError(t, m.ApplyAudioEffectChain(audiotype.SceneMusic, &BufferAttr{
		In: in, Out: out, Frames: 2, InChannels: 2, OutChannels: 2,
	}))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, m.ApplyAudioEffectChain(audiotype.SceneMusic, &BufferAttr{
		In: in, Out: out, Frames: 4, InChannels: 2, OutChannels: 2,
	}), ErrInvalidParam)
}

func TestApplyRunsChain(t *testing.T) {
	cfg := testManagerConfig()
	cfg.EffectChains["CHAIN_MUSIC"] = []string{"gain"}
	lib := NewLibrary()
	lib.Register("gain", func() Handle {
		g := newGain()
		_ = g.SetParam("gain", 0.5)
		return g
	})
	m := NewManager(cfg, lib)
	require.NoError(t, m.AttachSession(1, musicInfo(2)))

	in := []float32{0.4, -0.4, 0.2, -0.2}
	out := make([]float32, 4)
	require.NoError(t, m.ApplyAudioEffectChain(audiotype.SceneMusic, &BufferAttr{
		In: in, Out: out, Frames: 2, InChannels: 2, OutChannels: 2,
	}))
	assert.InDeltaSlice(t, []float64{0.2, -0.2, 0.1, -0.1}, toF64(out), 1e-6)

	m.SetDspOffload(true)
	require.NoError(t, m.ApplyAudioEffectChain(audiotype.SceneMusic, &BufferAttr{
		In: in, Out: out, Frames: 2, InChannels: 2, OutChannels: 2,
	}))
	assert.Equal(t, in, out, "offloaded effects are not applied twice")
}

func TestSceneModeNoneRebuildsEmpty(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	require.NoError(t, m.SetSceneMode(audiotype.SceneMusic, audiotype.EffectNone))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0].Stages)
	assert.Equal(t, audiotype.EffectNone, snap[0].Mode)

	require.NoError(t, m.SetSceneMode(audiotype.SceneMusic, audiotype.EffectDefault))
	assert.Equal(t, []string{"counter", "gain", "limiter"}, m.Snapshot()[0].Stages)
	assert.ErrorIs(t, m.SetSceneMode(audiotype.SceneMusic, "EFFECT_LOUD"), ErrInvalidParam)
}

func TestDeviceSpecificChain(t *testing.T) {
	var c stageCounter
	m := NewManager(testManagerConfig(), countingLibrary(&c))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	assert.Equal(t, "CHAIN_MUSIC", m.Snapshot()[0].Chain)

	require.NoError(t, m.UpdateDeviceInfo(audiotype.DeviceWiredHeadset, "headset"))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "CHAIN_A2DP", snap[0].Chain)
	assert.Equal(t, string(audiotype.DeviceWiredHeadset), snap[0].Device)

	require.NoError(t, m.DetachSession(1))
	assert.Empty(t, m.Snapshot())
	assert.Equal(t, c.created.Load(), c.released.Load())
}

func TestResidentSceneStaysWarm(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ResidentScenes = []string{audiotype.SceneMusic}
	m := NewManager(cfg, countingLibrary(&stageCounter{}))
	require.NoError(t, m.AttachSession(1, musicInfo(2)))
	require.NoError(t, m.DetachSession(1))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].RefCount)
	assert.True(t, m.ExistAudioEffectChain(audiotype.SceneMusic))

	require.NoError(t, m.AttachSession(2, musicInfo(2)))
	assert.Equal(t, 1, m.Snapshot()[0].RefCount)
}

func TestReleaseUnknownScene(t *testing.T) {
	m := NewManager(testManagerConfig(), countingLibrary(&stageCounter{}))
	assert.ErrorIs(t, m.ReleaseAudioEffectChainDynamic(audiotype.SceneMusic), ErrChainNotFound)
	assert.ErrorIs(t, m.CreateAudioEffectChainDynamic(""), ErrInvalidParam)

	require.NoError(t, m.CreateAudioEffectChainDynamic(audiotype.SceneMusic))
	require.NoError(t, m.CreateAudioEffectChainDynamic(audiotype.SceneMusic))
	require.NoError(t, m.ReleaseAudioEffectChainDynamic(audiotype.SceneMusic))
	assert.True(t, m.ExistAudioEffectChain(audiotype.SceneMusic))
	require.NoError(t, m.ReleaseAudioEffectChainDynamic(audiotype.SceneMusic))
	assert.False(t, m.ExistAudioEffectChain(audiotype.SceneMusic))
}

func toF64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
