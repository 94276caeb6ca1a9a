package interrupt

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []InterruptEvent
}

func (r *recorder) OnInterrupt(ev InterruptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []InterruptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InterruptEvent(nil), r.events...)
}

// wait returns the first n events once they have arrived.
func (r *recorder) wait(t *testing.T, n int) []InterruptEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, time.Second, time.Millisecond)
	return r.snapshot()[:n]
}

type captureReporter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *captureReporter) Report(ev telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func newTestService(t *testing.T, opts Options) (*Service, *recorder) {
	t.Helper()
	s := NewService(opts)
	t.Cleanup(s.Close)
	all := &recorder{}
	s.Subscribe(all)
	return s, all
}

func playback(id uint32, st audiotype.StreamType) AudioInterrupt {
	return AudioInterrupt{SessionID: id, Pid: int32(id), FocusType: AudioFocusType{StreamType: st, IsPlay: true}}
}

func states(t *testing.T, s *Service, zoneID int32) map[uint32]FocusState {
	t.Helper()
	list, err := s.GetAudioFocusInfoList(zoneID)
	require.NoError(t, err)
	out := make(map[uint32]FocusState, len(list))
	for _, fi := range list {
		out[fi.Interrupt.SessionID] = fi.State
	}
	return out
}

func sessionsOf(t *testing.T, s *Service, zoneID int32) []uint32 {
	t.Helper()
	list, err := s.GetAudioFocusInfoList(zoneID)
	require.NoError(t, err)
	out := make([]uint32, 0, len(list))
	for _, fi := range list {
		out = append(out, fi.Interrupt.SessionID)
	}
	return out
}

func TestDuckAndRestore(t *testing.T) {
	volumes := NewVolumeTable()
	s, _ := newTestService(t, Options{Volumes: volumes})
	a, b := playback(1, audiotype.StreamMusic), playback(2, audiotype.StreamRing)
	cb := &recorder{}
	_, err := s.SetAudioInterruptCallback(1, cb)
	require.NoError(t, err)
	volumes.SetStreamVolume(1, 0.8)

	require.NoError(t, s.ActivateAudioInterrupt(0, a))
	require.NoError(t, s.ActivateAudioInterrupt(0, b))
	assert.Equal(t, map[uint32]FocusState{1: StateDucked, 2: StateActive}, states(t, s, 0))
	ev := cb.wait(t, 1)[0]
	assert.Equal(t, HintDuck, ev.Hint)
	assert.Equal(t, ForceForce, ev.ForceType)
	assert.Equal(t, EventBegin, ev.Type)
	assert.Equal(t, uint32(2), ev.CausedBy)
	assert.InDelta(t, 0.2, ev.DuckVolume, 1e-6)
	v, _ := volumes.GetStreamVolume(1)
	assert.InDelta(t, 0.2, v, 1e-6)

	require.NoError(t, s.DeactivateAudioInterrupt(0, b))
	assert.Equal(t, map[uint32]FocusState{1: StateActive}, states(t, s, 0))
	ev = cb.wait(t, 2)[1]
	assert.Equal(t, HintUnduck, ev.Hint)
	assert.Equal(t, EventEnd, ev.Type)
	assert.Equal(t, float32(0.8), ev.DuckVolume)
	v, _ = volumes.GetStreamVolume(1)
	assert.Equal(t, float32(0.8), v)
}

func TestActivateOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "rejection leaves zone untouched",
			testFunc: func(t *testing.T) {
				rep := &captureReporter{}
				s, all := newTestService(t, Options{Telemetry: rep})
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamVoiceCall)))
				err := s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamMusic))
				assert.ErrorIs(t, err, ErrFocusDenied)
				assert.Equal(t, []uint32{1}, sessionsOf(t, s, 0))
				assert.Empty(t, all.snapshot())
				require.Len(t, rep.events, 1)
				assert.Equal(t, telemetry.EventFocusDenied, rep.events[0].Kind)
				assert.Equal(t, "1", rep.events[0].Fields["blocked_by"])
			},
		},
		{
			name: "incoming pause queues as pending",
			testFunc: func(t *testing.T) {
				s, all := newTestService(t, Options{})
				ring, music := playback(1, audiotype.StreamRing), playback(2, audiotype.StreamMusic)
				require.NoError(t, s.ActivateAudioInterrupt(0, ring))
				require.NoError(t, s.ActivateAudioInterrupt(0, music))
				assert.Equal(t, map[uint32]FocusState{1: StateActive, 2: StatePending}, states(t, s, 0))

				require.NoError(t, s.DeactivateAudioInterrupt(0, ring))
				assert.Equal(t, map[uint32]FocusState{2: StateActive}, states(t, s, 0))
				events := all.wait(t, 2)
				assert.Equal(t, HintPause, events[0].Hint)
				assert.Equal(t, HintResume, events[1].Hint)
				assert.Equal(t, ForceShare, events[1].ForceType)
			},
		},
		{
			name: "force pause resumes as share",
			testFunc: func(t *testing.T) {
				s, all := newTestService(t, Options{})
				music, movie := playback(1, audiotype.StreamMusic), playback(2, audiotype.StreamMovie)
				require.NoError(t, s.ActivateAudioInterrupt(0, music))
				require.NoError(t, s.ActivateAudioInterrupt(0, movie))
				assert.Equal(t, map[uint32]FocusState{1: StatePaused, 2: StateActive}, states(t, s, 0))
				require.NoError(t, s.DeactivateAudioInterrupt(0, movie))

				events := all.wait(t, 2)
				assert.Equal(t, InterruptEvent{SessionID: 1, Type: EventBegin, ForceType: ForceForce, Hint: HintPause, CausedBy: 2}, events[0])
				assert.Equal(t, InterruptEvent{SessionID: 1, Type: EventEnd, ForceType: ForceShare, Hint: HintResume, CausedBy: 2}, events[1])
			},
		},
		{
			name: "stop removes the existing owner",
			testFunc: func(t *testing.T) {
				s, all := newTestService(t, Options{})
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamVoiceCall)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamVoiceCall)))
				assert.Equal(t, []uint32{2}, sessionsOf(t, s, 0))
				ev := all.wait(t, 1)[0]
				assert.Equal(t, HintStop, ev.Hint)
				assert.Equal(t, uint32(1), ev.SessionID)
				_, _, ok := s.SessionState(1)
				assert.False(t, ok)
			},
		},
		{
			name: "unrelated types proceed",
			testFunc: func(t *testing.T) {
				s, all := newTestService(t, Options{})
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamSystem)))
				assert.Equal(t, map[uint32]FocusState{1: StateActive, 2: StateActive}, states(t, s, 0))
				time.Sleep(10 * time.Millisecond)
				assert.Empty(t, all.snapshot())
			},
		},
		{
			name: "second activation is a no-op",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				assert.Equal(t, []uint32{1}, sessionsOf(t, s, 0))
			},
		},
		{
			name: "invalid zone",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				assert.ErrorIs(t, s.ActivateAudioInterrupt(7, playback(1, audiotype.StreamMusic)), ErrInvalidParam)
				assert.ErrorIs(t, s.DeactivateAudioInterrupt(7, playback(1, audiotype.StreamMusic)), ErrInvalidParam)
				_, err := s.GetAudioFocusInfoList(7)
				assert.ErrorIs(t, err, ErrInvalidParam)
			},
		},
		{
			name: "deactivate is idempotent",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				a := playback(1, audiotype.StreamMusic)
				require.NoError(t, s.ActivateAudioInterrupt(0, a))
				require.NoError(t, s.DeactivateAudioInterrupt(0, a))
				require.NoError(t, s.DeactivateAudioInterrupt(0, a))
				assert.Empty(t, sessionsOf(t, s, 0))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestResumeNeverPausesOthers(t *testing.T) {
	s, _ := newTestService(t, Options{})
	music := playback(1, audiotype.StreamMusic)
	call := playback(2, audiotype.StreamVoiceCall)
	ring := playback(3, audiotype.StreamRing)

	require.NoError(t, s.ActivateAudioInterrupt(0, music))
	require.NoError(t, s.ActivateAudioInterrupt(0, call))
	require.NoError(t, s.ActivateAudioInterrupt(0, ring))
	assert.Equal(t, map[uint32]FocusState{1: StatePaused, 2: StateActive, 3: StateDucked}, states(t, s, 0))

	// the ring would hold incoming music, so music stays paused behind it
	require.NoError(t, s.DeactivateAudioInterrupt(0, call))
	assert.Equal(t, map[uint32]FocusState{1: StatePaused, 3: StateActive}, states(t, s, 0))

	require.NoError(t, s.DeactivateAudioInterrupt(0, ring))
	assert.Equal(t, map[uint32]FocusState{1: StateActive}, states(t, s, 0))
}

func TestStackedDuckRestoresFirstVolume(t *testing.T) {
	volumes := NewVolumeTable()
	s, all := newTestService(t, Options{Volumes: volumes, DuckVolume: 0.5})
	music := playback(1, audiotype.StreamMusic)
	ring := playback(2, audiotype.StreamRing)
	alarm := playback(3, audiotype.StreamAlarm)
	volumes.SetStreamVolume(1, 0.9)

	require.NoError(t, s.ActivateAudioInterrupt(0, music))
	require.NoError(t, s.ActivateAudioInterrupt(0, ring))
	require.NoError(t, s.ActivateAudioInterrupt(0, alarm))
	require.NoError(t, s.DeactivateAudioInterrupt(0, ring))
	st, _, _ := s.SessionState(1)
	assert.Equal(t, StateDucked, st)
	v, _ := volumes.GetStreamVolume(1)
	assert.Equal(t, float32(0.5), v)

	require.NoError(t, s.DeactivateAudioInterrupt(0, alarm))
	v, _ = volumes.GetStreamVolume(1)
	assert.Equal(t, float32(0.9), v)
	events := all.wait(t, 2)
	assert.Equal(t, HintDuck, events[0].Hint)
	assert.Equal(t, HintUnduck, events[1].Hint)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, all.snapshot(), 2)
}

func TestShareDuckOnlyInforms(t *testing.T) {
	table, err := FocusTableFromRules([]config.FocusRule{
		{Existing: "MUSIC", Incoming: "GAME", ActionOn: "current", Hint: "duck", Force: "share"},
		{Existing: "MUSIC", Incoming: "ALARM", ActionOn: "current", Hint: "duck", Force: "force"},
	})
	require.NoError(t, err)
	volumes := NewVolumeTable()
	s, all := newTestService(t, Options{Table: table, Volumes: volumes, DuckVolume: 0.2})
	volumes.SetStreamVolume(1, 0.8)

	require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
	require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamGame)))
	st, _, _ := s.SessionState(1)
	assert.Equal(t, StateDucked, st)
	ev := all.wait(t, 1)[0]
	assert.Equal(t, HintDuck, ev.Hint)
	assert.Equal(t, ForceShare, ev.ForceType)
	assert.Equal(t, float32(0.8), ev.DuckVolume)
	v, _ := volumes.GetStreamVolume(1)
	assert.Equal(t, float32(0.8), v, "share duck leaves the volume to the app")

	require.NoError(t, s.ActivateAudioInterrupt(0, playback(3, audiotype.StreamAlarm)))
	ev = all.wait(t, 2)[1]
	assert.Equal(t, HintDuck, ev.Hint)
	assert.Equal(t, ForceForce, ev.ForceType)
	v, _ = volumes.GetStreamVolume(1)
	assert.InDelta(t, 0.2, v, 1e-6)

	require.NoError(t, s.DeactivateAudioInterrupt(0, playback(3, audiotype.StreamAlarm)))
	require.NoError(t, s.DeactivateAudioInterrupt(0, playback(2, audiotype.StreamGame)))
	st, _, _ = s.SessionState(1)
	assert.Equal(t, StateActive, st)
	v, _ = volumes.GetStreamVolume(1)
	assert.Equal(t, float32(0.8), v)
}

func TestDuckState(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "second duck keeps first snapshot",
			testFunc: func(t *testing.T) {
				vt := NewVolumeTable()
				vt.SetStreamVolume(1, 0.8)
				var d duckState
				assert.Equal(t, float32(0.5), d.duck(vt, 1, 0.5, true))
				assert.Equal(t, float32(0.3), d.duck(vt, 1, 0.3, true))
				v, ok := d.unduck(vt, 1)
				assert.True(t, ok)
				assert.Equal(t, float32(0.8), v)
				got, _ := vt.GetStreamVolume(1)
				assert.Equal(t, float32(0.8), got)
			},
		},
		{
			name: "unduck without duck is a no-op",
			testFunc: func(t *testing.T) {
				vt := NewVolumeTable()
				vt.SetStreamVolume(1, 0.6)
				var d duckState
				v, ok := d.unduck(vt, 1)
				assert.False(t, ok)
				assert.Equal(t, float32(0.6), v)
			},
		},
		{
			name: "duck never raises volume",
			testFunc: func(t *testing.T) {
				vt := NewVolumeTable()
				vt.SetStreamVolume(1, 0.1)
				var d duckState
				assert.Equal(t, float32(0.1), d.duck(vt, 1, 0.2, true))
				_, ok := d.unduck(vt, 1)
				assert.False(t, ok)
				got, _ := vt.GetStreamVolume(1)
				assert.Equal(t, float32(0.1), got)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestReplayDeterminism(t *testing.T) {
	run := func() []FocusInfo {
		s := NewService(Options{})
		defer s.Close()
		seq := []struct {
			activate bool
			ai       AudioInterrupt
		}{
			{true, playback(1, audiotype.StreamMusic)},
			{true, playback(2, audiotype.StreamNavigation)},
			{true, playback(3, audiotype.StreamRing)},
			{true, playback(4, audiotype.StreamMovie)},
			{false, playback(3, audiotype.StreamRing)},
			{true, playback(5, audiotype.StreamAlarm)},
			{false, playback(4, audiotype.StreamMovie)},
		}
		for _, step := range seq {
			if step.activate {
				_ = s.ActivateAudioInterrupt(0, step.ai)
			} else {
				_ = s.DeactivateAudioInterrupt(0, step.ai)
			}
		}
		list, err := s.GetAudioFocusInfoList(0)
		require.NoError(t, err)
		return list
	}
	first := run()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run())
	}
}

func TestZones(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "create moves pid entries",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamMovie)))
				assert.Equal(t, StatePaused, states(t, s, 0)[1])

				require.NoError(t, s.CreateAudioInterruptZone(5, []int32{1}))
				assert.Equal(t, int32(5), s.ZoneOf(1))
				assert.Equal(t, int32(0), s.ZoneOf(2))
				assert.Equal(t, map[uint32]FocusState{1: StateActive}, states(t, s, 5))
				assert.Equal(t, []uint32{2}, sessionsOf(t, s, 0))
				assert.Equal(t, []int32{0, 5}, s.Zones())
			},
		},
		{
			name: "zones arbitrate independently",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				require.NoError(t, s.CreateAudioInterruptZone(1, []int32{10}))
				a := playback(1, audiotype.StreamMusic)
				a.Pid = 10
				require.NoError(t, s.ActivateAudioInterrupt(s.ZoneOf(a.Pid), a))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamMusic)))
				assert.Equal(t, map[uint32]FocusState{1: StateActive}, states(t, s, 1))
				assert.Equal(t, map[uint32]FocusState{2: StateActive}, states(t, s, 0))
				assert.ErrorIs(t, s.ActivateAudioInterrupt(0, a), ErrInvalidParam)
			},
		},
		{
			name: "release returns entries to default zone in order",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				require.NoError(t, s.CreateAudioInterruptZone(3, []int32{20, 21}))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamSystem)))
				for i, pid := range []int32{20, 21} {
					ai := playback(uint32(10+i), audiotype.StreamSystem)
					ai.Pid = pid
					require.NoError(t, s.ActivateAudioInterrupt(3, ai))
				}
				require.NoError(t, s.ReleaseAudioInterruptZone(3))
				assert.Equal(t, []uint32{1, 10, 11}, sessionsOf(t, s, 0))
				assert.Equal(t, int32(0), s.ZoneOf(20))
				list, _ := s.GetAudioFocusInfoList(0)
				assert.Equal(t, int32(0), list[1].Interrupt.ZoneID)
			},
		},
		{
			name: "remove pids",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				require.NoError(t, s.CreateAudioInterruptZone(2, []int32{30, 31}))
				ai := playback(1, audiotype.StreamMusic)
				ai.Pid = 30
				require.NoError(t, s.ActivateAudioInterrupt(2, ai))
				require.NoError(t, s.RemoveAudioInterruptZonePids(2, []int32{30}))
				assert.Equal(t, int32(0), s.ZoneOf(30))
				assert.Equal(t, int32(2), s.ZoneOf(31))
				assert.Equal(t, []uint32{1}, sessionsOf(t, s, 0))

				require.NoError(t, s.AddAudioInterruptZonePids(2, []int32{30}))
				assert.Equal(t, []uint32{1}, sessionsOf(t, s, 2))
			},
		},
		{
			name: "invalid zone operations",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				assert.ErrorIs(t, s.CreateAudioInterruptZone(0, nil), ErrInvalidParam)
				require.NoError(t, s.CreateAudioInterruptZone(1, nil))
				assert.ErrorIs(t, s.CreateAudioInterruptZone(1, nil), ErrInvalidParam)
				assert.ErrorIs(t, s.ReleaseAudioInterruptZone(0), ErrInvalidParam)
				assert.ErrorIs(t, s.ReleaseAudioInterruptZone(9), ErrInvalidParam)
				assert.ErrorIs(t, s.AddAudioInterruptZonePids(9, []int32{1}), ErrInvalidParam)
				assert.ErrorIs(t, s.RemoveAudioInterruptZonePids(0, []int32{1}), ErrInvalidParam)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}

func TestCallbacks(t *testing.T) {
	tests := []struct {
		name     string
		testFunc func(t *testing.T)
	}{
		{
			name: "stale handle cannot unset newer registration",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				old, err := s.SetAudioInterruptCallback(1, &recorder{})
				require.NoError(t, err)
				cur := &recorder{}
				_, err = s.SetAudioInterruptCallback(1, cur)
				require.NoError(t, err)
				assert.False(t, s.UnsetAudioInterruptCallback(1, old))

				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamRing)))
				assert.Equal(t, HintDuck, cur.wait(t, 1)[0].Hint)
				assert.True(t, s.UnsetAudioInterruptCallback(1, uuid.Nil))
			},
		},
		{
			name: "nil callback rejected",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				_, err := s.SetAudioInterruptCallback(1, nil)
				assert.ErrorIs(t, err, ErrInvalidParam)
			},
		},
		{
			name: "callback may re-enter the service",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				done := make(chan FocusState, 1)
				_, err := s.SetAudioInterruptCallback(1, CallbackFunc(func(ev InterruptEvent) {
					st, _, _ := s.SessionState(ev.SessionID)
					done <- st
				}))
				require.NoError(t, err)
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(2, audiotype.StreamMovie)))
				select {
				case st := <-done:
					assert.Equal(t, StatePaused, st)
				case <-time.After(time.Second):
					t.Fatal("callback not delivered")
				}
			},
		},
		{
			name: "remove session drops callback",
			testFunc: func(t *testing.T) {
				s, _ := newTestService(t, Options{})
				_, err := s.SetAudioInterruptCallback(1, &recorder{})
				require.NoError(t, err)
				require.NoError(t, s.ActivateAudioInterrupt(0, playback(1, audiotype.StreamMusic)))
				s.RemoveSession(1)
				assert.Empty(t, sessionsOf(t, s, 0))
				assert.False(t, s.dispatch.hasCallback(1))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFunc)
	}
}
