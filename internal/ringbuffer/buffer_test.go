package ringbuffer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/futex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, holder HolderType) *Buffer {
	t.Helper()
	b, err := New(holder, 4*240, 240, 4)
	require.NoError(t, err)
	t.Cleanup(func() { b.Release() })
	return b
}

func TestNewGeometry(t *testing.T) {
	tests := []struct {
		name             string
		total, span, bpf uint32
		wantErr          bool
	}{
		{"valid", 960, 240, 4, false},
		{"not a multiple", 1000, 240, 4, true},
		{"single span", 240, 240, 4, true},
		{"zero span", 960, 0, 4, true},
		{"zero frame size", 960, 240, 0, true},
		{"too many spans", 2048, 1, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(HolderServerOnly, tt.total, tt.span, tt.bpf)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParam)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.total/tt.span, b.GetSpanCount())
		})
	}

	_, err := New(HolderClient, 960, 240, 4)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestInitialState(t *testing.T) {
	for _, holder := range []HolderType{HolderServerOnly, HolderServerShared} {
		t.Run(holder.String(), func(t *testing.T) {
			b := newTestBuffer(t, holder)
			for i := uint32(0); i < b.GetSpanCount(); i++ {
				span := b.GetSpanInfoByIndex(i)
				require.NotNil(t, span)
				assert.Equal(t, SpanReadDone, span.Status())
				vol := span.Volume()
				assert.Equal(t, FullScaleVolume, vol.Start)
				assert.Equal(t, FullScaleVolume, vol.End)
				assert.False(t, vol.Mute)
				assert.Equal(t, uint64(i)*240, span.OffsetInFrame())
			}
			assert.Nil(t, b.GetSpanInfoByIndex(b.GetSpanCount()))
			assert.Equal(t, StreamIdle, b.GetStreamStatus().Load())
			assert.Equal(t, uint64(0), b.GetAvailableDataFrames())
			assert.Equal(t, uint64(960), b.GetWritableFrames())
			assert.Equal(t, futex.IsReady, futex.State(b.ReadFutex()))
		})
	}
}

func TestWriteReadProtocol(t *testing.T) {
	b := newTestBuffer(t, HolderServerOnly)

	_, _, _, err := b.BeginRead()
	assert.ErrorIs(t, err, ErrNotReadable)

	pos, payload, err := b.BeginWrite()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
	assert.Len(t, payload, 960)
	assert.Equal(t, SpanWriting, b.GetSpanInfo(pos).Status())

	// the consumer cannot claim a span that is being written
	_, _, _, err = b.BeginRead()
	assert.ErrorIs(t, err, ErrNotReadable)

	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, b.EndWrite(pos, SpanVolume{Start: 100, End: 200}))
	assert.Equal(t, SpanWriteDone, b.GetSpanInfo(pos).Status())
	assert.Equal(t, uint64(240), b.GetAvailableDataFrames())
	assert.NotZero(t, b.GetLastWrittenTime())

	rpos, rpayload, span, err := b.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, pos, rpos)
	assert.Equal(t, payload, rpayload)
	assert.Equal(t, PayloadChecksum(rpayload), span.Checksum())
	assert.Equal(t, SpanVolume{Start: 100, End: 200}, span.Volume())
	require.NoError(t, b.EndRead(rpos))
	assert.Equal(t, SpanReadDone, span.Status())
	assert.Equal(t, uint64(240), b.GetCurReadFrame())

	ws, wd, rs, rd := span.Times()
	assert.LessOrEqual(t, ws, wd)
	assert.LessOrEqual(t, wd, rs)
	assert.LessOrEqual(t, rs, rd)
}

func TestBufferFull(t *testing.T) {
	b := newTestBuffer(t, HolderServerOnly)
	for i := 0; i < int(b.GetSpanCount()); i++ {
		pos, _, err := b.BeginWrite()
		require.NoError(t, err)
		require.NoError(t, b.EndWrite(pos, DefaultSpanVolume))
	}
	_, _, err := b.BeginWrite()
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.Equal(t, futex.Timeout, b.WaitWritable(5*time.Millisecond))
}

func TestPositionSetters(t *testing.T) {
	b := newTestBuffer(t, HolderServerOnly)
	assert.ErrorIs(t, b.SetCurWriteFrame(100), ErrInvalidParam, "unaligned")
	assert.ErrorIs(t, b.SetCurWriteFrame(1200), ErrInvalidParam, "beyond capacity")
	require.NoError(t, b.SetCurWriteFrame(480))
	assert.ErrorIs(t, b.SetCurReadFrame(720), ErrInvalidParam, "past write")
	require.NoError(t, b.SetCurReadFrame(240))
	assert.Equal(t, uint64(240), b.GetAvailableDataFrames())
}

func TestUntrustedHeader(t *testing.T) {
	b := newTestBuffer(t, HolderServerOnly)
	// A client scribbles an impossible write position.
	atomic.StoreUint64(&b.header.curWriteFrame, 1<<40)
	assert.Equal(t, uint64(0), b.GetAvailableDataFrames())
	_, _, _, err := b.BeginRead()
	assert.ErrorIs(t, err, ErrCorrupted)

	// Geometry used for indexing is the server's own copy.
	b.header.spanCount = 9999
	assert.Equal(t, uint32(4), b.GetSpanCount())

	// Volumes written by the client are clamped.
	span := b.GetSpanInfoByIndex(0)
	atomic.StoreInt32(&span.volumeStart, -5)
	atomic.StoreInt32(&span.volumeEnd, FullScaleVolume*4)
	vol := span.Volume()
	assert.Equal(t, int32(0), vol.Start)
	assert.Equal(t, FullScaleVolume, vol.End)
}

func TestReleaseWakesWaiters(t *testing.T) {
	b, err := New(HolderServerOnly, 960, 240, 4)
	require.NoError(t, err)

	done := make(chan futex.Code, 1)
	go func() {
		done <- b.WaitReadable(futex.Infinite)
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Release())
	require.NoError(t, b.Release())

	select {
	case code := <-done:
		assert.Equal(t, futex.PreExit, code)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not wake the reader")
	}
	_, _, err = b.BeginWrite()
	assert.ErrorIs(t, err, ErrReleased)
}

// TestSpanExclusionStress drives a producer and a consumer concurrently; the
// consumer verifies every span against the checksum the producer recorded.
func TestSpanExclusionStress(t *testing.T) {
	b := newTestBuffer(t, HolderServerShared)
	const spans = 2000

	var wg sync.WaitGroup
	var torn atomic.Int32
	wg.Add(2)

	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		for n := 0; n < spans; {
			pos, payload, err := b.BeginWrite()
			if err != nil {
				if b.WaitWritable(time.Second) != futex.Success {
					return
				}
				continue
			}
			rng.Read(payload)
			if err := b.EndWrite(pos, DefaultSpanVolume); err != nil {
				t.Errorf("end write: %v", err)
				return
			}
			n++
		}
	}()

	go func() {
		defer wg.Done()
		for n := 0; n < spans; {
			pos, payload, span, err := b.BeginRead()
			if err != nil {
				if b.WaitReadable(time.Second) != futex.Success {
					return
				}
				continue
			}
			if PayloadChecksum(payload) != span.Checksum() {
				torn.Add(1)
			}
			if err := b.EndRead(pos); err != nil {
				t.Errorf("end read: %v", err)
				return
			}
			n++
		}
	}()

	wg.Wait()
	assert.Zero(t, torn.Load())
	assert.Equal(t, uint64(spans*240), b.GetCurReadFrame())
	assert.Equal(t, b.GetCurWriteFrame(), b.GetCurReadFrame())
}

func TestResetRestoresSpans(t *testing.T) {
	b := newTestBuffer(t, HolderServerOnly)
	pos, _, err := b.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, b.EndWrite(pos, SpanVolume{Mute: true}))
	b.WakeAll()

	b.Reset()
	assert.Equal(t, SpanReadDone, b.GetSpanInfo(0).Status())
	assert.Equal(t, DefaultSpanVolume, b.GetSpanInfo(0).Volume())
	assert.Equal(t, futex.IsReady, futex.State(b.ReadFutex()))
	assert.Equal(t, uint64(0), b.GetCurWriteFrame())
}
