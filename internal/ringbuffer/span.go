package ringbuffer

import (
	"hash/crc32"
	"sync/atomic"
)

// SpanStatus is the ownership state of a span. The value decides which side
// may touch the span payload: the producer between Writing and WriteDone,
// the consumer between Reading and ReadDone.
type SpanStatus uint32

const (
	SpanReadDone SpanStatus = iota
	SpanWriting
	SpanWriteDone
	SpanReading
)

func (s SpanStatus) String() string {
	switch s {
	case SpanReadDone:
		return "READ_DONE"
	case SpanWriting:
		return "WRITING"
	case SpanWriteDone:
		return "WRITE_DONE"
	case SpanReading:
		return "READING"
	default:
		return "INVALID"
	}
}

// FullScaleVolume is the neutral linear gain of a span volume.
const FullScaleVolume int32 = 1 << 16

// SpanInfo is the per-span record stored in shared memory. The layout is
// fixed; 64-bit fields come first so they stay 8-byte aligned.
type SpanInfo struct {
	offsetInFrame  uint64
	readStartTime  int64
	readDoneTime   int64
	writeStartTime int64
	writeDoneTime  int64
	spanStatus     uint32
	volumeStart    int32
	volumeEnd      int32
	isMute         uint32
	checksum       uint32
	_              uint32
}

// SpanVolume is the gain ramp and mute flag the producer attaches to a span.
type SpanVolume struct {
	Start int32
	End   int32
	Mute  bool
}

// DefaultSpanVolume is full scale, unmuted.
var DefaultSpanVolume = SpanVolume{Start: FullScaleVolume, End: FullScaleVolume}

func (s *SpanInfo) init(offset uint64) {
	s.offsetInFrame = offset
	s.readStartTime = 0
	s.readDoneTime = 0
	s.writeStartTime = 0
	s.writeDoneTime = 0
	s.volumeStart = FullScaleVolume
	s.volumeEnd = FullScaleVolume
	s.isMute = 0
	s.checksum = 0
	atomic.StoreUint32(&s.spanStatus, uint32(SpanReadDone))
}

// Status returns the current span status.
func (s *SpanInfo) Status() SpanStatus {
	return SpanStatus(atomic.LoadUint32(&s.spanStatus))
}

func (s *SpanInfo) transition(from, to SpanStatus) bool {
	return atomic.CompareAndSwapUint32(&s.spanStatus, uint32(from), uint32(to))
}

// OffsetInFrame returns the absolute frame position the span was last written at.
func (s *SpanInfo) OffsetInFrame() uint64 {
	return atomic.LoadUint64(&s.offsetInFrame)
}

// Volume returns the span volume clamped to [0, FullScaleVolume]. The fields
// are writable by the client and are never trusted as-is.
func (s *SpanInfo) Volume() SpanVolume {
	return SpanVolume{
		Start: clampVolume(atomic.LoadInt32(&s.volumeStart)),
		End:   clampVolume(atomic.LoadInt32(&s.volumeEnd)),
		Mute:  atomic.LoadUint32(&s.isMute) != 0,
	}
}

// Times returns write start, write done, read start and read done nanotimes.
func (s *SpanInfo) Times() (writeStart, writeDone, readStart, readDone int64) {
	return atomic.LoadInt64(&s.writeStartTime), atomic.LoadInt64(&s.writeDoneTime),
		atomic.LoadInt64(&s.readStartTime), atomic.LoadInt64(&s.readDoneTime)
}

// Checksum returns the payload checksum recorded by the producer.
func (s *SpanInfo) Checksum() uint32 {
	return atomic.LoadUint32(&s.checksum)
}

// PayloadChecksum computes the checksum stored with each written span.
func PayloadChecksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func clampVolume(v int32) int32 {
	if v < 0 {
		return 0
	}
	if v > FullScaleVolume {
		return FullScaleVolume
	}
	return v
}
