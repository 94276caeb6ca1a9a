// Package ringbuffer implements the span based audio buffer shared between a
// client process and the audio server.
//
// The buffer is one contiguous region: a fixed header, one SpanInfo per span,
// then the PCM payload. The producer and the consumer never write the same
// span at once; ownership is decided by the span status alone.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/futex"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidParam = errors.New("invalid ring buffer parameter")
	ErrSpanBusy     = errors.New("span not in expected status")
	ErrNotWritable  = errors.New("no free span to write")
	ErrNotReadable  = errors.New("no written span to read")
	ErrCorrupted    = errors.New("ring buffer header corrupted")
	ErrReleased     = errors.New("ring buffer released")
)

// HolderType says which side created the buffer and how it is backed.
type HolderType int

const (
	// HolderClient maps a buffer created by the server.
	HolderClient HolderType = iota
	// HolderServerShared allocates shared memory a client can map.
	HolderServerShared
	// HolderServerOnly allocates process local memory.
	HolderServerOnly
)

func (h HolderType) String() string {
	switch h {
	case HolderClient:
		return "client"
	case HolderServerShared:
		return "server-shared"
	case HolderServerOnly:
		return "server-only"
	default:
		return "unknown"
	}
}

const (
	headerSize   = 128
	spanInfoSize = int(unsafe.Sizeof(SpanInfo{}))

	// Upper bounds keep a hostile header from making us map absurd sizes.
	maxSpanCount     = 1024
	maxBytesPerFrame = 64 * 8
	maxTotalFrames   = 1 << 22
)

// bufferHeader is the shared header. Field order is part of the layout.
type bufferHeader struct {
	curWriteFrame   uint64
	curReadFrame    uint64
	basePosInFrame  uint64
	lastWrittenTime int64
	handlePos       uint64
	handleTime      int64

	totalSizeInFrames uint32
	spanSizeInFrames  uint32
	byteSizePerFrame  uint32
	spanCount         uint32
	streamStatus      uint32
	readFutex         uint32
	writeFutex        uint32
	underrunCount     uint32
}

// Buffer is one stream's ring of spans.
type Buffer struct {
	holder HolderType
	mem    *sharedMemory
	header *bufferHeader
	spans  []SpanInfo
	data   []byte

	// Trusted copies of the geometry; the header copy is client writable.
	totalSizeInFrames uint32
	spanSizeInFrames  uint32
	byteSizePerFrame  uint32
	spanCount         uint32

	released atomic.Bool
	logger   zerolog.Logger
}

func regionSize(totalFrames, bytesPerFrame, spanCount uint32) int {
	return headerSize + int(spanCount)*spanInfoSize + int(totalFrames)*int(bytesPerFrame)
}

func validateGeometry(totalFrames, spanFrames, bytesPerFrame uint32) error {
	if totalFrames == 0 || spanFrames == 0 || bytesPerFrame == 0 {
		return fmt.Errorf("%w: zero geometry total=%d span=%d bytes=%d", ErrInvalidParam, totalFrames, spanFrames, bytesPerFrame)
	}
	if totalFrames%spanFrames != 0 {
		return fmt.Errorf("%w: total %d not a multiple of span %d", ErrInvalidParam, totalFrames, spanFrames)
	}
	spanCount := totalFrames / spanFrames
	if spanCount < 2 || spanCount > maxSpanCount {
		return fmt.Errorf("%w: span count %d", ErrInvalidParam, spanCount)
	}
	if bytesPerFrame > maxBytesPerFrame || totalFrames > maxTotalFrames {
		return fmt.Errorf("%w: buffer too large", ErrInvalidParam)
	}
	return nil
}

// New creates a buffer of totalSizeInFrames frames split into spans of
// spanSizeInFrames. holder must be a server holder.
func New(holder HolderType, totalSizeInFrames, spanSizeInFrames, byteSizePerFrame uint32) (*Buffer, error) {
	if holder == HolderClient {
		return nil, fmt.Errorf("%w: clients map buffers with Map", ErrInvalidParam)
	}
	if err := validateGeometry(totalSizeInFrames, spanSizeInFrames, byteSizePerFrame); err != nil {
		return nil, err
	}
	spanCount := totalSizeInFrames / spanSizeInFrames
	size := regionSize(totalSizeInFrames, byteSizePerFrame, spanCount)

	var (
		mem *sharedMemory
		err error
	)
	if holder == HolderServerShared {
		mem, err = allocShared("audio-buffer", size)
	} else {
		mem = allocLocal(size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer memory: %w", err)
	}

	b := newBuffer(holder, mem, totalSizeInFrames, spanSizeInFrames, byteSizePerFrame)
	b.header.totalSizeInFrames = totalSizeInFrames
	b.header.spanSizeInFrames = spanSizeInFrames
	b.header.byteSizePerFrame = byteSizePerFrame
	b.header.spanCount = spanCount
	b.Reset()
	atomic.StoreUint32(&b.header.streamStatus, uint32(StreamIdle))

	b.logger.Debug().
		Str("holder", holder.String()).
		Uint32("total_frames", totalSizeInFrames).
		Uint32("span_frames", spanSizeInFrames).
		Uint32("span_count", spanCount).
		Msg("ring buffer created")
	return b, nil
}

// Map attaches to a buffer created by the server and passed as fd.
func Map(fd int) (*Buffer, error) {
	mem, err := mapShared(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to map buffer: %w", err)
	}
	if len(mem.data) < headerSize {
		mem.close()
		return nil, fmt.Errorf("%w: region of %d bytes", ErrCorrupted, len(mem.data))
	}
	hdr := (*bufferHeader)(unsafe.Pointer(&mem.data[0]))
	total, span, bpf := hdr.totalSizeInFrames, hdr.spanSizeInFrames, hdr.byteSizePerFrame
	if err := validateGeometry(total, span, bpf); err != nil {
		mem.close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if regionSize(total, bpf, total/span) > len(mem.data) {
		mem.close()
		return nil, fmt.Errorf("%w: geometry exceeds region", ErrCorrupted)
	}
	return newBuffer(HolderClient, mem, total, span, bpf), nil
}

func newBuffer(holder HolderType, mem *sharedMemory, total, span, bpf uint32) *Buffer {
	spanCount := total / span
	base := unsafe.Pointer(&mem.data[0])
	b := &Buffer{
		holder:            holder,
		mem:               mem,
		header:            (*bufferHeader)(base),
		spans:             unsafe.Slice((*SpanInfo)(unsafe.Add(base, headerSize)), spanCount),
		totalSizeInFrames: total,
		spanSizeInFrames:  span,
		byteSizePerFrame:  bpf,
		spanCount:         spanCount,
		logger:            logging.GetSubsystemLogger(logging.ComponentBuffer).With().Str("holder", holder.String()).Logger(),
	}
	dataOff := headerSize + int(spanCount)*spanInfoSize
	b.data = mem.data[dataOff : dataOff+int(total)*int(bpf)]
	return b
}

// Reset rewinds positions, returns every span to ReadDone at full scale
// volume and re-arms both futex words.
func (b *Buffer) Reset() {
	atomic.StoreUint64(&b.header.curWriteFrame, 0)
	atomic.StoreUint64(&b.header.curReadFrame, 0)
	atomic.StoreUint64(&b.header.basePosInFrame, 0)
	atomic.StoreInt64(&b.header.lastWrittenTime, 0)
	atomic.StoreUint64(&b.header.handlePos, 0)
	atomic.StoreInt64(&b.header.handleTime, 0)
	atomic.StoreUint32(&b.header.underrunCount, 0)
	for i := range b.spans {
		b.spans[i].init(uint64(i) * uint64(b.spanSizeInFrames))
	}
	futex.Reset(&b.header.readFutex)
	futex.Reset(&b.header.writeFutex)
}

func (b *Buffer) Holder() HolderType        { return b.holder }
func (b *Buffer) TotalSizeInFrames() uint32 { return b.totalSizeInFrames }
func (b *Buffer) SpanSizeInFrames() uint32  { return b.spanSizeInFrames }
func (b *Buffer) ByteSizePerFrame() uint32  { return b.byteSizePerFrame }
func (b *Buffer) SpanSizeInBytes() uint32   { return b.spanSizeInFrames * b.byteSizePerFrame }

// GetSpanCount returns the number of spans.
func (b *Buffer) GetSpanCount() uint32 {
	return b.spanCount
}

// GetSpanInfoByIndex returns span i, or nil when i is out of range.
func (b *Buffer) GetSpanInfoByIndex(i uint32) *SpanInfo {
	if i >= b.spanCount {
		return nil
	}
	return &b.spans[i]
}

// GetSpanInfo returns the span holding absolute frame position pos.
func (b *Buffer) GetSpanInfo(pos uint64) *SpanInfo {
	return &b.spans[b.spanIndex(pos)]
}

func (b *Buffer) spanIndex(pos uint64) uint32 {
	return uint32((pos / uint64(b.spanSizeInFrames)) % uint64(b.spanCount))
}

// GetStreamStatus returns the shared stream status word.
func (b *Buffer) GetStreamStatus() StatusWord {
	return StatusWord{p: &b.header.streamStatus}
}

func (b *Buffer) SetLastWrittenTime(nanos int64) {
	atomic.StoreInt64(&b.header.lastWrittenTime, nanos)
}

func (b *Buffer) GetLastWrittenTime() int64 {
	return atomic.LoadInt64(&b.header.lastWrittenTime)
}

// ReadFutex is the word consumers wait on for written spans.
func (b *Buffer) ReadFutex() *uint32 {
	return &b.header.readFutex
}

// WriteFutex is the word producers wait on for free spans.
func (b *Buffer) WriteFutex() *uint32 {
	return &b.header.writeFutex
}

// WakeAll forces both futex words to PRE_EXIT, releasing any waiter.
func (b *Buffer) WakeAll() {
	futex.Wake(&b.header.readFutex, futex.IsPreExit)
	futex.Wake(&b.header.writeFutex, futex.IsPreExit)
}

func (b *Buffer) GetCurWriteFrame() uint64 {
	return atomic.LoadUint64(&b.header.curWriteFrame)
}

func (b *Buffer) GetCurReadFrame() uint64 {
	return atomic.LoadUint64(&b.header.curReadFrame)
}

// positions loads and validates the read/write pair. A client could have
// scribbled over either; an inconsistent pair is reported as corruption.
// The read position is loaded on both sides of the write position so the
// pair is a consistent snapshot while the other side keeps moving.
func (b *Buffer) positions() (write, read uint64, err error) {
	for i := 0; i < 8; i++ {
		read = atomic.LoadUint64(&b.header.curReadFrame)
		write = atomic.LoadUint64(&b.header.curWriteFrame)
		if atomic.LoadUint64(&b.header.curReadFrame) != read {
			continue
		}
		if write < read || write-read > uint64(b.totalSizeInFrames) {
			return write, read, fmt.Errorf("%w: write %d read %d", ErrCorrupted, write, read)
		}
		return write, read, nil
	}
	return write, read, fmt.Errorf("%w: positions unstable", ErrCorrupted)
}

// SetCurWriteFrame moves the write position. pos must be span aligned and
// keep 0 <= write-read <= total.
func (b *Buffer) SetCurWriteFrame(pos uint64) error {
	read := b.GetCurReadFrame()
	if pos%uint64(b.spanSizeInFrames) != 0 || pos < read || pos-read > uint64(b.totalSizeInFrames) {
		return fmt.Errorf("%w: write frame %d read %d", ErrInvalidParam, pos, read)
	}
	atomic.StoreUint64(&b.header.curWriteFrame, pos)
	return nil
}

// SetCurReadFrame moves the read position. pos must be span aligned and not
// pass the write position.
func (b *Buffer) SetCurReadFrame(pos uint64) error {
	write := b.GetCurWriteFrame()
	if pos%uint64(b.spanSizeInFrames) != 0 || pos > write || write-pos > uint64(b.totalSizeInFrames) {
		return fmt.Errorf("%w: read frame %d write %d", ErrInvalidParam, pos, write)
	}
	atomic.StoreUint64(&b.header.curReadFrame, pos)
	return nil
}

// GetAvailableDataFrames returns written but unread frames; zero on a
// corrupted header.
func (b *Buffer) GetAvailableDataFrames() uint64 {
	w, r, err := b.positions()
	if err != nil {
		return 0
	}
	return w - r
}

// GetWritableFrames returns free frames; zero on a corrupted header.
func (b *Buffer) GetWritableFrames() uint64 {
	w, r, err := b.positions()
	if err != nil {
		return 0
	}
	return uint64(b.totalSizeInFrames) - (w - r)
}

// SpanPayload returns the payload bytes of the span holding pos.
func (b *Buffer) SpanPayload(pos uint64) []byte {
	spanBytes := int(b.SpanSizeInBytes())
	off := int(b.spanIndex(pos)) * spanBytes
	return b.data[off : off+spanBytes : off+spanBytes]
}

// SetHandleInfo records the (frame, nanotime) pair last handed to the device.
func (b *Buffer) SetHandleInfo(frame uint64, nanos int64) {
	atomic.StoreUint64(&b.header.handlePos, frame)
	atomic.StoreInt64(&b.header.handleTime, nanos)
}

func (b *Buffer) GetHandleInfo() (frame uint64, nanos int64) {
	return atomic.LoadUint64(&b.header.handlePos), atomic.LoadInt64(&b.header.handleTime)
}

// RecordUnderrun counts a consumer cycle that found no data.
func (b *Buffer) RecordUnderrun() uint32 {
	return atomic.AddUint32(&b.header.underrunCount, 1)
}

func (b *Buffer) UnderrunCount() uint32 {
	return atomic.LoadUint32(&b.header.underrunCount)
}

// BeginWrite claims the span at the current write position for the producer
// and returns its payload.
func (b *Buffer) BeginWrite() (uint64, []byte, error) {
	if b.released.Load() {
		return 0, nil, ErrReleased
	}
	w, r, err := b.positions()
	if err != nil {
		return 0, nil, err
	}
	if uint64(b.totalSizeInFrames)-(w-r) < uint64(b.spanSizeInFrames) {
		return 0, nil, ErrNotWritable
	}
	span := b.GetSpanInfo(w)
	if !span.transition(SpanReadDone, SpanWriting) {
		return 0, nil, fmt.Errorf("%w: %s at write", ErrSpanBusy, span.Status())
	}
	atomic.StoreInt64(&span.writeStartTime, time.Now().UnixNano())
	return w, b.SpanPayload(w), nil
}

// EndWrite publishes the span claimed by BeginWrite at pos, advances the
// write position and wakes the consumer.
func (b *Buffer) EndWrite(pos uint64, vol SpanVolume) error {
	span := b.GetSpanInfo(pos)
	if span.Status() != SpanWriting {
		return fmt.Errorf("%w: %s at end write", ErrSpanBusy, span.Status())
	}
	now := time.Now().UnixNano()
	atomic.StoreUint64(&span.offsetInFrame, pos)
	atomic.StoreInt32(&span.volumeStart, vol.Start)
	atomic.StoreInt32(&span.volumeEnd, vol.End)
	mute := uint32(0)
	if vol.Mute {
		mute = 1
	}
	atomic.StoreUint32(&span.isMute, mute)
	atomic.StoreUint32(&span.checksum, PayloadChecksum(b.SpanPayload(pos)))
	atomic.StoreInt64(&span.writeDoneTime, now)
	if !span.transition(SpanWriting, SpanWriteDone) {
		return fmt.Errorf("%w: lost span at end write", ErrSpanBusy)
	}
	if err := b.SetCurWriteFrame(pos + uint64(b.spanSizeInFrames)); err != nil {
		return err
	}
	b.SetLastWrittenTime(now)
	futex.Wake(&b.header.readFutex, futex.IsReady)
	return nil
}

// BeginRead claims the span at the current read position for the consumer.
func (b *Buffer) BeginRead() (uint64, []byte, *SpanInfo, error) {
	if b.released.Load() {
		return 0, nil, nil, ErrReleased
	}
	w, r, err := b.positions()
	if err != nil {
		return 0, nil, nil, err
	}
	if w-r < uint64(b.spanSizeInFrames) {
		return 0, nil, nil, ErrNotReadable
	}
	span := b.GetSpanInfo(r)
	if !span.transition(SpanWriteDone, SpanReading) {
		return 0, nil, nil, fmt.Errorf("%w: %s at read", ErrSpanBusy, span.Status())
	}
	atomic.StoreInt64(&span.readStartTime, time.Now().UnixNano())
	return r, b.SpanPayload(r), span, nil
}

// EndRead returns the span at pos to the producer, advances the read
// position and wakes the producer.
func (b *Buffer) EndRead(pos uint64) error {
	span := b.GetSpanInfo(pos)
	atomic.StoreInt64(&span.readDoneTime, time.Now().UnixNano())
	if !span.transition(SpanReading, SpanReadDone) {
		return fmt.Errorf("%w: %s at end read", ErrSpanBusy, span.Status())
	}
	if err := b.SetCurReadFrame(pos + uint64(b.spanSizeInFrames)); err != nil {
		return err
	}
	futex.Wake(&b.header.writeFutex, futex.IsReady)
	return nil
}

// WaitWritable blocks until a span is free, the buffer is torn down or
// timeout elapses.
func (b *Buffer) WaitWritable(timeout time.Duration) futex.Code {
	return futex.WaitFor(&b.header.writeFutex, timeout, func() bool {
		return b.GetWritableFrames() >= uint64(b.spanSizeInFrames)
	})
}

// WaitReadable blocks until a span is written, the buffer is torn down or
// timeout elapses.
func (b *Buffer) WaitReadable(timeout time.Duration) futex.Code {
	return futex.WaitFor(&b.header.readFutex, timeout, func() bool {
		return b.GetAvailableDataFrames() >= uint64(b.spanSizeInFrames)
	})
}

// Fd returns the shared memory descriptor, or -1 for local buffers.
func (b *Buffer) Fd() int {
	return b.mem.fd
}

// Release wakes all waiters with PRE_EXIT and unmaps the region.
// Calling it twice is harmless.
func (b *Buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return nil
	}
	b.WakeAll()
	if b.holder == HolderServerOnly {
		// Local memory stays reachable until the last user drops the buffer.
		return nil
	}
	return b.mem.close()
}
