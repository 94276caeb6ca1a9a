package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/futex"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
)

// Server is the control surface a client drives. *ProcessInServer implements it.
type Server interface {
	Start() error
	Pause(isFlush bool) error
	Resume() error
	Stop() error
	Release(destroyAtOnce bool) error
}

// ClientOptions tunes a ProcessClient.
type ClientOptions struct {
	// WaitTimeout bounds each futex wait for a free or filled span.
	WaitTimeout time.Duration
}

// ProcessClient is the application side of a stream. It moves the shared
// status word to the transitional state before each server call, stages
// writes into span sized chunks and reverts the status if the server refuses.
type ProcessClient struct {
	mu      sync.Mutex
	server  Server
	buffer  *ringbuffer.Buffer
	status  ringbuffer.StatusWord
	mode    audiotype.AudioMode
	timeout time.Duration

	pending []byte
	volume  ringbuffer.SpanVolume
	// partial read span left over from the previous Read
	readRest []byte
	released bool

	logger *logging.ComponentLogger
}

// NewProcessClient attaches a client to a configured buffer.
func NewProcessClient(server Server, buf *ringbuffer.Buffer, mode audiotype.AudioMode, opts ClientOptions) (*ProcessClient, error) {
	if server == nil || buf == nil {
		return nil, fmt.Errorf("%w: nil server or buffer", ErrInvalidParam)
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 40 * time.Millisecond
	}
	return &ProcessClient{
		server:  server,
		buffer:  buf,
		status:  buf.GetStreamStatus(),
		mode:    mode,
		timeout: opts.WaitTimeout,
		pending: make([]byte, 0, buf.SpanSizeInBytes()),
		volume:  ringbuffer.DefaultSpanVolume,
		logger:  logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentClient),
	}, nil
}

func (c *ProcessClient) Status() Status { return c.status.Load() }

// transit moves the status from any of froms to to and runs call. When call
// fails the status is restored.
func (c *ProcessClient) transit(op string, to Status, call func() error, froms ...Status) error {
	for _, from := range froms {
		if !c.status.CompareAndSwap(from, to) {
			continue
		}
		if err := call(); err != nil {
			c.status.CompareAndSwap(to, from)
			c.logger.Logger().Warn().Err(err).Str("operation", op).Msg("server refused transition")
			return err
		}
		return nil
	}
	cur := c.status.Load()
	metrics.RecordIllegalCall("client-" + op)
	return fmt.Errorf("%w: %s from %s", ErrIllegalState, op, cur)
}

func (c *ProcessClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	return c.transit("start", StatusStarting, c.server.Start, StatusIdle, StatusStopped)
}

func (c *ProcessClient) Pause(isFlush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	return c.transit("pause", StatusPausing, func() error { return c.server.Pause(isFlush) },
		StatusStarting, StatusStarted, StatusStandBy)
}

func (c *ProcessClient) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	return c.transit("resume", StatusStarting, c.server.Resume, StatusPaused)
}

func (c *ProcessClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	return c.transit("stop", StatusStopping, c.server.Stop,
		StatusStarting, StatusStarted, StatusStandBy, StatusPaused)
}

// Release drops the stream. The client must not touch the buffer afterwards.
func (c *ProcessClient) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	c.released = true
	c.pending = c.pending[:0]
	return c.server.Release(true)
}

// SetVolume sets the gain stamped on subsequently written spans, 0 to 1.
func (c *ProcessClient) SetVolume(v float32) error {
	if v < 0 || v > 1 || math.IsNaN(float64(v)) {
		return fmt.Errorf("%w: volume %v", ErrInvalidParam, v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume.End = int32(v * float32(ringbuffer.FullScaleVolume))
	c.volume.Start = c.volume.End
	return nil
}

func (c *ProcessClient) SetMute(mute bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume.Mute = mute
}

// Write queues playback data. Whole spans are published as soon as they fill;
// a trailing partial span is held until the next Write or Drain.
func (c *ProcessClient) Write(ctx context.Context, data []byte) (int, error) {
	if c.mode != audiotype.ModePlayback {
		return 0, fmt.Errorf("%w: write on capture stream", ErrIllegalState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, ErrIllegalState
	}
	spanBytes := int(c.buffer.SpanSizeInBytes())
	written := 0
	for len(data) > 0 {
		n := min(spanBytes-len(c.pending), len(data))
		c.pending = append(c.pending, data[:n]...)
		data = data[n:]
		if len(c.pending) < spanBytes {
			written += n
			break
		}
		if err := c.publish(ctx); err != nil {
			c.pending = c.pending[:len(c.pending)-n]
			return written, err
		}
		written += n
	}
	return written, nil
}

// Drain publishes the held partial span padded with silence.
func (c *ProcessClient) Drain(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrIllegalState
	}
	if len(c.pending) == 0 {
		return nil
	}
	spanBytes := int(c.buffer.SpanSizeInBytes())
	for len(c.pending) < spanBytes {
		c.pending = append(c.pending, 0)
	}
	return c.publish(ctx)
}

func (c *ProcessClient) publish(ctx context.Context) error {
	for {
		pos, payload, err := c.buffer.BeginWrite()
		if err == nil {
			copy(payload, c.pending)
			if err := c.buffer.EndWrite(pos, c.volume); err != nil {
				return fmt.Errorf("%w: %v", ErrOperationFailed, err)
			}
			c.pending = c.pending[:0]
			c.wakeFromStandby()
			return nil
		}
		if !errors.Is(err, ringbuffer.ErrNotWritable) && !errors.Is(err, ringbuffer.ErrSpanBusy) {
			return c.mapBufferErr(err)
		}
		if err := c.wait(ctx, c.buffer.WaitWritable); err != nil {
			return err
		}
	}
}

// wakeFromStandby restarts a stream the engine parked while the client was idle.
func (c *ProcessClient) wakeFromStandby() {
	if c.status.Load() != StatusStandBy {
		return
	}
	if err := c.server.Start(); err != nil {
		c.logger.Logger().Warn().Err(err).Msg("failed to leave standby")
	}
}

// Read fills dst with captured data and returns the number of bytes copied.
func (c *ProcessClient) Read(ctx context.Context, dst []byte) (int, error) {
	if c.mode != audiotype.ModeRecord {
		return 0, fmt.Errorf("%w: read on playback stream", ErrIllegalState)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, ErrIllegalState
	}
	read := copy(dst, c.readRest)
	c.readRest = c.readRest[read:]
	for read < len(dst) {
		pos, payload, _, err := c.buffer.BeginRead()
		if err != nil {
			if read > 0 {
				return read, nil
			}
			if !errors.Is(err, ringbuffer.ErrNotReadable) && !errors.Is(err, ringbuffer.ErrSpanBusy) {
				return read, c.mapBufferErr(err)
			}
			if err := c.wait(ctx, c.buffer.WaitReadable); err != nil {
				return read, err
			}
			continue
		}
		n := copy(dst[read:], payload)
		if n < len(payload) {
			c.readRest = append(c.readRest[:0], payload[n:]...)
		}
		read += n
		if err := c.buffer.EndRead(pos); err != nil {
			return read, fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
	}
	return read, nil
}

func (c *ProcessClient) wait(ctx context.Context, waitFn func(time.Duration) futex.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch code := waitFn(c.timeout); code {
	case futex.Success:
		return nil
	case futex.Timeout:
		metrics.RecordFutexTimeout()
		return ErrTimeout
	case futex.PreExit:
		return fmt.Errorf("%w: buffer released", ErrIllegalState)
	default:
		return fmt.Errorf("%w: futex %s", ErrOperationFailed, code)
	}
}

func (c *ProcessClient) mapBufferErr(err error) error {
	switch {
	case errors.Is(err, ringbuffer.ErrReleased):
		return fmt.Errorf("%w: %v", ErrIllegalState, err)
	case errors.Is(err, ringbuffer.ErrCorrupted):
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	default:
		return err
	}
}
