package endpoint

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
)

// Sink consumes mixed float32 interleaved frames in the endpoint format.
type Sink interface {
	Name() string
	Open(format ringbuffer.StreamFormat) error
	Write(samples []float32) error
	Close() error
}

// Source produces float32 interleaved frames for capture endpoints.
type Source interface {
	Name() string
	Open(format ringbuffer.StreamFormat) error
	// Read fills samples completely.
	Read(samples []float32) error
	Close() error
}

// NullSink discards audio. When paced it sleeps so writes run in real time.
type NullSink struct {
	name   string
	paced  bool
	format ringbuffer.StreamFormat
	frames atomic.Int64
	next   time.Time
}

func NewNullSink(name string, paced bool) *NullSink {
	return &NullSink{name: name, paced: paced}
}

func (s *NullSink) Name() string { return s.name }

func (s *NullSink) Open(format ringbuffer.StreamFormat) error {
	s.format = format
	s.next = time.Time{}
	return nil
}

func (s *NullSink) Write(samples []float32) error {
	frames := len(samples) / s.format.Channels
	s.frames.Add(int64(frames))
	if s.paced {
		pace(&s.next, frames, s.format.SampleRate)
	}
	return nil
}

func (s *NullSink) Close() error { return nil }

// Frames returns the number of frames written so far.
func (s *NullSink) Frames() int64 { return s.frames.Load() }

// pace sleeps until the wall clock has caught up with the audio clock.
func pace(next *time.Time, frames, rate int) {
	now := time.Now()
	if next.IsZero() || now.Sub(*next) > time.Second {
		*next = now
	}
	*next = next.Add(time.Duration(frames) * time.Second / time.Duration(rate))
	if d := time.Until(*next); d > 0 {
		time.Sleep(d)
	}
}

// DumpSink writes the mix to a 16-bit WAV file.
type DumpSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer
}

// NewDumpSink creates a sink writing to dir/<name>.wav.
func NewDumpSink(dir, name string) *DumpSink {
	return &DumpSink{path: filepath.Join(dir, name+".wav")}
}

func (s *DumpSink) Name() string { return s.path }

func (s *DumpSink) Open(format ringbuffer.StreamFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	s.file = f
	s.enc = wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1)
	s.buf = &audio.IntBuffer{Format: format.AudioFormat(), SourceBitDepth: 16}
	return nil
}

func (s *DumpSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("dump sink %s not open", s.path)
	}
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	s.buf.Data = s.buf.Data[:len(samples)]
	for i, v := range samples {
		s.buf.Data[i] = int(math.Round(float64(clamp(v)) * math.MaxInt16))
	}
	return s.enc.Write(s.buf)
}

func (s *DumpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.enc.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.enc = nil, nil
	return err
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// SilenceSource produces zeros in real time.
type SilenceSource struct {
	name   string
	format ringbuffer.StreamFormat
	paced  bool
	next   time.Time
}

func NewSilenceSource(name string, paced bool) *SilenceSource {
	return &SilenceSource{name: name, paced: paced}
}

func (s *SilenceSource) Name() string { return s.name }

func (s *SilenceSource) Open(format ringbuffer.StreamFormat) error {
	s.format = format
	return nil
}

func (s *SilenceSource) Read(samples []float32) error {
	clear(samples)
	if s.paced {
		pace(&s.next, len(samples)/s.format.Channels, s.format.SampleRate)
	}
	return nil
}

func (s *SilenceSource) Close() error { return nil }

// ToneSource produces a sine wave on every channel.
type ToneSource struct {
	name      string
	frequency float64
	amplitude float32
	format    ringbuffer.StreamFormat
	phase     float64
	paced     bool
	next      time.Time
}

func NewToneSource(name string, frequency float64, amplitude float32, paced bool) *ToneSource {
	return &ToneSource{name: name, frequency: frequency, amplitude: amplitude, paced: paced}
}

func (s *ToneSource) Name() string { return s.name }

func (s *ToneSource) Open(format ringbuffer.StreamFormat) error {
	if s.frequency <= 0 || s.frequency >= float64(format.SampleRate)/2 {
		return fmt.Errorf("tone %v Hz out of range for %d Hz", s.frequency, format.SampleRate)
	}
	s.format = format
	s.phase = 0
	return nil
}

func (s *ToneSource) Read(samples []float32) error {
	ch := s.format.Channels
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	for f := 0; f < len(samples)/ch; f++ {
		v := s.amplitude * float32(math.Sin(s.phase))
		for c := 0; c < ch; c++ {
			samples[f*ch+c] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	if s.paced {
		pace(&s.next, len(samples)/ch, s.format.SampleRate)
	}
	return nil
}

func (s *ToneSource) Close() error { return nil }
