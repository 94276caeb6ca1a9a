package ringbuffer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-audio/audio"
	"github.com/oov/audio/resampler"
)

// SampleFormat is the encoding of one sample in a span payload.
type SampleFormat int

const (
	SampleS16LE SampleFormat = iota
	SampleF32LE
)

func (f SampleFormat) Bytes() int {
	if f == SampleF32LE {
		return 4
	}
	return 2
}

func (f SampleFormat) String() string {
	if f == SampleF32LE {
		return "f32le"
	}
	return "s16le"
}

// StreamFormat describes interleaved PCM.
type StreamFormat struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// BytesPerFrame returns the size of one interleaved frame.
func (f StreamFormat) BytesPerFrame() uint32 {
	return uint32(f.Channels * f.Sample.Bytes())
}

// AudioFormat returns the go-audio description of f.
func (f StreamFormat) AudioFormat() *audio.Format {
	return &audio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels}
}

func (f StreamFormat) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Channels > 16 {
		return fmt.Errorf("%w: format %+v", ErrInvalidParam, f)
	}
	if f.Sample != SampleS16LE && f.Sample != SampleF32LE {
		return fmt.Errorf("%w: sample format %d", ErrInvalidParam, f.Sample)
	}
	return nil
}

// FormatConverter turns one span of client PCM into the server working
// format. The converted buffer is sized separately from the span since
// resampling and channel mapping change its length; it is only used when the
// rate or channel count differ.
type FormatConverter struct {
	src, dst   StreamFormat
	spanFrames int

	decoded   *audio.IntBuffer
	floats    []float32
	remixed   []float32
	planarIn  [][]float32
	planarOut [][]float32
	converted []float32
	rs        *resampler.Resampler
}

// NewFormatConverter builds a converter for spans of spanFrames frames.
func NewFormatConverter(src, dst StreamFormat, spanFrames uint32) (*FormatConverter, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if err := dst.Validate(); err != nil {
		return nil, err
	}
	if spanFrames == 0 {
		return nil, fmt.Errorf("%w: zero span", ErrInvalidParam)
	}
	c := &FormatConverter{
		src:        src,
		dst:        dst,
		spanFrames: int(spanFrames),
		decoded: &audio.IntBuffer{
			Format:         src.AudioFormat(),
			Data:           make([]int, int(spanFrames)*src.Channels),
			SourceBitDepth: 16,
		},
		floats: make([]float32, int(spanFrames)*src.Channels),
	}
	if !c.NeedsConversion() {
		return c, nil
	}

	c.remixed = make([]float32, int(spanFrames)*dst.Channels)
	outFrames := c.convertedFrames()
	c.converted = make([]float32, outFrames*dst.Channels)
	if src.SampleRate != dst.SampleRate {
		c.rs = resampler.New(dst.Channels, src.SampleRate, dst.SampleRate, 10)
		c.planarIn = make([][]float32, dst.Channels)
		c.planarOut = make([][]float32, dst.Channels)
		for ch := 0; ch < dst.Channels; ch++ {
			c.planarIn[ch] = make([]float32, spanFrames)
			c.planarOut[ch] = make([]float32, outFrames)
		}
	}
	return c, nil
}

// NeedsConversion reports whether the sample rate or channel count differ.
func (c *FormatConverter) NeedsConversion() bool {
	return c.src.SampleRate != c.dst.SampleRate || c.src.Channels != c.dst.Channels
}

// convertedFrames is the capacity of the converted buffer in frames.
func (c *FormatConverter) convertedFrames() int {
	return int(math.Ceil(float64(c.spanFrames)*float64(c.dst.SampleRate)/float64(c.src.SampleRate))) + 16
}

func (c *FormatConverter) Source() StreamFormat { return c.src }
func (c *FormatConverter) Target() StreamFormat { return c.dst }

// Convert decodes payload and returns interleaved float32 samples in the
// target rate and channel layout. The returned slice is reused by the next call.
func (c *FormatConverter) Convert(payload []byte) ([]float32, error) {
	frames := len(payload) / int(c.src.BytesPerFrame())
	if frames > c.spanFrames {
		return nil, fmt.Errorf("%w: payload of %d frames exceeds span", ErrInvalidParam, frames)
	}
	in := c.decode(payload, frames)
	if !c.NeedsConversion() {
		return in, nil
	}

	remixed := Remix(in, c.remixed, c.src.Channels, c.dst.Channels)
	if c.rs == nil {
		return remixed, nil
	}

	n := len(remixed) / c.dst.Channels
	written := 0
	for ch := 0; ch < c.dst.Channels; ch++ {
		planar := c.planarIn[ch][:n]
		for i := 0; i < n; i++ {
			planar[i] = remixed[i*c.dst.Channels+ch]
		}
		_, w := c.rs.ProcessFloat32(ch, planar, c.planarOut[ch])
		if ch == 0 || w < written {
			written = w
		}
	}
	out := c.converted[:written*c.dst.Channels]
	for i := 0; i < written; i++ {
		for ch := 0; ch < c.dst.Channels; ch++ {
			out[i*c.dst.Channels+ch] = c.planarOut[ch][i]
		}
	}
	return out, nil
}

func (c *FormatConverter) decode(payload []byte, frames int) []float32 {
	samples := frames * c.src.Channels
	out := c.floats[:samples]
	if c.src.Sample == SampleF32LE {
		for i := 0; i < samples; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
		return out
	}
	data := c.decoded.Data[:samples]
	for i := 0; i < samples; i++ {
		data[i] = int(int16(binary.LittleEndian.Uint16(payload[i*2:])))
	}
	scale := float32(int(1) << (c.decoded.SourceBitDepth - 1))
	for i, v := range data {
		out[i] = float32(v) / scale
	}
	return out
}

// Remix maps interleaved samples between channel counts. Mono fans out,
// down-mix to mono averages, other layouts copy the shared channels and
// leave the rest silent.
func Remix(in, out []float32, srcCh, dstCh int) []float32 {
	frames := len(in) / srcCh
	out = out[:frames*dstCh]
	for f := 0; f < frames; f++ {
		src := in[f*srcCh : (f+1)*srcCh]
		dst := out[f*dstCh : (f+1)*dstCh]
		switch {
		case srcCh == dstCh:
			copy(dst, src)
		case srcCh == 1:
			for ch := range dst {
				dst[ch] = src[0]
			}
		case dstCh == 1:
			var sum float32
			for _, v := range src {
				sum += v
			}
			dst[0] = sum / float32(srcCh)
		default:
			n := copy(dst, src)
			for ch := n; ch < dstCh; ch++ {
				dst[ch] = 0
			}
		}
	}
	return out
}

// EncodeFrames writes interleaved float32 samples into dst using sample
// format f and returns the number of bytes written. Samples are clipped.
func EncodeFrames(dst []byte, samples []float32, f SampleFormat) int {
	size := f.Bytes()
	n := len(dst) / size
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		v := samples[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if f == SampleF32LE {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		} else {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v*math.MaxInt16)))
		}
	}
	return n * size
}
