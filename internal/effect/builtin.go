package effect

import (
	"fmt"
	"math"
)

type baseStage struct {
	name    string
	cfg     IOConfig
	enabled bool
}

func (b *baseStage) Name() string { return b.name }

func (b *baseStage) Enable(enabled bool) { b.enabled = enabled }

func (b *baseStage) Release() { b.enabled = false }

func (b *baseStage) setConfig(cfg IOConfig) error {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return fmt.Errorf("%w: %s config %+v", ErrInvalidParam, b.name, cfg)
	}
	b.cfg = cfg
	return nil
}

// gain scales every sample by a linear factor.
type gain struct {
	baseStage
	factor float32
}

func newGain() *gain {
	return &gain{baseStage: baseStage{name: "gain"}, factor: 1}
}

func (g *gain) SetConfig(cfg IOConfig) error { return g.setConfig(cfg) }

func (g *gain) SetParam(key string, value float64) error {
	switch key {
	case "gain":
		if value < 0 || value > 4 {
			return fmt.Errorf("%w: gain %v", ErrInvalidParam, value)
		}
		g.factor = float32(value)
	case "gain_db":
		g.factor = float32(math.Pow(10, value/20))
	default:
		return fmt.Errorf("%w: gain has no parameter %q", ErrInvalidParam, key)
	}
	return nil
}

func (g *gain) Process(buf []float32, frames, channels int) {
	if !g.enabled || g.factor == 1 {
		return
	}
	for i := range buf[:frames*channels] {
		buf[i] *= g.factor
	}
}

// limiter soft clips above the threshold so the mix never exceeds full scale.
type limiter struct {
	baseStage
	threshold float32
}

func newLimiter() *limiter {
	return &limiter{baseStage: baseStage{name: "limiter"}, threshold: 0.9}
}

func (l *limiter) SetConfig(cfg IOConfig) error { return l.setConfig(cfg) }

func (l *limiter) SetParam(key string, value float64) error {
	if key != "threshold" {
		return fmt.Errorf("%w: limiter has no parameter %q", ErrInvalidParam, key)
	}
	if value <= 0 || value > 1 {
		return fmt.Errorf("%w: threshold %v", ErrInvalidParam, value)
	}
	l.threshold = float32(value)
	return nil
}

func (l *limiter) Process(buf []float32, frames, channels int) {
	if !l.enabled {
		return
	}
	t := l.threshold
	knee := 1 - t
	for i, v := range buf[:frames*channels] {
		a := v
		if a < 0 {
			a = -a
		}
		if a <= t {
			continue
		}
		over := a - t
		limited := t + knee*float32(math.Tanh(float64(over/knee)))
		if v < 0 {
			limited = -limited
		}
		buf[i] = limited
	}
}

// bass is a low-shelf biquad applied to every channel.
type bass struct {
	baseStage
	frequency float64
	gainDB    float64

	b0, b1, b2, a1, a2 float64
	// per channel: x1, x2, y1, y2
	state [][4]float64
}

func newBass() *bass {
	return &bass{baseStage: baseStage{name: "bass"}, frequency: 120, gainDB: 4}
}

func (b *bass) SetConfig(cfg IOConfig) error {
	if err := b.setConfig(cfg); err != nil {
		return err
	}
	if len(b.state) != cfg.Channels {
		b.state = make([][4]float64, cfg.Channels)
	}
	b.design()
	return nil
}

func (b *bass) SetParam(key string, value float64) error {
	switch key {
	case "frequency":
		if value <= 0 {
			return fmt.Errorf("%w: frequency %v", ErrInvalidParam, value)
		}
		b.frequency = value
	case "gain_db":
		if value < -24 || value > 24 {
			return fmt.Errorf("%w: gain_db %v", ErrInvalidParam, value)
		}
		b.gainDB = value
	default:
		return fmt.Errorf("%w: bass has no parameter %q", ErrInvalidParam, key)
	}
	if b.cfg.SampleRate > 0 {
		b.design()
	}
	return nil
}

func (b *bass) design() {
	a := math.Pow(10, b.gainDB/40)
	w0 := 2 * math.Pi * math.Min(b.frequency, float64(b.cfg.SampleRate)/2.5) / float64(b.cfg.SampleRate)
	cosW, sinW := math.Cos(w0), math.Sin(w0)
	alpha := sinW / 2 * math.Sqrt2
	sqA := 2 * math.Sqrt(a) * alpha

	a0 := (a + 1) + (a-1)*cosW + sqA
	b.b0 = a * ((a + 1) - (a-1)*cosW + sqA) / a0
	b.b1 = 2 * a * ((a - 1) - (a+1)*cosW) / a0
	b.b2 = a * ((a + 1) - (a-1)*cosW - sqA) / a0
	b.a1 = -2 * ((a - 1) + (a+1)*cosW) / a0
	b.a2 = ((a + 1) + (a-1)*cosW - sqA) / a0
}

func (b *bass) Process(buf []float32, frames, channels int) {
	if !b.enabled || channels != len(b.state) {
		return
	}
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			s := &b.state[ch]
			x := float64(buf[f*channels+ch])
			y := b.b0*x + b.b1*s[0] + b.b2*s[1] - b.a1*s[2] - b.a2*s[3]
			s[1], s[0] = s[0], x
			s[3], s[2] = s[2], y
			buf[f*channels+ch] = float32(y)
		}
	}
}

func (b *bass) Release() {
	b.baseStage.Release()
	b.state = nil
}

// upmix fills channels beyond the front pair from the front pair.
type upmix struct {
	baseStage
	level float32
}

func newUpmix() *upmix {
	return &upmix{baseStage: baseStage{name: "upmix"}, level: 0.5}
}

func (u *upmix) SetConfig(cfg IOConfig) error { return u.setConfig(cfg) }

func (u *upmix) SetParam(key string, value float64) error {
	if key != "level" || value < 0 || value > 1 {
		return fmt.Errorf("%w: upmix %s=%v", ErrInvalidParam, key, value)
	}
	u.level = float32(value)
	return nil
}

func (u *upmix) Process(buf []float32, frames, channels int) {
	if !u.enabled || channels <= 2 {
		return
	}
	for f := 0; f < frames; f++ {
		frame := buf[f*channels : (f+1)*channels]
		l, r := frame[0], frame[1]
		for ch := 2; ch < channels; ch++ {
			if frame[ch] != 0 {
				continue
			}
			switch {
			case ch == 2 || ch == 3:
				frame[ch] = (l + r) * 0.5 * u.level
			case ch%2 == 0:
				frame[ch] = l * u.level
			default:
				frame[ch] = r * u.level
			}
		}
	}
}
