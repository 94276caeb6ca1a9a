package effect

import (
	"fmt"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/ringbuffer"
)

// BufferAttr describes one processing call. In and Out are interleaved and
// may have different channel counts.
type BufferAttr struct {
	In          []float32
	Out         []float32
	Frames      int
	InChannels  int
	OutChannels int
}

func (a *BufferAttr) validate() error {
	if a.Frames <= 0 || a.InChannels <= 0 || a.OutChannels <= 0 {
		return fmt.Errorf("%w: buffer attr %d frames %d/%d channels", ErrInvalidParam, a.Frames, a.InChannels, a.OutChannels)
	}
	if len(a.In) < a.Frames*a.InChannels || len(a.Out) < a.Frames*a.OutChannels {
		return fmt.Errorf("%w: buffer shorter than %d frames", ErrInvalidParam, a.Frames)
	}
	return nil
}

// Passthrough copies In to Out with channel mapping only.
func Passthrough(attr *BufferAttr) {
	ringbuffer.Remix(attr.In[:attr.Frames*attr.InChannels], attr.Out, attr.InChannels, attr.OutChannels)
}

// Chain is an ordered list of initialized stages shared by every session of
// one scene on one device.
type Chain struct {
	mu sync.Mutex

	scene          string
	mode           string
	device         audiotype.DeviceType
	spatialization bool
	name           string
	io             IOConfig
	stages         *list.List[Handle]
	work           []float32
}

func newChain(scene, mode string, device audiotype.DeviceType, spatialization bool, io IOConfig) *Chain {
	return &Chain{
		scene:          scene,
		mode:           mode,
		device:         device,
		spatialization: spatialization,
		io:             io,
		stages:         list.New[Handle](),
	}
}

// build instantiates the stages of chain name. On failure every stage created
// so far is released and the chain is left empty.
func (c *Chain) build(lib *Library, name string, effects []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseStagesLocked()
	c.name = name
	for _, effectName := range effects {
		h, err := lib.Create(effectName)
		if err == nil {
			err = h.SetConfig(c.io)
		}
		if err != nil {
			c.releaseStagesLocked()
			return fmt.Errorf("chain %s stage %s: %w", name, effectName, err)
		}
		h.Enable(true)
		c.stages.PushBack(h)
	}
	return nil
}

// setIOConfig reconfigures every stage for a new channel count.
func (c *Chain) setIOConfig(io IOConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if io == c.io {
		return nil
	}
	for e := c.stages.Front(); e != nil; e = e.Next() {
		if err := e.Value.SetConfig(io); err != nil {
			return err
		}
	}
	c.io = io
	return nil
}

// releaseStagesLocked tears stages down in reverse creation order.
func (c *Chain) releaseStagesLocked() {
	for e := c.stages.Back(); e != nil; e = c.stages.Back() {
		e.Value.Release()
		c.stages.Remove(e)
	}
}

func (c *Chain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseStagesLocked()
}

// Apply runs the stages over attr at the chain's configured channel count.
func (c *Chain) Apply(attr *BufferAttr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.io.Channels
	need := attr.Frames * ch
	if cap(c.work) < need {
		c.work = make([]float32, need)
	}
	work := ringbuffer.Remix(attr.In[:attr.Frames*attr.InChannels], c.work[:need], attr.InChannels, ch)
	for e := c.stages.Front(); e != nil; e = e.Next() {
		e.Value.Process(work, attr.Frames, ch)
	}
	ringbuffer.Remix(work, attr.Out, ch, attr.OutChannels)
}

// StageNames lists stages in processing order.
func (c *Chain) StageNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, c.stages.Len())
	for e := c.stages.Front(); e != nil; e = e.Next() {
		names = append(names, e.Value.Name())
	}
	return names
}

// IOConfig returns the chain's current buffer shape.
func (c *Chain) IOConfig() IOConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.io
}
