// Package render provides the callbacks the render stage drives to draw
// frames onto an encoder input surface.
package render

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Renderer draws frames onto a surface. The render stage calls Prepare once,
// Resize whenever the surface size is known or changes, DrawFrame once per
// frame and Teardown once at the end. The stage stamps and swaps the surface
// after DrawFrame returns.
type Renderer interface {
	Prepare(s surface.Surface) error
	Resize(s surface.Surface, width, height int) error
	// DrawFrame draws frame frameIndex shown at frameTime. It returns true
	// when this was the last frame.
	DrawFrame(s surface.Surface, frameIndex int, frameTime time.Duration) (last bool, err error)
	Teardown() error
}

// DefaultMaxFrames is the frame index at which the built-in renderers stop.
const DefaultMaxFrames = 600

// Renderer names accepted by New.
const (
	NameColors  = "colors"
	NamePattern = "pattern"
	NameStill   = "still"
)

// Names lists the renderers New can build.
func Names() []string { return []string{NameColors, NamePattern, NameStill} }

// Options select and tune a built-in renderer.
type Options struct {
	Name      string
	MaxFrames int
	// Seed makes the colour sequence reproducible. Zero picks a random seed.
	Seed uint64
	// ImagePath is the picture shown by the still renderer.
	ImagePath string
}

// New builds the named renderer.
func New(opts Options) (Renderer, error) {
	switch strings.ToLower(opts.Name) {
	case "", NameColors:
		return NewColorAnimation(opts.MaxFrames, opts.Seed), nil
	case NamePattern:
		return NewTestPattern(opts.MaxFrames), nil
	case NameStill:
		return NewStill(opts.ImagePath, opts.MaxFrames)
	default:
		return nil, fmt.Errorf("unknown renderer %q (want one of %s)", opts.Name, strings.Join(Names(), ", "))
	}
}

// Snapshot is the progress of a render run.
type Snapshot struct {
	Frames   int
	Duration time.Duration
}

// Counters publish the number of rendered frames and the time of the last
// one. Readers always see a consistent pair.
type Counters struct {
	v atomic.Pointer[Snapshot]
}

// Record publishes frameIndex as rendered at frameTime.
func (c *Counters) Record(frameIndex int, frameTime time.Duration) {
	c.v.Store(&Snapshot{Frames: frameIndex + 1, Duration: frameTime})
}

// Load returns the latest snapshot.
func (c *Counters) Load() Snapshot {
	if s := c.v.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func maxFramesOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxFrames
	}
	return n
}
