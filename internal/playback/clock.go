// Package playback provides the presentation clock, the frame pacer and the
// player that drives a decoder in real time.
package playback

import (
	"sync"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// DefaultDropThreshold is how late a frame may be and still be rendered.
const DefaultDropThreshold = 100_000 * time.Nanosecond

// FrameTime returns the presentation time of frame frameIndex at fps frames
// per second. It never depends on how long drawing took.
func FrameTime(frameIndex, fps int) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(int64(frameIndex) * int64(time.Second) / int64(fps))
}

// Decision is the verdict for one decoded frame.
type Decision struct {
	// RenderNanos is the wall clock time the frame is due, on the
	// media.NanoTime timebase.
	RenderNanos int64
	// Render is false when the frame is too late and must be dropped.
	Render bool
}

// Clock maps media time onto wall clock time. It is unset until the first
// frame after a discontinuity anchors it.
type Clock struct {
	threshold int64
	now       func() int64

	mu    sync.Mutex
	start int64
	set   bool
}

// NewClock returns an unset clock. A threshold of zero uses
// DefaultDropThreshold.
func NewClock(threshold time.Duration) *Clock {
	if threshold <= 0 {
		threshold = DefaultDropThreshold
	}
	return &Clock{threshold: threshold.Nanoseconds(), now: media.NanoTime}
}

// NewClockWithNow returns a clock reading time from now, in nanoseconds.
func NewClockWithNow(threshold time.Duration, now func() int64) *Clock {
	c := NewClock(threshold)
	c.now = now
	return c
}

// Decide anchors the clock if needed and returns when the frame at frameUs
// is due, and whether it is still worth rendering.
func (c *Clock) Decide(frameUs int64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	frameNs := frameUs * int64(time.Microsecond)
	if !c.set {
		c.start = now - frameNs
		c.set = true
	}
	renderAt := c.start + frameNs
	return Decision{RenderNanos: renderAt, Render: renderAt+c.threshold >= now}
}

// AnchorAt anchors the clock so that positionUs is due now. Used after a seek.
func (c *Clock) AnchorAt(positionUs int64) {
	c.mu.Lock()
	c.start = c.now() - positionUs*int64(time.Microsecond)
	c.set = true
	c.mu.Unlock()
}

// Unset forces the next frame to re-anchor the clock.
func (c *Clock) Unset() {
	c.mu.Lock()
	c.set = false
	c.mu.Unlock()
}

// IsSet reports whether the clock is anchored.
func (c *Clock) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Start returns the anchor in nanoseconds, -1 when unset.
func (c *Clock) Start() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return -1
	}
	return c.start
}
