package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand/v2"
	"time"

	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Spring constants of the colour transitions: a medium bouncy, low
// stiffness spring with unit mass.
const (
	springDamping   = 0.5
	springStiffness = 200.0
	// springThreshold is the distance per channel below which a transition
	// counts as settled.
	springThreshold = 0.01
)

var palette = []rgba{
	{1, 0, 0, 1},
	{0, 0, 1, 1},
	{0, 0, 0, 1},
	{0.5, 0.5, 0.5, 1},
	{1, 1, 1, 1},
	{1, 1, 0, 1},
}

type rgba [4]float64

func (c rgba) color() color.RGBA {
	ch := func(v float64) uint8 { return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255)) }
	return color.RGBA{R: ch(c[0]), G: ch(c[1]), B: ch(c[2]), A: ch(c[3])}
}

// spring eases every channel from one colour to another along an
// underdamped spring.
type spring struct {
	from, to rgba
	settle   time.Duration
}

func newSpring(from, to rgba) spring {
	s := spring{from: from, to: to}
	omega := math.Sqrt(springStiffness)
	var dist float64
	for i := range from {
		dist = math.Max(dist, math.Abs(from[i]-to[i]))
	}
	if dist > springThreshold {
		// The envelope of the oscillation decays as exp(-zeta*omega*t).
		secs := math.Log(dist/springThreshold) / (springDamping * omega)
		s.settle = time.Duration(secs * float64(time.Second))
	}
	return s
}

func (s spring) finished(t time.Duration) bool { return t >= s.settle }

func (s spring) value(t time.Duration) rgba {
	if s.finished(t) {
		return s.to
	}
	omega := math.Sqrt(springStiffness)
	damped := omega * math.Sqrt(1-springDamping*springDamping)
	secs := t.Seconds()
	decay := math.Exp(-springDamping * omega * secs)
	k := decay * (math.Cos(damped*secs) + springDamping*omega/damped*math.Sin(damped*secs))
	var out rgba
	for i := range out {
		out[i] = s.to[i] + (s.from[i]-s.to[i])*k
	}
	return out
}

// ColorAnimation fills the surface with random palette colours, moving from
// one to the next with a damped spring. Frame maxFrames is the last one.
type ColorAnimation struct {
	maxFrames int
	rng       *rand.Rand

	anim  spring
	start time.Duration
}

// NewColorAnimation returns a colour animation ending at maxFrames (default
// DefaultMaxFrames). A zero seed is replaced by a random one.
func NewColorAnimation(maxFrames int, seed uint64) *ColorAnimation {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &ColorAnimation{
		maxFrames: maxFramesOrDefault(maxFrames),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (a *ColorAnimation) pick(except rgba) rgba {
	for {
		c := palette[a.rng.IntN(len(palette))]
		if c != except {
			return c
		}
	}
}

// Prepare implements Renderer.
func (a *ColorAnimation) Prepare(surface.Surface) error {
	from := palette[a.rng.IntN(len(palette))]
	a.anim = newSpring(from, a.pick(from))
	a.start = 0
	return nil
}

// Resize implements Renderer.
func (a *ColorAnimation) Resize(surface.Surface, int, int) error { return nil }

// DrawFrame implements Renderer.
func (a *ColorAnimation) DrawFrame(s surface.Surface, frameIndex int, frameTime time.Duration) (bool, error) {
	t := frameTime - a.start
	if a.anim.finished(t) {
		a.anim = newSpring(a.anim.to, a.pick(a.anim.to))
		a.start = frameTime
		t = 0
	}
	c := a.anim.value(t).color()
	canvas := s.Canvas()
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return frameIndex >= a.maxFrames, nil
}

// Teardown implements Renderer.
func (a *ColorAnimation) Teardown() error { return nil }

var _ Renderer = (*ColorAnimation)(nil)
