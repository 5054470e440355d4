package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/QVSorrow/low-level-video/internal/surface"
)

var barColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// TestPattern draws colour bars scrolling one bar width per second and the
// frame index and time in the top left corner.
type TestPattern struct {
	maxFrames int
	width     int
	height    int
}

// NewTestPattern returns a test pattern ending at maxFrames.
func NewTestPattern(maxFrames int) *TestPattern {
	return &TestPattern{maxFrames: maxFramesOrDefault(maxFrames)}
}

// Prepare implements Renderer.
func (p *TestPattern) Prepare(s surface.Surface) error {
	p.width, p.height = s.Size()
	return nil
}

// Resize implements Renderer.
func (p *TestPattern) Resize(_ surface.Surface, width, height int) error {
	p.width, p.height = width, height
	return nil
}

// DrawFrame implements Renderer.
func (p *TestPattern) DrawFrame(s surface.Surface, frameIndex int, frameTime time.Duration) (bool, error) {
	canvas := s.Canvas()
	b := canvas.Bounds()
	if p.width == 0 {
		p.width, p.height = b.Dx(), b.Dy()
	}

	barW := max(1, p.width/len(barColors))
	shift := int(frameTime.Seconds() * float64(barW))
	for x := b.Min.X; x < b.Max.X; x++ {
		c := barColors[((x+shift)/barW)%len(barColors)]
		draw.Draw(canvas, image.Rect(x, b.Min.Y, x+1, b.Max.Y), image.NewUniform(c), image.Point{}, draw.Src)
	}

	label := fmt.Sprintf("frame %d  %s", frameIndex, frameTime.Truncate(time.Millisecond))
	face := basicfont.Face7x13
	box := image.Rect(b.Min.X, b.Min.Y, b.Min.X+len(label)*face.Advance+8, b.Min.Y+face.Height+8)
	draw.Draw(canvas, box.Intersect(b), image.NewUniform(color.Black), image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(b.Min.X+4, b.Min.Y+4+face.Ascent),
	}
	d.DrawString(label)

	return frameIndex >= p.maxFrames, nil
}

// Teardown implements Renderer.
func (p *TestPattern) Teardown() error { return nil }

var _ Renderer = (*TestPattern)(nil)
