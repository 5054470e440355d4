package render

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"time"

	// Register image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// WebP support from x/image
	_ "golang.org/x/image/webp"

	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Still shows one picture (PNG, JPEG, GIF or WebP) scaled to the surface on
// every frame.
type Still struct {
	maxFrames int
	src       image.Image
	scaled    *image.RGBA
}

// NewStill loads the picture at path.
func NewStill(path string, maxFrames int) (*Still, error) {
	if path == "" {
		return nil, fmt.Errorf("still renderer needs an image path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image (format=%s): %w", format, err)
	}
	return NewStillImage(img, maxFrames), nil
}

// NewStillImage shows img.
func NewStillImage(img image.Image, maxFrames int) *Still {
	return &Still{maxFrames: maxFramesOrDefault(maxFrames), src: img}
}

// Prepare implements Renderer.
func (s *Still) Prepare(sf surface.Surface) error {
	w, h := sf.Size()
	return s.Resize(sf, w, h)
}

// Resize implements Renderer. The picture is scaled once per size.
func (s *Still) Resize(_ surface.Surface, width, height int) error {
	if width <= 0 || height <= 0 {
		s.scaled = nil
		return nil
	}
	if s.scaled != nil && s.scaled.Bounds().Dx() == width && s.scaled.Bounds().Dy() == height {
		return nil
	}
	s.scaled = image.NewRGBA(image.Rect(0, 0, width, height))
	surface.Blit(s.scaled, s.src)
	return nil
}

// DrawFrame implements Renderer.
func (s *Still) DrawFrame(sf surface.Surface, frameIndex int, _ time.Duration) (bool, error) {
	canvas := sf.Canvas()
	b := canvas.Bounds()
	if s.scaled == nil || s.scaled.Bounds().Size() != b.Size() {
		if err := s.Resize(sf, b.Dx(), b.Dy()); err != nil {
			return false, err
		}
	}
	if s.scaled != nil {
		draw.Draw(canvas, b, s.scaled, image.Point{}, draw.Src)
	}
	return frameIndex >= s.maxFrames, nil
}

// Teardown implements Renderer.
func (s *Still) Teardown() error {
	s.scaled = nil
	return nil
}

var _ Renderer = (*Still)(nil)
