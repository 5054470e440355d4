package render

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/surface"
)

func newSurface(t *testing.T, w, h int) *surface.Queue {
	t.Helper()
	q := surface.NewQueue(w, h, 1)
	t.Cleanup(q.Release)
	return q
}

func pixel(s surface.Surface, x, y int) color.RGBA {
	return s.Canvas().(*image.RGBA).RGBAAt(x, y)
}

func TestSpringSettles(t *testing.T) {
	s := newSpring(palette[0], palette[1])
	assert.Equal(t, palette[0], s.value(0))
	assert.Positive(t, s.settle)
	assert.Equal(t, palette[1], s.value(s.settle))

	// Underdamped: the red channel overshoots below zero before settling.
	var minRed float64
	for ms := 0; ms < int(s.settle/time.Millisecond); ms += 5 {
		minRed = min(minRed, s.value(time.Duration(ms) * time.Millisecond)[0])
	}
	assert.Negative(t, minRed)

	same := newSpring(palette[2], palette[2])
	assert.True(t, same.finished(0))
}

func TestColorAnimation(t *testing.T) {
	sf := newSurface(t, 8, 8)
	a := NewColorAnimation(3, 42)
	require.NoError(t, a.Prepare(sf))
	require.NoError(t, a.Resize(sf, 8, 8))

	first := a.anim.from.color()
	last, err := a.DrawFrame(sf, 0, 0)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, first, pixel(sf, 0, 0))
	assert.Equal(t, first, pixel(sf, 7, 7))

	for i := 1; i < 3; i++ {
		last, err = a.DrawFrame(sf, i, time.Duration(i)*time.Second/30)
		require.NoError(t, err)
		assert.False(t, last)
	}
	last, err = a.DrawFrame(sf, 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, last)
	require.NoError(t, a.Teardown())
}

func TestColorAnimationPicksNewTarget(t *testing.T) {
	sf := newSurface(t, 2, 2)
	a := NewColorAnimation(0, 7)
	assert.Equal(t, DefaultMaxFrames, a.maxFrames)
	require.NoError(t, a.Prepare(sf))

	prev := a.anim
	_, err := a.DrawFrame(sf, 1, prev.settle+time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, prev.to, a.anim.from)
	assert.NotEqual(t, a.anim.from, a.anim.to)
	assert.Equal(t, prev.settle+time.Millisecond, a.start)
}

func TestColorAnimationSeedIsReproducible(t *testing.T) {
	a, b := NewColorAnimation(10, 99), NewColorAnimation(10, 99)
	sa, sb := newSurface(t, 1, 1), newSurface(t, 1, 1)
	require.NoError(t, a.Prepare(sa))
	require.NoError(t, b.Prepare(sb))
	for i := 0; i < 10; i++ {
		ft := time.Duration(i) * 400 * time.Millisecond
		_, _ = a.DrawFrame(sa, i, ft)
		_, _ = b.DrawFrame(sb, i, ft)
		assert.Equal(t, pixel(sa, 0, 0), pixel(sb, 0, 0), "frame %d", i)
	}
}

func TestTestPattern(t *testing.T) {
	sf := newSurface(t, 140, 40)
	p := NewTestPattern(2)
	require.NoError(t, p.Prepare(sf))

	last, err := p.DrawFrame(sf, 0, 0)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, barColors[0], pixel(sf, 5, 35))
	assert.Equal(t, barColors[1], pixel(sf, 25, 35))

	// The label box is drawn in the corner and holds white glyph pixels.
	var white int
	for y := 0; y < 20; y++ {
		for x := 0; x < 120; x++ {
			if pixel(sf, x, y) == (color.RGBA{0xff, 0xff, 0xff, 0xff}) {
				white++
			}
		}
	}
	assert.Positive(t, white)

	_, err = p.DrawFrame(sf, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, barColors[1], pixel(sf, 5, 35), "bars scroll one width per second")

	last, err = p.DrawFrame(sf, 2, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, last)
}

func TestStill(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 0x10, 0x20, 0x30, 0xff
	}
	path := filepath.Join(t.TempDir(), "still.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	r, err := New(Options{Name: NameStill, ImagePath: path, MaxFrames: 1})
	require.NoError(t, err)
	sf := newSurface(t, 16, 8)
	require.NoError(t, r.Prepare(sf))

	last, err := r.DrawFrame(sf, 0, 0)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, color.RGBA{0x10, 0x20, 0x30, 0xff}, pixel(sf, 8, 4))

	sf.Resize(32, 32)
	last, err = r.DrawFrame(sf, 1, time.Second)
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, color.RGBA{0x10, 0x20, 0x30, 0xff}, pixel(sf, 31, 31))
}

func TestStillErrors(t *testing.T) {
	_, err := NewStill("", 0)
	assert.Error(t, err)

	_, err = NewStill(filepath.Join(t.TempDir(), "missing.png"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "junk.png")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err = NewStill(path, 0)
	assert.ErrorIs(t, err, image.ErrFormat)
}

func TestNew(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	assert.IsType(t, &ColorAnimation{}, r)

	r, err = New(Options{Name: "Pattern"})
	require.NoError(t, err)
	assert.IsType(t, &TestPattern{}, r)

	_, err = New(Options{Name: "teapot"})
	assert.ErrorContains(t, err, "teapot")
}

func TestCounters(t *testing.T) {
	var c Counters
	assert.Equal(t, Snapshot{}, c.Load())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := 0; f < 100; f++ {
				c.Record(f, time.Duration(f)*time.Millisecond)
				s := c.Load()
				assert.Equal(t, time.Duration(s.Frames-1)*time.Millisecond, s.Duration)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.Load().Frames)
}
