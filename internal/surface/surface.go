// Package surface provides the render targets frames travel through between
// the decoder, the render callbacks, the encoder and the presenter.
package surface

import (
	"errors"
	"image"
	"image/draw"
	"sync"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"
)

// ErrReleased is returned when a released surface is used.
var ErrReleased = errors.New("surface released")

// Surface is a drawable target whose frames are consumed by someone else.
type Surface interface {
	// Size returns the current canvas dimensions.
	Size() (width, height int)
	// Canvas returns the back buffer to draw the next frame into.
	Canvas() draw.Image
	// SetPresentationTime stamps the next swapped frame.
	SetPresentationTime(nanos int64)
	// SwapBuffers submits the back buffer to the consumer.
	SwapBuffers() error
	// Release frees the surface. Further swaps fail with ErrReleased.
	Release()
}

// Frame is one submitted canvas.
type Frame struct {
	Image       *image.RGBA
	PTSNanos    int64
	EndOfStream bool
}

// Queue is a Surface whose swaps are delivered, in order, on a bounded channel.
// A full channel blocks SwapBuffers, which is how a slow consumer applies
// backpressure to the producer.
type Queue struct {
	mu     sync.Mutex
	canvas *image.RGBA
	pts    int64

	frames   chan Frame
	released chan struct{}
	once     sync.Once

	swaps atomic.Uint64
}

// NewQueue creates a queue surface of the given size holding up to depth frames.
func NewQueue(width, height, depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{
		canvas:   image.NewRGBA(image.Rect(0, 0, width, height)),
		frames:   make(chan Frame, depth),
		released: make(chan struct{}),
	}
}

// Size implements Surface.
func (q *Queue) Size() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.canvas.Bounds()
	return b.Dx(), b.Dy()
}

// Canvas implements Surface.
func (q *Queue) Canvas() draw.Image {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canvas
}

// Resize replaces the canvas with a blank one of the new size.
func (q *Queue) Resize(width, height int) {
	q.mu.Lock()
	q.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	q.mu.Unlock()
}

// SetPresentationTime implements Surface.
func (q *Queue) SetPresentationTime(nanos int64) {
	q.mu.Lock()
	q.pts = nanos
	q.mu.Unlock()
}

// SwapBuffers implements Surface. The canvas is copied so the producer can
// keep drawing while the consumer holds the frame.
func (q *Queue) SwapBuffers() error {
	q.mu.Lock()
	img := image.NewRGBA(q.canvas.Bounds())
	copy(img.Pix, q.canvas.Pix)
	f := Frame{Image: img, PTSNanos: q.pts}
	q.mu.Unlock()

	if err := q.send(f); err != nil {
		return err
	}
	q.swaps.Add(1)
	return nil
}

// SignalEndOfStream enqueues the end-of-stream marker behind all swapped frames.
func (q *Queue) SignalEndOfStream() error {
	q.mu.Lock()
	pts := q.pts
	q.mu.Unlock()
	return q.send(Frame{PTSNanos: pts, EndOfStream: true})
}

func (q *Queue) send(f Frame) error {
	select {
	case <-q.released:
		return ErrReleased
	default:
	}
	select {
	case q.frames <- f:
		return nil
	case <-q.released:
		return ErrReleased
	}
}

// Frames returns the channel frames are delivered on.
func (q *Queue) Frames() <-chan Frame { return q.frames }

// Done is closed when the surface is released.
func (q *Queue) Done() <-chan struct{} { return q.released }

// Swaps returns the number of frames submitted so far.
func (q *Queue) Swaps() uint64 { return q.swaps.Load() }

// Release implements Surface.
func (q *Queue) Release() {
	q.once.Do(func() { close(q.released) })
}

// Blit draws src onto the whole of dst, scaling with bilinear interpolation
// when the sizes differ.
func Blit(dst draw.Image, src image.Image) {
	db, sb := dst.Bounds(), src.Bounds()
	if db.Size() == sb.Size() {
		xdraw.Draw(dst, db, src, sb.Min, xdraw.Src)
		return
	}
	xdraw.ApproxBiLinear.Scale(dst, db, src, sb, xdraw.Src, nil)
}

var _ Surface = (*Queue)(nil)
