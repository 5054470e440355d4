package surface

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// FrameSink receives frames at their presentation time.
type FrameSink interface {
	WriteFrame(img *image.RGBA, ptsNanos int64) error
}

// RawSink writes packed RGBA rows to an io.Writer, e.g. the stdin of ffplay
// started with -f rawvideo -pixel_format rgba.
type RawSink struct {
	W io.Writer
}

// WriteFrame implements FrameSink.
func (s *RawSink) WriteFrame(img *image.RGBA, _ int64) error {
	b := img.Bounds()
	rowBytes := b.Dx() * 4
	if img.Stride == rowBytes {
		_, err := s.W.Write(img.Pix[:rowBytes*b.Dy()])
		return err
	}
	for y := 0; y < b.Dy(); y++ {
		off := y * img.Stride
		if _, err := s.W.Write(img.Pix[off : off+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

// CountingSink discards frames and counts them.
type CountingSink struct {
	frames atomic.Uint64
	last   atomic.Int64
}

// WriteFrame implements FrameSink.
func (s *CountingSink) WriteFrame(_ *image.RGBA, ptsNanos int64) error {
	s.frames.Add(1)
	s.last.Store(ptsNanos)
	return nil
}

// Frames returns the number of frames written.
func (s *CountingSink) Frames() uint64 { return s.frames.Load() }

// Presenter performs timed presentation: it takes frames from a Queue and
// hands each one to its sink no earlier than the frame's presentation time,
// expressed in the media.NanoTime timebase.
type Presenter struct {
	src    *Queue
	sink   FrameSink
	logger *slog.Logger

	// Now defaults to media.NanoTime.
	Now func() int64

	presented atomic.Uint64
}

// NewPresenter creates a presenter for src.
func NewPresenter(src *Queue, sink FrameSink, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{src: src, sink: sink, logger: logger, Now: media.NanoTime}
}

// Presented returns the number of frames handed to the sink.
func (p *Presenter) Presented() uint64 { return p.presented.Load() }

// Run presents frames until the context is cancelled, the surface is
// released, or an end-of-stream frame arrives.
func (p *Presenter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.src.Done():
			return nil
		case f := <-p.src.Frames():
			if f.EndOfStream {
				return nil
			}
			if wait := time.Duration(f.PTSNanos - p.Now()); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if err := p.sink.WriteFrame(f.Image, f.PTSNanos); err != nil {
				return fmt.Errorf("presenting frame: %w", err)
			}
			p.presented.Add(1)
		}
	}
}
