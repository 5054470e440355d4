package mediacodec

import (
	"context"
	"image"
	"log/slog"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Packet is one unit of codec input: a compressed access unit for a decoder,
// packed RGBA pixels for an encoder fed through byte buffers.
type Packet struct {
	Data  []byte
	PTSUs int64
	Flags media.BufferFlags
}

// Output is one unit produced by a backend. Decoders set Image, encoders
// set Data. The end-of-stream output carries no payload.
type Output struct {
	Data  []byte
	Image *image.RGBA
	PTSUs int64
	Flags media.BufferFlags
}

func (o Output) size() int {
	if o.Image != nil {
		return len(o.Image.Pix)
	}
	return len(o.Data)
}

// Sink receives what a backend produces. It is safe for concurrent use.
type Sink interface {
	FormatChanged(format media.Format)
	Output(out Output)
	Error(err error)
}

// Backend does the actual transformation behind a BufferCodec.
type Backend interface {
	// Start begins processing. Outputs are delivered to sink until the
	// context is cancelled or Close is called.
	Start(ctx context.Context, sink Sink) error
	// Queue hands one packet to the backend. A packet flagged end-of-stream
	// ends the input; the backend answers with an end-of-stream output once
	// everything before it has been emitted.
	Queue(pkt Packet) error
	// Flush discards in-flight data and readies the backend for new input.
	Flush() error
	// Close stops the backend and frees its resources.
	Close() error
}

// SurfaceConsumer is implemented by encoder backends that read their input
// from a surface instead of byte buffers.
type SurfaceConsumer interface {
	SetInputSurface(q *surface.Queue)
}

// BackendConfig describes the backend a codec needs.
type BackendConfig struct {
	// Format is the input format for decoders and the requested output
	// format for encoders.
	Format  media.Format
	Encoder bool

	// OutputWidth and OutputHeight are the decoded picture dimensions a
	// decoder should produce. They match the output surface when there is one.
	OutputWidth  int
	OutputHeight int

	Logger *slog.Logger
}

// BackendFactory creates a backend for a configured codec.
type BackendFactory func(cfg BackendConfig) (Backend, error)
