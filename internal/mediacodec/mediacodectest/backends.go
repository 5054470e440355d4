// Package mediacodectest provides deterministic in-memory codec backends so
// pipeline code can be exercised without an ffmpeg binary.
package mediacodectest

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// ConfigNAL is the parameter set payload fake encoders emit.
var ConfigNAL = []byte{0x67, 0x42, 0x00, 0x1f}

// Backends creates fake backends and remembers each one it made.
type Backends struct {
	// GOP is the key frame spacing of fake encoders. Zero means every frame.
	GOP int
	// DecoderQueueErr, when set, is returned by every decoder Queue call.
	DecoderQueueErr error
	// EncoderErr, when set, is reported by encoders through their sink as
	// soon as they start. Such encoders never read their input surface.
	EncoderErr error
	// EncoderStalled makes encoders start without ever reading their input
	// surface, like an ffmpeg process that stopped consuming stdin.
	EncoderStalled bool

	mu       sync.Mutex
	decoders []*Decoder
	encoders []*Encoder
}

// Factory returns a codec factory wired to the fake backends.
func (b *Backends) Factory(logger *slog.Logger) *mediacodec.Factory {
	return mediacodec.NewFactory(b.DecoderFactory(), b.EncoderFactory(), mediacodec.Options{}, logger)
}

// DecoderFactory returns a BackendFactory producing Decoders.
func (b *Backends) DecoderFactory() mediacodec.BackendFactory {
	return func(cfg mediacodec.BackendConfig) (mediacodec.Backend, error) {
		d := &Decoder{cfg: cfg, queueErr: b.DecoderQueueErr}
		b.mu.Lock()
		b.decoders = append(b.decoders, d)
		b.mu.Unlock()
		return d, nil
	}
}

// EncoderFactory returns a BackendFactory producing Encoders.
func (b *Backends) EncoderFactory() mediacodec.BackendFactory {
	return func(cfg mediacodec.BackendConfig) (mediacodec.Backend, error) {
		e := &Encoder{cfg: cfg, gop: b.GOP, startErr: b.EncoderErr, stalled: b.EncoderStalled}
		b.mu.Lock()
		b.encoders = append(b.encoders, e)
		b.mu.Unlock()
		return e, nil
	}
}

// Decoders returns the decoders created so far.
func (b *Backends) Decoders() []*Decoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Decoder(nil), b.decoders...)
}

// Encoders returns the encoders created so far.
func (b *Backends) Encoders() []*Encoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Encoder(nil), b.encoders...)
}

// Decoder turns every packet into a solid picture whose red channel is the
// packet's first byte. It emits synchronously from Queue.
type Decoder struct {
	cfg      mediacodec.BackendConfig
	queueErr error

	mu      sync.Mutex
	sink    mediacodec.Sink
	queued  []mediacodec.Packet
	flushes int
	closed  bool
}

// Start implements mediacodec.Backend.
func (d *Decoder) Start(_ context.Context, sink mediacodec.Sink) error {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return nil
}

// Queue implements mediacodec.Backend.
func (d *Decoder) Queue(pkt mediacodec.Packet) error {
	if d.queueErr != nil {
		return d.queueErr
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("decoder closed")
	}
	d.queued = append(d.queued, pkt)
	sink := d.sink
	d.mu.Unlock()

	if pkt.Flags.Has(media.FlagEndOfStream) {
		sink.Output(mediacodec.Output{PTSUs: pkt.PTSUs, Flags: media.FlagEndOfStream})
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, d.cfg.OutputWidth, d.cfg.OutputHeight))
	var r uint8
	if len(pkt.Data) > 0 {
		r = pkt.Data[0]
	}
	fill(img, color.RGBA{R: r, A: 0xff})
	sink.Output(mediacodec.Output{Image: img, PTSUs: pkt.PTSUs, Flags: pkt.Flags & media.FlagKeyFrame})
	return nil
}

// Flush implements mediacodec.Backend.
func (d *Decoder) Flush() error {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil
}

// Close implements mediacodec.Backend.
func (d *Decoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Queued returns the packets queued so far.
func (d *Decoder) Queued() []mediacodec.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]mediacodec.Packet(nil), d.queued...)
}

// Flushes returns how often Flush was called.
func (d *Decoder) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Closed reports whether Close was called.
func (d *Decoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Config returns the configuration the decoder was created with.
func (d *Decoder) Config() mediacodec.BackendConfig { return d.cfg }

// Encoder emits a codec-config buffer, then one 8-byte packet per frame
// holding the frame's presentation time in microseconds. It reads frames from
// an input surface when one is set, otherwise from queued packets.
type Encoder struct {
	cfg      mediacodec.BackendConfig
	gop      int
	startErr error
	stalled  bool

	mu      sync.Mutex
	sink    mediacodec.Sink
	in      *surface.Queue
	frames  int
	started bool
	closed  bool
	done    chan struct{}
}

// SetInputSurface implements mediacodec.SurfaceConsumer.
func (e *Encoder) SetInputSurface(q *surface.Queue) {
	e.mu.Lock()
	e.in = q
	e.mu.Unlock()
}

// Start implements mediacodec.Backend.
func (e *Encoder) Start(ctx context.Context, sink mediacodec.Sink) error {
	e.mu.Lock()
	e.sink = sink
	e.started = true
	e.done = make(chan struct{})
	in := e.in
	e.mu.Unlock()

	if e.startErr != nil {
		sink.Error(e.startErr)
	}
	if in == nil || e.startErr != nil || e.stalled {
		close(e.done)
		return nil
	}
	go func() {
		defer close(e.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-in.Done():
				return
			case f := <-in.Frames():
				if f.EndOfStream {
					e.emitEOS(f.PTSNanos / 1000)
					return
				}
				e.emit(f.PTSNanos / 1000)
			}
		}
	}()
	return nil
}

// Queue implements mediacodec.Backend.
func (e *Encoder) Queue(pkt mediacodec.Packet) error {
	if pkt.Flags.Has(media.FlagEndOfStream) {
		e.emitEOS(pkt.PTSUs)
		return nil
	}
	e.emit(pkt.PTSUs)
	return nil
}

func (e *Encoder) emit(ptsUs int64) {
	e.mu.Lock()
	first := e.frames == 0
	idx := e.frames
	e.frames++
	sink := e.sink
	e.mu.Unlock()

	if first {
		f := e.cfg.Format.Clone()
		f.CSD = [][]byte{ConfigNAL}
		sink.FormatChanged(f)
		sink.Output(mediacodec.Output{Data: append([]byte(nil), ConfigNAL...), Flags: media.FlagCodecConfig})
	}
	flags := media.BufferFlags(0)
	if e.gop <= 1 || idx%e.gop == 0 {
		flags |= media.FlagKeyFrame
	}
	sink.Output(mediacodec.Output{Data: EncodePTS(ptsUs), PTSUs: ptsUs, Flags: flags})
}

func (e *Encoder) emitEOS(ptsUs int64) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink.Output(mediacodec.Output{PTSUs: ptsUs, Flags: media.FlagEndOfStream})
}

// Flush implements mediacodec.Backend.
func (e *Encoder) Flush() error { return nil }

// Close implements mediacodec.Backend.
func (e *Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Frames returns the number of frames encoded.
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Closed reports whether Close was called.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// EncodePTS is the payload fake encoders write for a frame.
func EncodePTS(ptsUs int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ptsUs))
	return b
}

// DecodePTS reverses EncodePTS.
func DecodePTS(b []byte) int64 {
	if len(b) < 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(b))
}

func fill(img *image.RGBA, c color.RGBA) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}
