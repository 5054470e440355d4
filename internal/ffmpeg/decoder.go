package ffmpeg

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/mux"
)

// DecoderBackend decodes compressed access units with ffmpeg. Samples are
// muxed into MPEG-TS or fragmented MP4 on stdin; packed RGBA frames scaled
// to the output size come back on stdout.
type DecoderBackend struct {
	cfg      mediacodec.BackendConfig
	opts     Options
	logger   *slog.Logger
	video    codec.Video
	carriage codec.Carriage
	width    int
	height   int

	mu         sync.Mutex
	ctx        context.Context
	sink       mediacodec.Sink
	proc       *Process
	writer     mux.VideoWriter
	pts        ptsHeap
	config     []byte
	gen        int
	eos        bool
	eosPTS     int64
	announced  bool
	closed     bool
	readerDone chan struct{}
}

// NewDecoderBackend validates cfg and returns an unstarted decoder.
func NewDecoderBackend(cfg mediacodec.BackendConfig, opts Options) (*DecoderBackend, error) {
	v, ok := codec.ParseVideo(cfg.Format.MIME)
	if !ok || !v.CanDecode() {
		return nil, media.NewConfigurationError("mime", cfg.Format.MIME, media.ErrUnsupportedMediaType)
	}
	w, h := cfg.OutputWidth, cfg.OutputHeight
	if w <= 0 || h <= 0 {
		w, h = cfg.Format.Width, cfg.Format.Height
	}
	if w <= 0 || h <= 0 {
		return nil, media.NewConfigurationError("size", "decoder needs output dimensions", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DecoderBackend{
		cfg:      cfg,
		opts:     opts,
		logger:   logger.With(slog.String("component", "ffmpeg_decoder"), slog.String("codec", v.String())),
		video:    v,
		carriage: v.InputCarriage(),
		width:    w,
		height:   h,
	}, nil
}

// buildCommand builds the decoding command for the given binary.
func (d *DecoderBackend) buildCommand(bin string) *Command {
	inputFormat := "mpegts"
	if d.carriage == codec.CarriageFMP4 {
		inputFormat = "mov"
	}
	return NewCommandBuilder(bin).
		HideBanner().
		LogLevel(d.opts.LogLevel).
		LowDelayInput().
		InputArgs("-f", inputFormat).
		Input("pipe:0").
		OutputArgs("-map", "0:v:0").
		VideoFilter(fmt.Sprintf("scale=%d:%d", d.width, d.height)).
		RawVideoOutput().
		Output("pipe:1").
		Build()
}

// Start implements mediacodec.Backend.
func (d *DecoderBackend) Start(ctx context.Context, sink mediacodec.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	d.sink = sink
	return d.startLocked()
}

func (d *DecoderBackend) startLocked() error {
	proc, err := startProcess(d.ctx, d.opts, d.logger, d.buildCommand)
	if err != nil {
		return err
	}
	writer, err := mux.NewVideoWriter(proc, d.carriage, mux.Config{
		Codec:      d.video,
		Width:      d.cfg.Format.Width,
		Height:     d.cfg.Format.Height,
		FrameRate:  d.cfg.Format.FrameRate,
		CSD:        d.cfg.Format.CSD,
		Logger:     d.logger,
		LowLatency: true,
	})
	if err != nil {
		proc.Kill()
		return err
	}
	d.proc = proc
	d.writer = writer
	d.pts = d.pts[:0]
	d.eos = false
	d.readerDone = make(chan struct{})
	go d.readFrames(proc, d.gen, d.readerDone)
	return nil
}

// Queue implements mediacodec.Backend.
func (d *DecoderBackend) Queue(pkt mediacodec.Packet) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return media.ErrClosed
	}
	if d.eos {
		d.mu.Unlock()
		return errors.New("input already ended")
	}
	if pkt.Flags.Has(media.FlagEndOfStream) {
		d.eos = true
		d.eosPTS = pkt.PTSUs
		writer, proc := d.writer, d.proc
		d.mu.Unlock()
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flushing decoder input: %w", err)
		}
		return proc.CloseInput()
	}
	if pkt.Flags.Has(media.FlagCodecConfig) {
		d.config = append(d.config, pkt.Data...)
		d.mu.Unlock()
		return nil
	}
	data := pkt.Data
	if len(d.config) > 0 {
		data = append(d.config, data...)
		d.config = nil
	}
	heap.Push(&d.pts, pkt.PTSUs)
	writer := d.writer
	d.mu.Unlock()

	// Writes may block until ffmpeg consumes input; the reader keeps
	// draining stdout meanwhile.
	if err := writer.WriteVideo(pkt.PTSUs, data, pkt.Flags.Has(media.FlagKeyFrame)); err != nil {
		return fmt.Errorf("writing to ffmpeg: %w", err)
	}
	return nil
}

func (d *DecoderBackend) readFrames(proc *Process, gen int, done chan struct{}) {
	defer close(done)
	frameSize := d.width * d.height * 4

	for {
		img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
		if _, err := io.ReadFull(proc, img.Pix[:frameSize]); err != nil {
			d.finish(proc, gen, err)
			return
		}

		d.mu.Lock()
		if gen != d.gen || d.closed {
			d.mu.Unlock()
			return
		}
		var pts int64
		if d.pts.Len() > 0 {
			pts = heap.Pop(&d.pts).(int64)
		}
		announce := !d.announced
		d.announced = true
		sink := d.sink
		d.mu.Unlock()

		if announce {
			f := d.cfg.Format.Clone()
			f.Width, f.Height = d.width, d.height
			f.ColorFormat = media.ColorFormatRGBA
			sink.FormatChanged(f)
		}
		sink.Output(mediacodec.Output{Image: img, PTSUs: pts})
	}
}

// finish handles the end of stdout: end of stream after a requested EOS,
// a failure otherwise.
func (d *DecoderBackend) finish(proc *Process, gen int, readErr error) {
	<-proc.Exited()

	d.mu.Lock()
	stale := gen != d.gen || d.closed || proc.Stopping()
	eos, eosPTS, sink := d.eos, d.eosPTS, d.sink
	d.mu.Unlock()
	if stale {
		return
	}
	if eos && proc.Err() == nil {
		sink.Output(mediacodec.Output{PTSUs: eosPTS, Flags: media.FlagEndOfStream})
		return
	}
	if errors.Is(readErr, io.ErrUnexpectedEOF) {
		d.logger.Warn("ffmpeg output ended mid-frame")
	}
	sink.Error(proc.ExitError())
}

// Flush implements mediacodec.Backend. The process is restarted because
// ffmpeg has no way to drop frames already buffered in its decoder.
func (d *DecoderBackend) Flush() error {
	d.mu.Lock()
	if d.closed || d.proc == nil {
		d.mu.Unlock()
		return nil
	}
	d.gen++
	proc, done := d.proc, d.readerDone
	d.config = nil
	d.mu.Unlock()

	proc.Kill()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.startLocked()
}

// Close implements mediacodec.Backend.
func (d *DecoderBackend) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	proc, done := d.proc, d.readerDone
	d.mu.Unlock()

	if proc == nil {
		return nil
	}
	proc.Kill()
	<-done
	return nil
}

// ptsHeap restores presentation order of decoded frames.
type ptsHeap []int64

func (h ptsHeap) Len() int           { return len(h) }
func (h ptsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ptsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ptsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *ptsHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ mediacodec.Backend = (*DecoderBackend)(nil)
