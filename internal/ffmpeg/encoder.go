package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/mux"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Encoder defaults applied when the requested format leaves them unset.
const (
	defaultEncodeFrameRate      = 30
	defaultEncodeIFrameInterval = 1
)

// EncoderBackend encodes packed RGBA frames with libx264 or libx265. Frames
// come from an input surface or from queued byte buffers; the encoded stream
// is read back as MPEG-TS and split into access units. The first output is a
// codec-config buffer holding the parameter sets.
type EncoderBackend struct {
	cfg    mediacodec.BackendConfig
	opts   Options
	logger *slog.Logger
	video  codec.Video
	width  int
	height int
	fps    int
	gop    int

	mu         sync.Mutex
	ctx        context.Context
	sink       mediacodec.Sink
	in         *surface.Queue
	proc       *Process
	pts        []int64
	gen        int
	eos        bool
	eosPTS     int64
	lastPTS    int64
	configSent bool
	closed     bool
	readerDone chan struct{}
	feedDone   chan struct{}
}

// NewEncoderBackend validates cfg and returns an unstarted encoder.
func NewEncoderBackend(cfg mediacodec.BackendConfig, opts Options) (*EncoderBackend, error) {
	v, ok := codec.ParseVideo(cfg.Format.MIME)
	if !ok || !v.CanEncode() {
		return nil, media.NewConfigurationError("mime", cfg.Format.MIME, media.ErrUnsupportedMediaType)
	}
	f := cfg.Format
	if f.Width <= 0 || f.Height <= 0 {
		return nil, media.NewConfigurationError("size", fmt.Sprintf("invalid encoder size %dx%d", f.Width, f.Height), nil)
	}
	fps := f.FrameRate
	if fps <= 0 {
		fps = defaultEncodeFrameRate
	}
	iframe := f.IFrameInterval
	if iframe <= 0 {
		iframe = defaultEncodeIFrameInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EncoderBackend{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String("component", "ffmpeg_encoder"), slog.String("codec", v.String())),
		video:  v,
		width:  f.Width,
		height: f.Height,
		fps:    fps,
		gop:    fps * iframe,
	}, nil
}

// SetInputSurface implements mediacodec.SurfaceConsumer.
func (e *EncoderBackend) SetInputSurface(q *surface.Queue) {
	e.mu.Lock()
	e.in = q
	e.mu.Unlock()
}

func (e *EncoderBackend) buildCommand(bin string) *Command {
	b := NewCommandBuilder(bin).
		HideBanner().
		LogLevel(e.opts.LogLevel).
		RawVideoInput(e.width, e.height, e.fps).
		Input("pipe:0").
		VideoCodec(e.video.Encoder()).
		OutputArgs("-pix_fmt", "yuv420p").
		GOP(e.gop).
		VideoPreset(e.opts.Preset)

	if br := e.cfg.Format.BitRate; br > 0 {
		b.VideoBitrate(strconv.Itoa(br))
	}
	switch e.video {
	case codec.VideoH264:
		b.OutputArgs("-tune", "zerolatency")
	case codec.VideoH265:
		b.OutputArgs("-x265-params", "bframes=0:repeat-headers=1:log-level=error")
	}
	return b.ApplyCustomOutputOptions(e.opts.ExtraEncoderArgs).
		MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Output("pipe:1").
		Build()
}

// Start implements mediacodec.Backend.
func (e *EncoderBackend) Start(ctx context.Context, sink mediacodec.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
	e.sink = sink
	return e.startLocked()
}

func (e *EncoderBackend) startLocked() error {
	proc, err := startProcess(e.ctx, e.opts, e.logger, e.buildCommand)
	if err != nil {
		return err
	}
	e.proc = proc
	e.pts = e.pts[:0]
	e.eos = false
	e.readerDone = make(chan struct{})
	go e.readOutput(proc, e.gen, e.readerDone)
	if e.in != nil && e.feedDone == nil {
		e.feedDone = make(chan struct{})
		go e.feedSurface(e.ctx, e.in, e.feedDone)
	}
	return nil
}

// feedSurface forwards swapped surface frames to ffmpeg until the surface
// signals end of stream or is released.
func (e *EncoderBackend) feedSurface(ctx context.Context, in *surface.Queue, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.Done():
			return
		case f := <-in.Frames():
			if f.EndOfStream {
				if err := e.endInput(f.PTSNanos / 1000); err != nil {
					e.fail(err)
				}
				return
			}
			if err := e.writeFrame(f.Image, f.PTSNanos/1000); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

// Queue implements mediacodec.Backend for byte-buffer input: each packet is
// one packed RGBA frame.
func (e *EncoderBackend) Queue(pkt mediacodec.Packet) error {
	if pkt.Flags.Has(media.FlagEndOfStream) {
		return e.endInput(pkt.PTSUs)
	}
	want := e.width * e.height * 4
	if len(pkt.Data) != want {
		return fmt.Errorf("encoder input is %d bytes, want %d", len(pkt.Data), want)
	}
	img := &image.RGBA{Pix: pkt.Data, Stride: e.width * 4, Rect: image.Rect(0, 0, e.width, e.height)}
	return e.writeFrame(img, pkt.PTSUs)
}

func (e *EncoderBackend) writeFrame(img *image.RGBA, ptsUs int64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return media.ErrClosed
	}
	if e.eos {
		e.mu.Unlock()
		return errors.New("input already ended")
	}
	e.pts = append(e.pts, ptsUs)
	proc := e.proc
	e.mu.Unlock()

	pix := img.Pix
	if img.Bounds().Dx() != e.width || img.Bounds().Dy() != e.height || img.Stride != e.width*4 {
		scaled := image.NewRGBA(image.Rect(0, 0, e.width, e.height))
		surface.Blit(scaled, img)
		pix = scaled.Pix
	}
	_, err := proc.Write(pix)
	return err
}

func (e *EncoderBackend) endInput(ptsUs int64) error {
	e.mu.Lock()
	if e.eos || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.eos = true
	e.eosPTS = ptsUs
	proc := e.proc
	e.mu.Unlock()
	return proc.CloseInput()
}

func (e *EncoderBackend) fail(err error) {
	e.mu.Lock()
	closed, sink := e.closed, e.sink
	e.mu.Unlock()
	if !closed {
		sink.Error(err)
	}
}

func (e *EncoderBackend) readOutput(proc *Process, gen int, done chan struct{}) {
	defer close(done)

	params := mux.NewParamSets(e.video)
	reader := mux.NewTSReader(proc, e.logger)
	reader.OnVideo(func(s mux.VideoSample) error {
		return e.emit(gen, params, s)
	})
	err := reader.Run(e.ctx)

	<-proc.Exited()
	e.mu.Lock()
	stale := gen != e.gen || e.closed || proc.Stopping()
	eos, eosPTS, lastPTS, sink := e.eos, e.eosPTS, e.lastPTS, e.sink
	e.mu.Unlock()
	if stale {
		return
	}
	if err != nil && !errors.Is(err, errStaleOutput) {
		sink.Error(fmt.Errorf("reading encoder output: %w", err))
		return
	}
	if eos && proc.Err() == nil {
		sink.Output(mediacodec.Output{PTSUs: max(eosPTS, lastPTS), Flags: media.FlagEndOfStream})
		return
	}
	sink.Error(proc.ExitError())
}

var errStaleOutput = errors.New("stale encoder output")

func (e *EncoderBackend) emit(gen int, params *mux.ParamSets, s mux.VideoSample) error {
	params.Extract(s.NALUs)

	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return errStaleOutput
	}
	pts := s.PTSUs
	if len(e.pts) > 0 {
		pts = e.pts[0]
		e.pts = e.pts[1:]
	}
	e.lastPTS = pts
	sendConfig := !e.configSent && params.Complete()
	if sendConfig {
		e.configSent = true
	}
	sink := e.sink
	e.mu.Unlock()

	if sendConfig {
		csd := params.CSD()
		f := e.cfg.Format.Clone()
		f.CSD = csd
		sink.FormatChanged(f)

		config, err := mux.JoinAnnexB(csd)
		if err != nil {
			return err
		}
		sink.Output(mediacodec.Output{Data: config, PTSUs: 0, Flags: media.FlagCodecConfig})
	}

	data, err := s.AnnexB()
	if err != nil {
		return err
	}
	var flags media.BufferFlags
	if s.KeyFrame {
		flags |= media.FlagKeyFrame
	}
	sink.Output(mediacodec.Output{Data: data, PTSUs: pts, Flags: flags})
	return nil
}

// Flush implements mediacodec.Backend by restarting ffmpeg.
func (e *EncoderBackend) Flush() error {
	e.mu.Lock()
	if e.closed || e.proc == nil {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	proc, done := e.proc, e.readerDone
	e.mu.Unlock()

	proc.Kill()
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.startLocked()
}

// Close implements mediacodec.Backend.
func (e *EncoderBackend) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	proc, done, feedDone := e.proc, e.readerDone, e.feedDone
	e.mu.Unlock()

	if proc == nil {
		return nil
	}
	proc.Kill()
	<-done
	if feedDone != nil {
		<-feedDone
	}
	return nil
}

var (
	_ mediacodec.Backend         = (*EncoderBackend)(nil)
	_ mediacodec.SurfaceConsumer = (*EncoderBackend)(nil)
)
