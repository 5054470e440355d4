package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mux"
)

// Muxer errors.
var (
	ErrMuxerNotStarted   = errors.New("muxer not started")
	ErrMuxerStarted      = errors.New("muxer already started")
	ErrTrackAlreadyAdded = errors.New("muxer already has a track")
	ErrNoTrackAdded      = errors.New("muxer has no track")
	ErrNoSamples         = errors.New("no samples written")
)

// PartialSuffix marks output files still being written.
const PartialSuffix = ".partial"

// Muxer writes one encoded video track into a single output file. The track
// is added before Start; samples may only be written between Start and Stop.
type Muxer interface {
	// AddTrack registers the track format and returns its track id.
	AddTrack(f media.Format) (int, error)
	// Start opens the output.
	Start() error
	// WriteSampleData writes the buffer range described by info.
	WriteSampleData(track int, data []byte, info media.BufferInfo) error
	// Stop finalizes the output file. Repeated calls return nil.
	Stop() error
	// Release frees resources, discarding an output that was not stopped.
	Release() error
}

type muxerState int

const (
	muxerInitialized muxerState = iota
	muxerStarted
	muxerStopped
	muxerReleased
)

func (s muxerState) String() string {
	switch s {
	case muxerInitialized:
		return "initialized"
	case muxerStarted:
		return "started"
	case muxerStopped:
		return "stopped"
	default:
		return "released"
	}
}

// containerCodecs lists the video codecs each output container carries.
var containerCodecs = map[Format][]codec.Video{
	FormatMP4:  {codec.VideoH264, codec.VideoH265, codec.VideoVP9, codec.VideoAV1},
	FormatTS:   {codec.VideoH264, codec.VideoH265},
	FormatWebM: {codec.VideoVP9, codec.VideoAV1},
	Format3GP:  {codec.VideoH264},
	FormatHEIF: {codec.VideoH265, codec.VideoAV1},
	FormatOGG:  {},
}

// CanCarry reports whether the container accepts the video codec.
func (f Format) CanCarry(v codec.Video) bool {
	return slices.Contains(containerCodecs[f], v)
}

// remuxFormat returns the ffmpeg muxer and extra options for containers
// written through an ffmpeg stream copy. Ogg carries no video codec, so
// AddTrack rejects it before a muxer is ever needed.
func (f Format) remuxFormat() (string, []string, bool) {
	switch f {
	case FormatWebM:
		return "webm", nil, true
	case Format3GP:
		return "3gp", nil, true
	case FormatHEIF:
		return "mp4", []string{"-brand", "heic"}, true
	default:
		return "", nil, false
	}
}

// MuxerOptions configure a FileMuxer.
type MuxerOptions struct {
	// FFmpeg runs the stream copy for containers without a native writer.
	FFmpeg ffmpeg.Options
	Logger *slog.Logger
}

// FileMuxer implements Muxer. MP4 (fragmented) and MPEG-TS are written
// directly; WebM, 3GP and HEIF go through an ffmpeg stream copy. Data
// goes to path+PartialSuffix and is renamed into place by Stop.
type FileMuxer struct {
	path   string
	format Format
	opts   MuxerOptions
	logger *slog.Logger

	mu      sync.Mutex
	state   muxerState
	track   *media.Format
	video   codec.Video
	file    *os.File
	buf     *bufio.Writer
	proc    *ffmpeg.Process
	drained chan struct{}
	writer  mux.VideoWriter
	samples int
	lastUs  int64
}

// NewMuxer returns a muxer writing format f to path.
func NewMuxer(path string, f Format, opts MuxerOptions) *FileMuxer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FFmpeg.StopTimeout <= 0 {
		opts.FFmpeg.StopTimeout = ffmpeg.DefaultStopTimeout
	}
	if opts.FFmpeg.LogLevel == "" {
		opts.FFmpeg.LogLevel = ffmpeg.DefaultOptions().LogLevel
	}
	return &FileMuxer{
		path:   path,
		format: f,
		opts:   opts,
		logger: logger.With(slog.String("component", "muxer"), slog.String("container", string(f))),
	}
}

// Path returns the final output path.
func (m *FileMuxer) Path() string { return m.path }

// Samples returns the number of samples written.
func (m *FileMuxer) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

func (m *FileMuxer) partialPath() string { return m.path + PartialSuffix }

// AddTrack implements Muxer. Only one video track is supported.
func (m *FileMuxer) AddTrack(f media.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state != muxerInitialized:
		return -1, fmt.Errorf("adding track to %s muxer: %w", m.state, ErrMuxerStarted)
	case m.track != nil:
		return -1, ErrTrackAlreadyAdded
	}
	v, ok := codec.ParseVideo(f.MIME)
	if !ok {
		return -1, media.NewConfigurationError("mime", f.MIME, media.ErrUnsupportedMediaType)
	}
	if !m.format.CanCarry(v) {
		return -1, media.NewConfigurationError("container",
			fmt.Sprintf("%s cannot carry %s", m.format, v), media.ErrUnsupportedMediaType)
	}
	track := f.Clone()
	m.track = &track
	m.video = v
	m.logger.Debug("track added", slog.String("format", f.String()), slog.Int("csd", len(f.CSD)))
	return 0, nil
}

// Start implements Muxer.
func (m *FileMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != muxerInitialized {
		return fmt.Errorf("starting %s muxer: %w", m.state, ErrMuxerStarted)
	}
	if m.track == nil {
		return ErrNoTrackAdded
	}

	cfg := mux.Config{
		Codec:     m.video,
		Width:     m.track.Width,
		Height:    m.track.Height,
		FrameRate: m.track.FrameRate,
		CSD:       m.track.CSD,
		Logger:    m.logger,
	}

	var err error
	if name, extra, ok := m.format.remuxFormat(); ok {
		err = m.startRemux(cfg, name, extra)
	} else {
		err = m.startFile(cfg)
	}
	if err != nil {
		return err
	}
	m.state = muxerStarted
	m.logger.Info("muxer started", slog.String("path", m.path))
	return nil
}

func (m *FileMuxer) startFile(cfg mux.Config) error {
	f, err := os.Create(m.partialPath())
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	m.file = f
	m.buf = bufio.NewWriterSize(f, 256*1024)

	if m.format == FormatTS {
		m.writer, err = mux.NewTSWriter(m.buf, cfg)
	} else {
		m.writer, err = mux.NewFMP4Writer(m.buf, cfg)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(m.partialPath())
		return err
	}
	return nil
}

func (m *FileMuxer) startRemux(cfg mux.Config, name string, extra []string) error {
	bin, err := m.opts.FFmpeg.Binary()
	if err != nil {
		return err
	}
	carriage := m.video.InputCarriage()
	inputFormat := "mpegts"
	if carriage == codec.CarriageFMP4 {
		inputFormat = "mov"
	}
	cmd := ffmpeg.NewCommandBuilder(bin).
		HideBanner().
		LogLevel(m.opts.FFmpeg.LogLevel).
		Overwrite().
		InputArgs("-f", inputFormat).
		Input("pipe:0").
		OutputArgs("-map", "0:v:0", "-c", "copy").
		OutputArgs(extra...).
		OutputArgs("-f", name).
		Output(m.partialPath()).
		Build()

	proc, err := ffmpeg.StartProcess(context.Background(), cmd, m.opts.FFmpeg.ProcessConfig(), m.logger)
	if err != nil {
		return err
	}
	writer, err := mux.NewVideoWriter(proc, carriage, cfg)
	if err != nil {
		proc.Kill()
		return err
	}
	m.proc = proc
	m.writer = writer
	m.drained = make(chan struct{})
	go func() {
		defer close(m.drained)
		_, _ = io.Copy(io.Discard, proc)
	}()
	return nil
}

// WriteSampleData implements Muxer. Codec config buffers are not written:
// the parameter sets travel in the track format and in front of key frames.
func (m *FileMuxer) WriteSampleData(track int, data []byte, info media.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != muxerStarted {
		return fmt.Errorf("writing sample to %s muxer: %w", m.state, ErrMuxerNotStarted)
	}
	if track != 0 {
		return fmt.Errorf("writing sample: %w %d", ErrUnknownTrack, track)
	}
	if info.IsCodecConfig() || info.Size <= 0 {
		return nil
	}
	if info.Offset < 0 || info.Offset+info.Size > len(data) {
		return fmt.Errorf("sample range [%d,%d) outside buffer of %d bytes", info.Offset, info.Offset+info.Size, len(data))
	}
	payload := data[info.Offset : info.Offset+info.Size]
	if err := m.writer.WriteVideo(info.PresentationTimeUs, payload, info.Flags.Has(media.FlagKeyFrame)); err != nil {
		return fmt.Errorf("writing sample at %dus: %w", info.PresentationTimeUs, err)
	}
	m.samples++
	m.lastUs = info.PresentationTimeUs
	return nil
}

// Stop implements Muxer. Stopping a muxer that never started does nothing.
func (m *FileMuxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case muxerInitialized:
		m.logger.Debug("stop on a muxer that never started")
		m.state = muxerStopped
		return nil
	case muxerStopped, muxerReleased:
		return nil
	}
	m.state = muxerStopped

	err := m.finishLocked()
	if err == nil && m.samples == 0 {
		err = ErrNoSamples
	}
	if err != nil {
		_ = os.Remove(m.partialPath())
		return fmt.Errorf("stopping muxer: %w", err)
	}
	if err := os.Rename(m.partialPath(), m.path); err != nil {
		return fmt.Errorf("finalizing output: %w", err)
	}
	m.logger.Info("output written",
		slog.String("path", m.path),
		slog.Int("samples", m.samples),
		slog.Int64("last_us", m.lastUs))
	return nil
}

// finishLocked flushes buffered samples and closes the output.
func (m *FileMuxer) finishLocked() error {
	flushErr := m.writer.Flush()

	if m.proc != nil {
		if err := m.proc.CloseInput(); err != nil && flushErr == nil {
			flushErr = err
		}
		m.proc.Stop()
		<-m.drained
		if err := m.proc.Err(); err != nil {
			return errors.Join(flushErr, m.proc.ExitError())
		}
		return flushErr
	}

	if err := m.buf.Flush(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := m.file.Sync(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := m.file.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// Release implements Muxer.
func (m *FileMuxer) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == muxerReleased {
		return nil
	}
	wasStarted := m.state == muxerStarted
	m.state = muxerReleased
	if !wasStarted {
		return nil
	}

	m.logger.Warn("releasing a muxer that was not stopped, discarding output")
	if m.proc != nil {
		m.proc.Kill()
		<-m.drained
	}
	if m.file != nil {
		_ = m.file.Close()
	}
	if err := os.Remove(m.partialPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ Muxer = (*FileMuxer)(nil)
