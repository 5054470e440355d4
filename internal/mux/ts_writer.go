package mux

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// tsVideoPID is the elementary PID of the single video track.
const tsVideoPID = 0x0100

// TSWriter muxes an H.264 or H.265 elementary stream into MPEG-TS.
type TSWriter struct {
	writer io.Writer
	config Config
	logger *slog.Logger

	muxer  *mpegts.Writer
	track  *mpegts.Track
	params *ParamSets

	mu          sync.Mutex
	initialized bool
}

// NewTSWriter creates an MPEG-TS writer.
func NewTSWriter(w io.Writer, cfg Config) (*TSWriter, error) {
	if cfg.Codec != codec.VideoH264 && cfg.Codec != codec.VideoH265 {
		return nil, fmt.Errorf("mpegts: unsupported video codec %s", cfg.Codec)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	params := NewParamSets(cfg.Codec)
	params.Extract(cfg.CSD)
	return &TSWriter{
		writer: w,
		config: cfg,
		logger: cfg.Logger,
		params: params,
	}, nil
}

func (m *TSWriter) initialize() error {
	var c mpegts.Codec = &mpegts.CodecH264{}
	if m.config.Codec == codec.VideoH265 {
		c = &mpegts.CodecH265{}
	}
	m.track = &mpegts.Track{PID: tsVideoPID, Codec: c}
	m.muxer = &mpegts.Writer{W: m.writer, Tracks: []*mpegts.Track{m.track}}
	if err := m.muxer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.initialized = true
	m.logger.Debug("mpegts writer initialized", slog.String("video_codec", m.config.Codec.String()))
	return nil
}

// WriteVideo implements VideoWriter. Parameter sets are repeated on every
// key frame so a reader can start at any of them.
func (m *TSWriter) WriteVideo(ptsUs int64, data []byte, keyFrame bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		if err := m.initialize(); err != nil {
			return err
		}
	}

	au := SplitAnnexB(data)
	if len(au) == 0 {
		return nil
	}
	m.params.Extract(au)
	if keyFrame {
		au = m.params.PrependToKeyframe(au)
	}

	pts := media.UsTo90k(ptsUs)
	if m.config.Codec == codec.VideoH265 {
		return m.muxer.WriteH265(m.track, pts, pts, au)
	}
	return m.muxer.WriteH264(m.track, pts, pts, au)
}

// Flush implements VideoWriter. The mediacommon writer emits packets as
// they are written, so there is nothing to flush.
func (m *TSWriter) Flush() error { return nil }

// Format implements VideoWriter.
func (m *TSWriter) Format() string { return "mpegts" }

var _ VideoWriter = (*TSWriter)(nil)
