package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// VideoSample is one access unit read from a stream.
type VideoSample struct {
	Codec    codec.Video
	PTSUs    int64
	DTSUs    int64
	NALUs    [][]byte
	KeyFrame bool
}

// AnnexB returns the access unit with start codes.
func (s VideoSample) AnnexB() ([]byte, error) {
	return JoinAnnexB(s.NALUs)
}

// TSReader demuxes the first H.264 or H.265 track of an MPEG-TS stream.
type TSReader struct {
	r       io.Reader
	logger  *slog.Logger
	reader  *mpegts.Reader
	codec   codec.Video
	onVideo func(VideoSample) error
	onReady func(codec.Video)
}

// NewTSReader creates a reader over r.
func NewTSReader(r io.Reader, logger *slog.Logger) *TSReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &TSReader{r: r, logger: logger}
}

// OnVideo sets the callback receiving every video access unit.
func (d *TSReader) OnVideo(fn func(VideoSample) error) { d.onVideo = fn }

// OnReady sets the callback invoked once the program tables were read.
func (d *TSReader) OnReady(fn func(codec.Video)) { d.onReady = fn }

// Codec returns the detected video codec, empty before the tables are read.
func (d *TSReader) Codec() codec.Video { return d.codec }

// Run reads until EOF, a callback error or cancellation. EOF and a closed
// pipe end the stream without error.
func (d *TSReader) Run(ctx context.Context) error {
	d.reader = &mpegts.Reader{R: d.r}
	if err := d.reader.Initialize(); err != nil {
		if isStreamEnd(err) {
			return nil
		}
		return fmt.Errorf("initializing mpegts reader: %w", err)
	}

	for _, track := range d.reader.Tracks() {
		if d.codec != "" {
			break
		}
		d.setupTrack(track)
	}
	if d.codec == "" {
		return fmt.Errorf("mpegts: %w", media.ErrNoVideoTrack)
	}
	if d.onReady != nil {
		d.onReady(d.codec)
	}

	d.reader.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.reader.Read(); err != nil {
			if isStreamEnd(err) {
				d.logger.Debug("mpegts stream ended", slog.String("reason", err.Error()))
				return nil
			}
			return fmt.Errorf("reading mpegts: %w", err)
		}
	}
}

func (d *TSReader) setupTrack(track *mpegts.Track) {
	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		d.codec = codec.VideoH264
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.emit(pts, dts, au, h264.IsRandomAccess(au))
		})
	case *mpegts.CodecH265:
		d.codec = codec.VideoH265
		d.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return d.emit(pts, dts, au, h265.IsRandomAccess(au))
		})
	default:
		d.logger.Debug("skipping mpegts track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
		return
	}
	d.logger.Debug("found video track",
		slog.String("codec", d.codec.String()),
		slog.Uint64("pid", uint64(track.PID)))
}

func (d *TSReader) emit(pts, dts int64, au [][]byte, key bool) error {
	if len(au) == 0 || d.onVideo == nil {
		return nil
	}
	return d.onVideo(VideoSample{
		Codec:    d.codec,
		PTSUs:    media.Ticks90kToUs(pts),
		DTSUs:    media.Ticks90kToUs(dts),
		NALUs:    au,
		KeyFrame: key,
	})
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF)
}
