// Package stages wraps the source reader, the codecs, the muxer and the
// render callbacks into the non-blocking stage operations the coordinators
// poll.
package stages

import (
	"log/slog"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

// Extractor is the source reader stage. It selects the video track and
// reports the time of every sample it hands out.
type Extractor struct {
	reader   *container.Reader
	progress core.ProgressSink
	logger   *slog.Logger
}

// NewExtractor wraps reader.
func NewExtractor(reader *container.Reader, progress core.ProgressSink, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		reader:   reader,
		progress: core.OrNop(progress),
		logger:   logger.With(slog.String("stage", "extract")),
	}
}

// SelectVideoTrack picks the first video track and selects it.
func (e *Extractor) SelectVideoTrack() (media.TrackDescriptor, error) {
	track, err := container.SelectVideoTrack(e.reader.Tracks())
	if err != nil {
		return media.TrackDescriptor{}, err
	}
	if err := e.reader.SelectTrack(track); err != nil {
		return media.TrackDescriptor{}, err
	}
	e.logger.Info("selected track",
		slog.Int("track", track.ID),
		slog.String("format", track.Format.String()),
	)
	return track, nil
}

// Track returns the selected track.
func (e *Extractor) Track() media.TrackDescriptor { return e.reader.Track() }

// ReadNext reads the next sample into buf. See container.Reader.ReadNext.
func (e *Extractor) ReadNext(buf []byte) (media.SampleResult, error) {
	res, err := e.reader.ReadNext(buf)
	if err == nil && !res.EndOfStream && res.Size > 0 {
		e.progress.ExtractTime(res.TimeUs)
	}
	return res, err
}

// AtEndOfStream reports whether the last read hit the end of the track.
func (e *Extractor) AtEndOfStream() bool { return e.reader.AtEndOfStream() }

// Reset clears the end-of-stream latch.
func (e *Extractor) Reset() { e.reader.Reset() }

// SeekTo moves to the sync sample at or before timeUs.
func (e *Extractor) SeekTo(timeUs int64) error { return e.reader.SeekTo(timeUs) }

// Close closes the source.
func (e *Extractor) Close() error { return e.reader.Close() }
