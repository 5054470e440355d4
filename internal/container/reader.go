package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// Reader pulls compressed samples of one selected track. When the track is
// exhausted it reports end of stream once and rewinds to the first sample,
// so reading on after a decoder flush loops the source.
type Reader struct {
	src    Source
	logger *slog.Logger

	mu       sync.Mutex
	track    media.TrackDescriptor
	selected bool
	eos      bool
	lastUs   int64
	loops    int
}

// NewReader wraps src.
func NewReader(src Source, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{src: src, logger: logger.With(slog.String("component", "extractor"))}
}

// OpenReader opens path and wraps it in a Reader.
func OpenReader(path string, logger *slog.Logger) (*Reader, error) {
	src, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	return NewReader(src, logger), nil
}

// Tracks lists the source's tracks.
func (r *Reader) Tracks() []media.TrackDescriptor { return r.src.Tracks() }

// SelectTrack selects the track to read.
func (r *Reader) SelectTrack(t media.TrackDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.src.SelectTrack(t.ID); err != nil {
		return err
	}
	r.track = t
	r.selected = true
	return nil
}

// Track returns the selected track.
func (r *Reader) Track() media.TrackDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.track
}

// ReadNext copies the next sample into buf. At the end of the track it
// returns an end-of-stream result of size 0 and rewinds to the first sync
// sample. It never blocks.
func (r *Reader) ReadNext(buf []byte) (media.SampleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.selected {
		return media.SampleResult{}, ErrNoTrackSelected
	}

	timeUs := r.src.SampleTime()
	if timeUs < 0 {
		return r.endOfStreamLocked()
	}
	flags := r.src.SampleFlags()
	n, err := r.src.ReadSampleData(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return r.endOfStreamLocked()
		}
		return media.SampleResult{}, fmt.Errorf("reading sample at %dus: %w", timeUs, err)
	}
	r.src.Advance()
	r.lastUs = timeUs
	r.eos = false
	return media.SampleResult{
		Size:     n,
		TimeUs:   timeUs,
		KeyFrame: flags.Has(media.FlagKeyFrame),
	}, nil
}

func (r *Reader) endOfStreamLocked() (media.SampleResult, error) {
	if err := r.src.SeekTo(0, SeekPreviousSync); err != nil {
		return media.SampleResult{}, fmt.Errorf("rewinding source: %w", err)
	}
	r.eos = true
	r.loops++
	r.logger.Debug("end of stream, rewound", slog.Int64("last_us", r.lastUs), slog.Int("loops", r.loops))
	return media.SampleResult{TimeUs: r.lastUs, EndOfStream: true}, nil
}

// SeekTo positions the reader on the sync sample at or before timeUs.
func (r *Reader) SeekTo(timeUs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eos = false
	return r.src.SeekTo(timeUs, SeekPreviousSync)
}

// AtEndOfStream reports whether the last read hit the end of the track.
func (r *Reader) AtEndOfStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eos
}

// Reset clears the end-of-stream latch.
func (r *Reader) Reset() {
	r.mu.Lock()
	r.eos = false
	r.mu.Unlock()
}

// Loops returns how many times the track was exhausted and rewound.
func (r *Reader) Loops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loops
}

// SampleSize returns the size of the next sample, -1 at the end.
func (r *Reader) SampleSize() int { return r.src.SampleSize() }

// Close closes the source.
func (r *Reader) Close() error { return r.src.Close() }
