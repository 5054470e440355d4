// Package container reads and writes video containers. Sources demultiplex
// progressive MP4, fragmented MP4 and MPEG-TS files into Annex-B access
// units; muxers write the encoded stream back into a single output file.
package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/abema/go-mp4"
	"github.com/google/uuid"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// Container errors.
var (
	// ErrNoTrackSelected indicates a read before SelectTrack.
	ErrNoTrackSelected = errors.New("no track selected")
	// ErrUnknownTrack indicates a track id the source does not have.
	ErrUnknownTrack = errors.New("unknown track")
)

// SeekMode chooses the sync sample SeekTo lands on.
type SeekMode int

const (
	// SeekPreviousSync lands on the last sync sample at or before the target.
	SeekPreviousSync SeekMode = iota
	// SeekNextSync lands on the first sync sample at or after the target.
	SeekNextSync
	// SeekClosestSync lands on the sync sample nearest to the target.
	SeekClosestSync
)

func (m SeekMode) String() string {
	switch m {
	case SeekPreviousSync:
		return "previous_sync"
	case SeekNextSync:
		return "next_sync"
	case SeekClosestSync:
		return "closest_sync"
	default:
		return fmt.Sprintf("SeekMode(%d)", int(m))
	}
}

// Source is a demultiplexed media file. Exactly one track can be selected
// per source; reads then walk that track's samples in decode order.
type Source interface {
	// Container returns the detected container kind.
	Container() Kind
	// Tracks lists every elementary stream in source order.
	Tracks() []media.TrackDescriptor
	// SelectTrack selects the track to read. It fails on a second call.
	SelectTrack(id int) error
	// ReadSampleData copies the current sample into buf and returns its
	// size. It returns io.EOF once the track is exhausted and
	// io.ErrShortBuffer when buf cannot hold the sample.
	ReadSampleData(buf []byte) (int, error)
	// SampleSize returns the size of the current sample, -1 at the end.
	SampleSize() int
	// SampleTime returns the current sample's presentation time in
	// microseconds, -1 at the end.
	SampleTime() int64
	// SampleFlags returns the current sample's flags.
	SampleFlags() media.BufferFlags
	// Advance moves to the next sample and reports whether one exists.
	Advance() bool
	// SeekTo positions the track on a sync sample relative to timeUs.
	SeekTo(timeUs int64, mode SeekMode) error
	// Close releases the underlying file.
	Close() error
}

// Kind is a recognised input container.
type Kind string

// Input container kinds.
const (
	KindMP4    Kind = "mp4"
	KindFMP4   Kind = "fmp4"
	KindMPEGTS Kind = "mpegts"
)

const tsPacketSize = 188

// Open opens path and demultiplexes it. The container is sniffed from the
// content, not the file name.
func Open(path string, logger *slog.Logger) (Source, error) {
	return openIndexed(path, logger)
}

func openIndexed(path string, logger *slog.Logger) (*indexedSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "source"), slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	kind, err := sniff(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	var src *indexedSource
	switch kind {
	case KindMPEGTS:
		src, err = openTS(f, logger)
		_ = f.Close()
	case KindFMP4:
		src, err = openFMP4(f, logger)
		_ = f.Close()
	default:
		src, err = openMP4(f, logger)
		if err != nil {
			_ = f.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("demuxing %s: %w", kind, err)
	}
	logger.Debug("source opened",
		slog.String("container", string(kind)),
		slog.Int("tracks", len(src.tracks)))
	return src, nil
}

// sniff detects the container of r and rewinds it.
func sniff(r io.ReadSeeker) (Kind, error) {
	head := make([]byte, tsPacketSize*3)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading source header: %w", err)
	}
	head = head[:n]
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if isMPEGTS(head) {
		return KindMPEGTS, nil
	}
	if len(head) < 8 {
		return "", media.ErrUnsupportedContainer
	}
	switch string(head[4:8]) {
	case "ftyp", "moov", "mdat", "free", "skip", "wide", "styp":
	default:
		return "", media.ErrUnsupportedContainer
	}

	boxes, err := mp4.ExtractBoxes(r, nil, []mp4.BoxPath{
		{mp4.BoxTypeMoov()},
		{mp4.BoxTypeMoov(), mp4.BoxTypeMvex()},
	})
	if _, serr := r.Seek(0, io.SeekStart); serr != nil {
		return "", serr
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrUnsupportedContainer, err)
	}
	var moov, mvex bool
	for _, b := range boxes {
		switch b.Type {
		case mp4.BoxTypeMoov():
			moov = true
		case mp4.BoxTypeMvex():
			mvex = true
		}
	}
	switch {
	case mvex:
		return KindFMP4, nil
	case moov:
		return KindMP4, nil
	default:
		return "", fmt.Errorf("%w: no moov box", media.ErrUnsupportedContainer)
	}
}

// isMPEGTS checks for the sync byte at the start of consecutive packets.
func isMPEGTS(head []byte) bool {
	if len(head) < tsPacketSize || head[0] != 0x47 {
		return false
	}
	for off := tsPacketSize; off < len(head); off += tsPacketSize {
		if head[off] != 0x47 {
			return false
		}
	}
	return true
}

// SelectVideoTrack returns the first track, in source order, whose media
// type is a video type.
func SelectVideoTrack(tracks []media.TrackDescriptor) (media.TrackDescriptor, error) {
	for _, t := range tracks {
		if strings.HasPrefix(t.MediaType(), media.VideoPrefix) {
			return t, nil
		}
	}
	types := make([]string, 0, len(tracks))
	for _, t := range tracks {
		types = append(types, t.MediaType())
	}
	msg := "source has no video track"
	if len(types) > 0 {
		msg = fmt.Sprintf("source has no video track (found %s)", strings.Join(types, ", "))
	}
	return media.TrackDescriptor{}, media.NewConfigurationError("input", msg, media.ErrNoVideoTrack)
}

// Format is a requested output container.
type Format string

// Output container formats.
const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	Format3GP  Format = "3gp"
	FormatHEIF Format = "heif"
	FormatOGG  Format = "ogg"
	FormatTS   Format = "ts"
)

// ParseFormat maps a container name or extension onto a Format.
// Unrecognised names fall back to mp4.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "webm":
		return FormatWebM
	case "3gp", "3gpp":
		return Format3GP
	case "heif", "heic":
		return FormatHEIF
	case "ogg", "ogv":
		return FormatOGG
	case "ts", "mpegts", "m2ts":
		return FormatTS
	default:
		return FormatMP4
	}
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	switch f {
	case FormatWebM, Format3GP, FormatHEIF, FormatOGG, FormatTS:
		return string(f)
	default:
		return string(FormatMP4)
	}
}

// NewOutputPath returns a fresh, uniquely named output path inside dir.
func NewOutputPath(dir string, f Format) string {
	return filepath.Join(dir, fmt.Sprintf("video_%s.%s", uuid.NewString(), f.Extension()))
}
