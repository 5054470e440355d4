// Package mux writes and reads video elementary streams carried in MPEG-TS
// and fragmented MP4. The writers feed ffmpeg stdin and output files, the
// reader parses ffmpeg stdout.
package mux

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/QVSorrow/low-level-video/internal/codec"
)

// Config configures a video writer.
type Config struct {
	Codec  codec.Video
	Width  int
	Height int
	// FrameRate sets the duration of a sample whose successor is unknown.
	FrameRate int
	// CSD seeds the parameter sets (raw NAL units) before the stream has
	// carried any.
	CSD    [][]byte
	Logger *slog.Logger

	// LowLatency writes every fMP4 sample as its own fragment as soon as its
	// duration is known. Used when the consumer is a live process.
	LowLatency bool
}

// VideoWriter muxes Annex-B (or OBU/VP9 frame) samples into a container stream.
type VideoWriter interface {
	// WriteVideo writes one access unit. pts is in microseconds.
	WriteVideo(ptsUs int64, data []byte, keyFrame bool) error
	// Flush writes any buffered samples.
	Flush() error
	// Format returns the ffmpeg format name of the stream.
	Format() string
}

// NewVideoWriter creates a writer for the requested carriage.
func NewVideoWriter(w io.Writer, carriage codec.Carriage, cfg Config) (VideoWriter, error) {
	switch carriage {
	case codec.CarriageMPEGTS:
		return NewTSWriter(w, cfg)
	case codec.CarriageFMP4:
		return NewFMP4Writer(w, cfg)
	default:
		return nil, fmt.Errorf("no carriage for codec %s", cfg.Codec)
	}
}

// SplitAnnexB splits Annex-B data into NAL units. Data without a start code
// is returned as a single NAL unit.
func SplitAnnexB(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 {
		if data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01) {
			var au h264.AnnexB
			if err := au.Unmarshal(data); err != nil {
				return [][]byte{data}
			}
			return au
		}
	}
	return [][]byte{data}
}

// JoinAnnexB joins NAL units with start codes.
func JoinAnnexB(nalus [][]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}
