// Package media holds the data model shared by every pipeline stage:
// formats, track descriptors, buffer metadata and the error taxonomy.
package media

import (
	"fmt"
	"strings"
)

// Media types understood by the pipeline.
const (
	MIMEVideoAVC  = "video/avc"
	MIMEVideoHEVC = "video/hevc"
	MIMEVideoVP9  = "video/x-vnd.on2.vp9"
	MIMEVideoAV1  = "video/av01"
	MIMEAudioAAC  = "audio/mp4a-latm"
	MIMEAudioMPEG = "audio/mpeg"
	MIMEAudioAC3  = "audio/ac3"
	MIMEAudioOpus = "audio/opus"
)

// VideoPrefix is the media type prefix of every video track.
const VideoPrefix = "video/"

// ColorFormat describes how raw frames cross a codec boundary.
type ColorFormat int

const (
	// ColorFormatUnspecified leaves the choice to the codec.
	ColorFormatUnspecified ColorFormat = iota
	// ColorFormatSurface means frames travel through a Surface rather than byte buffers.
	ColorFormatSurface
	// ColorFormatRGBA means output buffers carry packed 8-bit RGBA pixels.
	ColorFormatRGBA
)

// Format describes an elementary stream as seen by a codec or muxer.
type Format struct {
	MIME           string      `json:"mime" yaml:"mime"`
	Width          int         `json:"width,omitempty" yaml:"width,omitempty"`
	Height         int         `json:"height,omitempty" yaml:"height,omitempty"`
	DurationUs     int64       `json:"duration_us,omitempty" yaml:"duration_us,omitempty"`
	FrameRate      int         `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	BitRate        int         `json:"bit_rate,omitempty" yaml:"bit_rate,omitempty"`
	IFrameInterval int         `json:"i_frame_interval,omitempty" yaml:"i_frame_interval,omitempty"`
	ColorFormat    ColorFormat `json:"-" yaml:"-"`

	// CSD holds codec-specific data as raw NAL units without start codes:
	// SPS, PPS for AVC and VPS, SPS, PPS for HEVC.
	CSD [][]byte `json:"-" yaml:"-"`
}

// NewVideoFormat returns a video format with the given dimensions.
func NewVideoFormat(mime string, width, height int) Format {
	return Format{MIME: mime, Width: width, Height: height}
}

// IsVideo reports whether the format describes a video stream.
func (f Format) IsVideo() bool {
	return strings.HasPrefix(f.MIME, VideoPrefix)
}

// Clone returns a deep copy of the format.
func (f Format) Clone() Format {
	out := f
	if len(f.CSD) > 0 {
		out.CSD = make([][]byte, len(f.CSD))
		for i, b := range f.CSD {
			out.CSD[i] = append([]byte(nil), b...)
		}
	}
	return out
}

// String returns a compact description for logs.
func (f Format) String() string {
	if f.IsVideo() {
		return fmt.Sprintf("%s %dx%d", f.MIME, f.Width, f.Height)
	}
	return f.MIME
}

// TrackDescriptor identifies one elementary stream of a source.
// It is immutable once a track has been selected.
type TrackDescriptor struct {
	ID     int    `json:"id"`
	Format Format `json:"format"`
}

// MediaType returns the declared media type of the track.
func (t TrackDescriptor) MediaType() string { return t.Format.MIME }

// Width returns the coded width in pixels.
func (t TrackDescriptor) Width() int { return t.Format.Width }

// Height returns the coded height in pixels.
func (t TrackDescriptor) Height() int { return t.Format.Height }

// DurationUs returns the track duration in microseconds.
func (t TrackDescriptor) DurationUs() int64 { return t.Format.DurationUs }
