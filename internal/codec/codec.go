// Package codec provides the codec registry. It maps media types, aliases
// and ffmpeg codec names onto one canonical codec and records how each codec
// can be carried into and out of an ffmpeg process.
package codec

import (
	"strings"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264  Video = "h264" // H.264/AVC
	VideoH265  Video = "h265" // H.265/HEVC
	VideoVP8   Video = "vp8"
	VideoVP9   Video = "vp9" // fMP4 only
	VideoAV1   Video = "av1" // fMP4 only
	VideoMPEG2 Video = "mpeg2"
	VideoMPEG4 Video = "mpeg4"
)

// Audio represents an audio codec. Audio is only ever enumerated, never decoded.
type Audio string

// Audio codec constants.
const (
	AudioAAC  Audio = "aac"
	AudioMP3  Audio = "mp3"
	AudioAC3  Audio = "ac3"
	AudioEAC3 Audio = "eac3"
	AudioOpus Audio = "opus"
)

// Carriage is the container used to move a codec's samples through a pipe.
type Carriage string

// Carriage constants.
const (
	CarriageNone   Carriage = ""
	CarriageMPEGTS Carriage = "mpegts"
	CarriageFMP4   Carriage = "fmp4"
)

// MPEG-TS stream type identifiers.
const (
	StreamTypeMPEG1Video uint8 = 0x01
	StreamTypeMPEG2Video uint8 = 0x02
	StreamTypeMP3        uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypeAAC        uint8 = 0x0F
	StreamTypeMPEG4Video uint8 = 0x10
	StreamTypeH264       uint8 = 0x1B
	StreamTypeH265       uint8 = 0x24
	StreamTypeAC3        uint8 = 0x81
	StreamTypeEAC3       uint8 = 0x87
)

func (v Video) String() string { return string(v) }

func (a Audio) String() string { return string(a) }

func (c Carriage) String() string { return string(c) }

// videoInfo contains metadata about a video codec.
type videoInfo struct {
	Name Video
	MIME string
	// Aliases are matched case-insensitively and include ffmpeg codec names.
	Aliases []string
	// Decoder and Encoder are ffmpeg codec names. Empty means unsupported.
	Decoder string
	Encoder string
	// FMP4Only codecs cannot be carried in MPEG-TS.
	FMP4Only bool
	// Demuxable reports mediacommon MPEG-TS support, detected at init.
	Demuxable        bool
	MPEGTSStreamType uint8
}

type audioInfo struct {
	Name             Audio
	MIME             string
	Aliases          []string
	MPEGTSStreamType uint8
}

var videoRegistry = map[Video]*videoInfo{
	VideoH264: {
		Name:             VideoH264,
		MIME:             media.MIMEVideoAVC,
		Aliases:          []string{"h264", "avc", "avc1", "h.264", "libx264", media.MIMEVideoAVC},
		Decoder:          "h264",
		Encoder:          "libx264",
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH264,
	},
	VideoH265: {
		Name:             VideoH265,
		MIME:             media.MIMEVideoHEVC,
		Aliases:          []string{"h265", "hevc", "hev1", "hvc1", "h.265", "libx265", media.MIMEVideoHEVC},
		Decoder:          "hevc",
		Encoder:          "libx265",
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH265,
	},
	VideoVP8: {
		Name:     VideoVP8,
		MIME:     "video/x-vnd.on2.vp8",
		Aliases:  []string{"vp8", "libvpx", "video/x-vnd.on2.vp8"},
		Decoder:  "vp8",
		FMP4Only: true,
	},
	VideoVP9: {
		Name:     VideoVP9,
		MIME:     media.MIMEVideoVP9,
		Aliases:  []string{"vp9", "vp09", "libvpx-vp9", media.MIMEVideoVP9},
		Decoder:  "vp9",
		FMP4Only: true,
	},
	VideoAV1: {
		Name:     VideoAV1,
		MIME:     media.MIMEVideoAV1,
		Aliases:  []string{"av1", "av01", "libaom-av1", "libdav1d", media.MIMEVideoAV1},
		Decoder:  "av1",
		FMP4Only: true,
	},
	VideoMPEG2: {
		Name:             VideoMPEG2,
		MIME:             "video/mpeg2",
		Aliases:          []string{"mpeg2", "mpeg2video", "video/mpeg2"},
		MPEGTSStreamType: StreamTypeMPEG2Video,
	},
	VideoMPEG4: {
		Name:             VideoMPEG4,
		MIME:             "video/mp4v-es",
		Aliases:          []string{"mpeg4", "mp4v", "video/mp4v-es"},
		MPEGTSStreamType: StreamTypeMPEG4Video,
	},
}

var audioRegistry = map[Audio]*audioInfo{
	AudioAAC:  {Name: AudioAAC, MIME: media.MIMEAudioAAC, Aliases: []string{"aac", "mp4a"}, MPEGTSStreamType: StreamTypeAAC},
	AudioMP3:  {Name: AudioMP3, MIME: media.MIMEAudioMPEG, Aliases: []string{"mp3", "mp2"}, MPEGTSStreamType: StreamTypeMP3},
	AudioAC3:  {Name: AudioAC3, MIME: media.MIMEAudioAC3, Aliases: []string{"ac3", "ac-3"}, MPEGTSStreamType: StreamTypeAC3},
	AudioEAC3: {Name: AudioEAC3, MIME: "audio/eac3", Aliases: []string{"eac3", "ec-3"}, MPEGTSStreamType: StreamTypeEAC3},
	AudioOpus: {Name: AudioOpus, MIME: media.MIMEAudioOpus, Aliases: []string{"opus"}},
}

var (
	videoAliasIndex map[string]Video
	audioAliasIndex map[string]Audio
)

func init() {
	videoAliasIndex = make(map[string]Video)
	for c, info := range videoRegistry {
		for _, alias := range info.Aliases {
			videoAliasIndex[strings.ToLower(alias)] = c
		}
	}
	audioAliasIndex = make(map[string]Audio)
	for c, info := range audioRegistry {
		for _, alias := range info.Aliases {
			audioAliasIndex[strings.ToLower(alias)] = c
		}
		audioAliasIndex[strings.ToLower(info.MIME)] = c
	}
}

// ParseVideo parses a media type, codec name, alias or ffmpeg codec name.
func ParseVideo(s string) (Video, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	v, ok := videoAliasIndex[s]
	return v, ok
}

// ParseAudio parses an audio media type or codec name.
func ParseAudio(s string) (Audio, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	a, ok := audioAliasIndex[s]
	return a, ok
}

// NormalizeMIME maps any recognised video name to its media type. Unknown
// input is returned unchanged.
func NormalizeMIME(name string) string {
	if v, ok := ParseVideo(name); ok {
		return v.MIME()
	}
	return name
}

// MIME returns the media type of the codec.
func (v Video) MIME() string {
	if info, ok := videoRegistry[v]; ok {
		return info.MIME
	}
	return ""
}

// MIME returns the media type of the codec.
func (a Audio) MIME() string {
	if info, ok := audioRegistry[a]; ok {
		return info.MIME
	}
	return ""
}

// Decoder returns the ffmpeg decoder name, or "" if decoding is unsupported.
func (v Video) Decoder() string {
	if info, ok := videoRegistry[v]; ok {
		return info.Decoder
	}
	return ""
}

// Encoder returns the ffmpeg encoder name, or "" if encoding is unsupported.
func (v Video) Encoder() string {
	if info, ok := videoRegistry[v]; ok {
		return info.Encoder
	}
	return ""
}

// IsFMP4Only returns true if the codec cannot be carried in MPEG-TS.
func (v Video) IsFMP4Only() bool {
	if info, ok := videoRegistry[v]; ok {
		return info.FMP4Only
	}
	return false
}

// IsDemuxable returns true if mediacommon can demux the codec from MPEG-TS.
func (v Video) IsDemuxable() bool {
	if info, ok := videoRegistry[v]; ok {
		return info.Demuxable
	}
	return false
}

// MPEGTSStreamType returns the MPEG-TS stream type, or 0 if unsupported.
func (v Video) MPEGTSStreamType() uint8 {
	if info, ok := videoRegistry[v]; ok {
		return info.MPEGTSStreamType
	}
	return 0
}

// InputCarriage returns how compressed samples are fed to an ffmpeg decoder.
func (v Video) InputCarriage() Carriage {
	info, ok := videoRegistry[v]
	switch {
	case !ok || info.Decoder == "":
		return CarriageNone
	case info.FMP4Only:
		return CarriageFMP4
	case info.Demuxable:
		return CarriageMPEGTS
	default:
		return CarriageNone
	}
}

// CanDecode reports whether samples of the codec can be decoded.
func (v Video) CanDecode() bool { return v.InputCarriage() != CarriageNone }

// CanEncode reports whether the codec can be produced. Encoder output is read
// back over MPEG-TS, so only TS-carriable codecs qualify.
func (v Video) CanEncode() bool {
	info, ok := videoRegistry[v]
	return ok && info.Encoder != "" && !info.FMP4Only && info.Demuxable
}

// VideoForStreamType maps an MPEG-TS stream type to a video codec.
func VideoForStreamType(st uint8) (Video, bool) {
	if st == StreamTypeMPEG1Video {
		return VideoMPEG2, true
	}
	for c, info := range videoRegistry {
		if info.MPEGTSStreamType != 0 && info.MPEGTSStreamType == st {
			return c, true
		}
	}
	return "", false
}

// AudioForStreamType maps an MPEG-TS stream type to an audio codec.
func AudioForStreamType(st uint8) (Audio, bool) {
	if st == StreamTypeMPEG2Audio {
		return AudioMP3, true
	}
	for c, info := range audioRegistry {
		if info.MPEGTSStreamType != 0 && info.MPEGTSStreamType == st {
			return c, true
		}
	}
	return "", false
}

// SupportsDecode reports whether a media type can be decoded.
func SupportsDecode(mime string) bool {
	v, ok := ParseVideo(mime)
	return ok && v.CanDecode()
}

// SupportsEncode reports whether a media type can be encoded.
func SupportsEncode(mime string) bool {
	v, ok := ParseVideo(mime)
	return ok && v.CanEncode()
}

// SupportedEncodingVideoCodecs returns the codecs usable as encoding targets.
func SupportedEncodingVideoCodecs() []Video {
	return []Video{VideoH264, VideoH265}
}

// SupportedDecodingVideoCodecs returns the codecs usable as decoder input.
func SupportedDecodingVideoCodecs() []Video {
	return []Video{VideoH264, VideoH265, VideoVP9, VideoAV1}
}
