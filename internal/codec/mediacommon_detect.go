package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// mediacommonSupportedCodecs tracks which video codec types mediacommon can
// carry over MPEG-TS. Detected at init so the registry follows upstream.
var mediacommonSupportedCodecs = struct {
	H264  bool
	H265  bool
	MPEG1 bool
	MPEG4 bool
}{}

func init() {
	var h264 mpegts.Codec = &mpegts.CodecH264{}
	mediacommonSupportedCodecs.H264 = !isUnsupportedCodec(h264)

	var h265 mpegts.Codec = &mpegts.CodecH265{}
	mediacommonSupportedCodecs.H265 = !isUnsupportedCodec(h265)

	var mpeg1 mpegts.Codec = &mpegts.CodecMPEG1Video{}
	mediacommonSupportedCodecs.MPEG1 = !isUnsupportedCodec(mpeg1)

	var mpeg4 mpegts.Codec = &mpegts.CodecMPEG4Video{}
	mediacommonSupportedCodecs.MPEG4 = !isUnsupportedCodec(mpeg4)

	updateRegistryWithDetectedSupport()
}

func isUnsupportedCodec(c mpegts.Codec) bool {
	_, unsupported := c.(*mpegts.CodecUnsupported)
	return unsupported
}

// updateRegistryWithDetectedSupport sets the Demuxable flags from what
// mediacommon actually supports. MPEG-2 and MPEG-4 Part 2 are only ever
// enumerated; they have no decoder entry.
func updateRegistryWithDetectedSupport() {
	if info, ok := videoRegistry[VideoH264]; ok {
		info.Demuxable = mediacommonSupportedCodecs.H264
	}
	if info, ok := videoRegistry[VideoH265]; ok {
		info.Demuxable = mediacommonSupportedCodecs.H265
	}
	if info, ok := videoRegistry[VideoMPEG2]; ok {
		info.Demuxable = mediacommonSupportedCodecs.MPEG1
	}
	if info, ok := videoRegistry[VideoMPEG4]; ok {
		info.Demuxable = mediacommonSupportedCodecs.MPEG4
	}
}

// IsMediacommonCodecSupported returns whether mediacommon can demux the
// named video codec from MPEG-TS.
func IsMediacommonCodecSupported(codecName string) bool {
	v, ok := ParseVideo(codecName)
	if !ok {
		return false
	}
	switch v {
	case VideoH264:
		return mediacommonSupportedCodecs.H264
	case VideoH265:
		return mediacommonSupportedCodecs.H265
	case VideoMPEG2:
		return mediacommonSupportedCodecs.MPEG1
	case VideoMPEG4:
		return mediacommonSupportedCodecs.MPEG4
	}
	return false
}
