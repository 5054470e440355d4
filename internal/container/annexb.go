package container

import (
	"encoding/binary"
	"fmt"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/mux"
)

// splitLengthPrefixed splits an AVCC/HVCC sample into NAL units.
func splitLengthPrefixed(payload []byte, lengthSize int) ([][]byte, error) {
	if lengthSize <= 0 {
		lengthSize = 4
	}
	var nalus [][]byte
	offset := 0
	for offset < len(payload) {
		if offset+lengthSize > len(payload) {
			return nil, fmt.Errorf("truncated NAL length at offset %d", offset)
		}
		var n int
		switch lengthSize {
		case 1:
			n = int(payload[offset])
		case 2:
			n = int(binary.BigEndian.Uint16(payload[offset:]))
		case 3:
			n = int(payload[offset])<<16 | int(payload[offset+1])<<8 | int(payload[offset+2])
		default:
			n = int(binary.BigEndian.Uint32(payload[offset:]))
		}
		offset += lengthSize
		if offset+n > len(payload) {
			return nil, fmt.Errorf("NAL of %d bytes overruns sample at offset %d", n, offset)
		}
		if n > 0 {
			nalus = append(nalus, payload[offset:offset+n])
		}
		offset += n
	}
	return nalus, nil
}

// lengthPrefixedToAnnexB converts length-prefixed H.264/H.265 samples into
// Annex-B, putting the parameter sets in front of every random access unit
// that lacks them.
func lengthPrefixedToAnnexB(v codec.Video, lengthSize int, csd [][]byte) converter {
	params := mux.NewParamSets(v)
	params.Extract(csd)
	return func(raw []byte, key bool) ([]byte, error) {
		nalus, err := splitLengthPrefixed(raw, lengthSize)
		if err != nil {
			return nil, err
		}
		params.Extract(nalus)
		if key {
			nalus = params.PrependToKeyframe(nalus)
		}
		return mux.JoinAnnexB(nalus)
	}
}

// converterFor returns the sample converter of a video codec, nil when
// samples pass through unchanged (VP9 frames, AV1 OBUs, audio).
func converterFor(v codec.Video, lengthSize int, csd [][]byte) converter {
	switch v {
	case codec.VideoH264, codec.VideoH265:
		return lengthPrefixedToAnnexB(v, lengthSize, csd)
	default:
		return nil
	}
}
