package mux

import (
	"bytes"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/QVSorrow/low-level-video/internal/codec"
)

// ParamSets tracks the latest parameter sets of an H.264 or H.265 stream
// so they can be repeated in front of every key frame.
type ParamSets struct {
	mu   sync.RWMutex
	h265 bool

	vps []byte
	sps []byte
	pps []byte
}

// NewParamSets creates an empty tracker for the codec.
func NewParamSets(v codec.Video) *ParamSets {
	return &ParamSets{h265: v == codec.VideoH265}
}

// Extract stores any parameter sets found in nalus and reports whether one changed.
func (p *ParamSets) Extract(nalus [][]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	store := func(dst *[]byte, nalu []byte) {
		if !bytes.Equal(*dst, nalu) {
			*dst = append([]byte(nil), nalu...)
			changed = true
		}
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if p.h265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				store(&p.vps, nalu)
			case h265.NALUType_SPS_NUT:
				store(&p.sps, nalu)
			case h265.NALUType_PPS_NUT:
				store(&p.pps, nalu)
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			store(&p.sps, nalu)
		case h264.NALUTypePPS:
			store(&p.pps, nalu)
		}
	}
	return changed
}

// Complete reports whether every parameter set the codec needs is known.
func (p *ParamSets) Complete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.h265 {
		return p.vps != nil && p.sps != nil && p.pps != nil
	}
	return p.sps != nil && p.pps != nil
}

// CSD returns copies of the parameter sets in decoder order.
func (p *ParamSets) CSD() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out [][]byte
	for _, ps := range [][]byte{p.vps, p.sps, p.pps} {
		if ps != nil {
			out = append(out, append([]byte(nil), ps...))
		}
	}
	return out
}

// SPS returns the sequence parameter set.
func (p *ParamSets) SPS() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sps
}

// PPS returns the picture parameter set.
func (p *ParamSets) PPS() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pps
}

// VPS returns the video parameter set (H.265 only).
func (p *ParamSets) VPS() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vps
}

// PrependToKeyframe puts the parameter sets in front of a random access
// unit that lacks them. Other access units are returned unchanged.
func (p *ParamSets) PrependToKeyframe(nalus [][]byte) [][]byte {
	if !p.isRandomAccess(nalus) || !p.Complete() || p.carriesParams(nalus) {
		return nalus
	}
	csd := p.CSD()
	out := make([][]byte, 0, len(csd)+len(nalus))
	out = append(out, csd...)
	return append(out, nalus...)
}

func (p *ParamSets) isRandomAccess(nalus [][]byte) bool {
	if p.h265 {
		return h265.IsRandomAccess(nalus)
	}
	return h264.IsRandomAccess(nalus)
}

func (p *ParamSets) carriesParams(nalus [][]byte) bool {
	var vps, sps, pps bool
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if p.h265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				vps = true
			case h265.NALUType_SPS_NUT:
				sps = true
			case h265.NALUType_PPS_NUT:
				pps = true
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = true
		case h264.NALUTypePPS:
			pps = true
		}
	}
	if p.h265 {
		return vps && sps && pps
	}
	return sps && pps
}

// IsKeyframe reports whether an access unit is a random access point.
func IsKeyframe(v codec.Video, nalus [][]byte) bool {
	switch v {
	case codec.VideoH264:
		return h264.IsRandomAccess(nalus)
	case codec.VideoH265:
		return h265.IsRandomAccess(nalus)
	default:
		return false
	}
}
