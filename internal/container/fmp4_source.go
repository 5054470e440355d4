package container

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/av1"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// fmp4LengthSize is the NAL length size mediacommon writes and expects.
const fmp4LengthSize = 4

// openFMP4 indexes a fragmented MP4. The whole file is read: fragments are
// parsed by mediacommon and their payloads kept in memory.
func openFMP4(r io.ReadSeeker, logger *slog.Logger) (*indexedSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	br := bytes.NewReader(data)

	boxes, err := mp4.ExtractBoxes(br, nil, []mp4.BoxPath{
		{mp4.BoxTypeMoov()},
		{mp4.BoxTypeMoof()},
		{mp4.BoxTypeMdat()},
	})
	if err != nil {
		return nil, fmt.Errorf("scanning boxes: %w", err)
	}

	var init fmp4.Init
	var tracks []*trackIndex
	byID := make(map[int]*trackIndex)
	timescales := make(map[int]uint32)
	var moof *mp4.BoxInfo
	fragments := 0

	for _, b := range boxes {
		end := b.Offset + b.Size
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		switch b.Type {
		case mp4.BoxTypeMoov():
			if err := init.Unmarshal(bytes.NewReader(data[b.Offset:end])); err != nil {
				return nil, fmt.Errorf("parsing init segment: %w", err)
			}
			for _, it := range init.Tracks {
				t := fmp4Track(it)
				tracks = append(tracks, t)
				byID[it.ID] = t
				timescales[it.ID] = it.TimeScale
			}
		case mp4.BoxTypeMoof():
			moof = b
		case mp4.BoxTypeMdat():
			if moof == nil {
				logger.Warn("fmp4: mdat without moof", slog.Uint64("offset", b.Offset))
				continue
			}
			var parts fmp4.Parts
			if err := parts.Unmarshal(data[moof.Offset:end]); err != nil {
				return nil, fmt.Errorf("parsing fragment at %d: %w", moof.Offset, err)
			}
			moof = nil
			fragments++
			for _, p := range parts {
				for _, pt := range p.Tracks {
					t, ok := byID[pt.ID]
					if !ok {
						continue
					}
					appendPartSamples(t, pt, timescales[pt.ID])
				}
			}
		}
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks in init segment", media.ErrUnsupportedContainer)
	}

	for _, t := range tracks {
		finishFMP4Track(t)
	}
	logger.Debug("fmp4 indexed", slog.Int("fragments", fragments))
	return newIndexedSource(KindFMP4, tracks, logger), nil
}

func appendPartSamples(t *trackIndex, pt *fmp4.PartTrack, timescale uint32) {
	dts := int64(pt.BaseTime)
	for _, s := range pt.Samples {
		t.samples = append(t.samples, sampleEntry{
			data:  s.Payload,
			size:  len(s.Payload),
			ptsUs: media.TicksToUs(dts+int64(s.PTSOffset), timescale),
			key:   !s.IsNonSyncSample,
		})
		dts += int64(s.Duration)
	}
	t.desc.Format.DurationUs = media.TicksToUs(dts, timescale)
}

// finishFMP4Track derives duration and frame rate once all fragments are in.
func finishFMP4Track(t *trackIndex) {
	if len(t.samples) == 0 {
		return
	}
	first := t.samples[0].ptsUs
	t.desc.Format.DurationUs -= first
	f := &t.desc.Format
	if f.IsVideo() && f.DurationUs > 0 && len(t.samples) > 1 {
		f.FrameRate = int(math.Round(float64(len(t.samples)) * 1e6 / float64(f.DurationUs)))
	}
}

// fmp4Track builds the descriptor of an init segment track.
func fmp4Track(it *fmp4.InitTrack) *trackIndex {
	t := &trackIndex{desc: media.TrackDescriptor{ID: it.ID}}
	f := &t.desc.Format

	switch c := it.Codec.(type) {
	case *mcmp4.CodecH264:
		f.MIME = media.MIMEVideoAVC
		f.CSD = [][]byte{c.SPS, c.PPS}
		var sps h264.SPS
		if err := sps.Unmarshal(c.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
		t.convert = converterFor(codec.VideoH264, fmp4LengthSize, f.CSD)
	case *mcmp4.CodecH265:
		f.MIME = media.MIMEVideoHEVC
		f.CSD = [][]byte{c.VPS, c.SPS, c.PPS}
		var sps h265.SPS
		if err := sps.Unmarshal(c.SPS); err == nil {
			f.Width, f.Height = sps.Width(), sps.Height()
		}
		t.convert = converterFor(codec.VideoH265, fmp4LengthSize, f.CSD)
	case *mcmp4.CodecVP9:
		f.MIME = media.MIMEVideoVP9
		f.Width, f.Height = c.Width, c.Height
	case *mcmp4.CodecAV1:
		f.MIME = media.MIMEVideoAV1
		f.CSD = [][]byte{c.SequenceHeader}
		var sh av1.SequenceHeader
		if err := sh.Unmarshal(c.SequenceHeader); err == nil {
			f.Width, f.Height = sh.Width(), sh.Height()
		}
	case *mcmp4.CodecMPEG4Video:
		f.MIME = codec.VideoMPEG4.MIME()
	case *mcmp4.CodecMPEG1Video:
		f.MIME = codec.VideoMPEG2.MIME()
	case *mcmp4.CodecMPEG4Audio:
		f.MIME = media.MIMEAudioAAC
	case *mcmp4.CodecOpus:
		f.MIME = media.MIMEAudioOpus
	case *mcmp4.CodecAC3:
		f.MIME = media.MIMEAudioAC3
	case *mcmp4.CodecEAC3:
		f.MIME = codec.AudioEAC3.MIME()
	case *mcmp4.CodecMPEG1Audio:
		f.MIME = media.MIMEAudioMPEG
	default:
		f.MIME = "application/octet-stream"
		if c != nil && c.IsVideo() {
			f.MIME = media.VideoPrefix + "x-unknown"
		}
	}
	return t
}
