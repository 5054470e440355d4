package container

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/abema/go-mp4"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// HEVC parameter set NAL unit types as stored in hvcC arrays.
const (
	hevcNALUVPS = 32
	hevcNALUSPS = 33
	hevcNALUPPS = 34
)

// trakMeta is what the sample tables of go-mp4's probe do not carry.
type trakMeta struct {
	handler    string
	entryType  string
	width      int
	height     int
	lengthSize int
	csd        [][]byte
	syncs      map[uint32]bool // 1-based sample numbers; nil means all sync
}

func stsdPath(types ...mp4.BoxType) mp4.BoxPath {
	p := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd()}
	return append(p, types...)
}

// openMP4 indexes a progressive MP4. Samples stay in the file and are read
// on demand.
func openMP4(f *os.File, logger *slog.Logger) (*indexedSource, error) {
	info, err := mp4.Probe(f)
	if err != nil {
		return nil, fmt.Errorf("probing mp4: %w", err)
	}
	traks, err := mp4.ExtractBox(f, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("locating tracks: %w", err)
	}
	if len(traks) != len(info.Tracks) {
		return nil, fmt.Errorf("found %d trak boxes but probed %d tracks", len(traks), len(info.Tracks))
	}

	tracks := make([]*trackIndex, 0, len(info.Tracks))
	for i, t := range info.Tracks {
		meta, err := readTrakMeta(f, traks[i])
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", t.TrackID, err)
		}
		tracks = append(tracks, indexMP4Track(t, meta))
	}

	src := newIndexedSource(KindMP4, tracks, logger)
	src.ra = f
	src.closer = f
	return src, nil
}

func readTrakMeta(f *os.File, trak *mp4.BoxInfo) (*trakMeta, error) {
	boxes, err := mp4.ExtractBoxesWithPayload(f, trak, []mp4.BoxPath{
		{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
		stsdPath(mp4.BoxTypeAvc1()),
		stsdPath(mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC()),
		stsdPath(mp4.BoxTypeHvc1()),
		stsdPath(mp4.BoxTypeHvc1(), mp4.BoxTypeHvcC()),
		stsdPath(mp4.BoxTypeHev1()),
		stsdPath(mp4.BoxTypeHev1(), mp4.BoxTypeHvcC()),
		stsdPath(mp4.BoxTypeVp09()),
		stsdPath(mp4.BoxTypeAv01()),
		stsdPath(mp4.BoxTypeAv01(), mp4.BoxTypeAv1C()),
		stsdPath(mp4.BoxTypeMp4a()),
		stsdPath(mp4.BoxTypeOpus()),
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStss()},
	})
	if err != nil {
		return nil, fmt.Errorf("reading sample description: %w", err)
	}

	meta := &trakMeta{lengthSize: 4}
	for _, b := range boxes {
		switch p := b.Payload.(type) {
		case *mp4.Hdlr:
			meta.handler = string(p.HandlerType[:])
		case *mp4.VisualSampleEntry:
			meta.entryType = b.Info.Type.String()
			meta.width, meta.height = int(p.Width), int(p.Height)
		case *mp4.AudioSampleEntry:
			meta.entryType = b.Info.Type.String()
		case *mp4.AVCDecoderConfiguration:
			meta.lengthSize = int(p.LengthSizeMinusOne) + 1
			for _, ps := range p.SequenceParameterSets {
				meta.csd = append(meta.csd, ps.NALUnit)
			}
			for _, ps := range p.PictureParameterSets {
				meta.csd = append(meta.csd, ps.NALUnit)
			}
		case *mp4.HvcC:
			meta.lengthSize = int(p.LengthSizeMinusOne) + 1
			meta.csd = hvcCParameterSets(p)
		case *mp4.Av1C:
			if len(p.ConfigOBUs) > 0 {
				meta.csd = [][]byte{p.ConfigOBUs}
			}
		case *mp4.Stss:
			meta.syncs = make(map[uint32]bool, len(p.SampleNumber))
			for _, n := range p.SampleNumber {
				meta.syncs[n] = true
			}
		}
	}
	return meta, nil
}

// hvcCParameterSets returns VPS, SPS and PPS in decoder order.
func hvcCParameterSets(c *mp4.HvcC) [][]byte {
	var vps, sps, pps [][]byte
	for _, arr := range c.NaluArrays {
		for _, n := range arr.Nalus {
			switch arr.NaluType {
			case hevcNALUVPS:
				vps = append(vps, n.NALUnit)
			case hevcNALUSPS:
				sps = append(sps, n.NALUnit)
			case hevcNALUPPS:
				pps = append(pps, n.NALUnit)
			}
		}
	}
	out := append(vps, sps...)
	return append(out, pps...)
}

// mimeForEntry maps a sample entry type onto a media type. Unknown entries
// of video handlers still get a video type so track selection reports them.
func mimeForEntry(entryType, handler string) string {
	if v, ok := codec.ParseVideo(entryType); ok {
		return v.MIME()
	}
	switch entryType {
	case "mp4a":
		return media.MIMEAudioAAC
	case "Opus":
		return media.MIMEAudioOpus
	}
	switch handler {
	case "vide":
		return media.VideoPrefix + entryType
	case "soun":
		return "audio/" + entryType
	default:
		return "application/x-" + handler
	}
}

func indexMP4Track(t *mp4.Track, meta *trakMeta) *trackIndex {
	mime := mimeForEntry(meta.entryType, meta.handler)
	format := media.Format{
		MIME:       mime,
		Width:      meta.width,
		Height:     meta.height,
		DurationUs: media.TicksToUs(int64(t.Duration), t.Timescale),
		CSD:        meta.csd,
	}
	if format.Width == 0 && t.AVC != nil {
		format.Width, format.Height = int(t.AVC.Width), int(t.AVC.Height)
	}

	// The first non-empty edit gives the media time shown at zero.
	var shift int64
	for _, e := range t.EditList {
		if e.MediaTime >= 0 {
			shift = e.MediaTime
			break
		}
	}

	samples := make([]sampleEntry, 0, len(t.Samples))
	var dts int64
	n := 0
	for _, ch := range t.Chunks {
		off := int64(ch.DataOffset)
		for j := uint32(0); j < ch.SamplesPerChunk && n < len(t.Samples); j++ {
			s := t.Samples[n]
			pts := dts + s.CompositionTimeOffset - shift
			samples = append(samples, sampleEntry{
				offset: off,
				size:   int(s.Size),
				ptsUs:  media.TicksToUs(pts, t.Timescale),
				key:    meta.syncs == nil || meta.syncs[uint32(n+1)],
			})
			off += int64(s.Size)
			dts += int64(s.TimeDelta)
			n++
		}
	}
	if format.DurationUs > 0 && len(samples) > 1 && format.IsVideo() {
		format.FrameRate = int(math.Round(float64(len(samples)) * 1e6 / float64(format.DurationUs)))
	}

	v, _ := codec.ParseVideo(mime)
	return &trackIndex{
		desc:    media.TrackDescriptor{ID: int(t.TrackID), Format: format},
		samples: samples,
		convert: converterFor(v, meta.lengthSize, meta.csd),
	}
}
