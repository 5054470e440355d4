package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mux"
)

// tsStream is one elementary stream listed in the program map.
type tsStream struct {
	PID        uint16
	StreamType astits.StreamType
}

// probeTSTracks lists the elementary streams of the first program map
// table, including streams mediacommon cannot demux.
func probeTSTracks(ctx context.Context, r io.Reader) ([]tsStream, error) {
	dmx := astits.NewDemuxer(ctx, r)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return nil, fmt.Errorf("%w: no program map table", media.ErrUnsupportedContainer)
			}
			return nil, fmt.Errorf("reading program tables: %w", err)
		}
		if d.PMT == nil {
			continue
		}
		streams := make([]tsStream, 0, len(d.PMT.ElementaryStreams))
		for _, es := range d.PMT.ElementaryStreams {
			streams = append(streams, tsStream{PID: es.ElementaryPID, StreamType: es.StreamType})
		}
		return streams, nil
	}
}

// tsMIME maps a PMT stream type onto a media type.
func tsMIME(st astits.StreamType) string {
	if v, ok := codec.VideoForStreamType(uint8(st)); ok {
		return v.MIME()
	}
	if a, ok := codec.AudioForStreamType(uint8(st)); ok {
		return a.MIME()
	}
	if st.IsVideo() {
		return media.VideoPrefix + "x-unknown"
	}
	if st.IsAudio() {
		return "audio/x-unknown"
	}
	return "application/octet-stream"
}

// tsTrackState accumulates the samples of one H.264/H.265 stream.
type tsTrackState struct {
	index  *trackIndex
	video  codec.Video
	params *mux.ParamSets
}

func (s *tsTrackState) add(pts int64, au [][]byte, key bool) error {
	if len(au) == 0 {
		return nil
	}
	s.params.Extract(au)
	if key {
		au = s.params.PrependToKeyframe(au)
	}
	data, err := mux.JoinAnnexB(au)
	if err != nil {
		return err
	}
	s.index.samples = append(s.index.samples, sampleEntry{
		data:  data,
		size:  len(data),
		ptsUs: media.Ticks90kToUs(pts),
		key:   key,
	})
	return nil
}

// openTS indexes an MPEG-TS file. Every stream of the program map becomes
// a track; samples are extracted for H.264 and H.265 streams.
func openTS(r io.Reader, logger *slog.Logger) (*indexedSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	streams, err := probeTSTracks(context.Background(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	tracks := make([]*trackIndex, 0, len(streams))
	byPID := make(map[uint16]*trackIndex, len(streams))
	for _, st := range streams {
		t := &trackIndex{desc: media.TrackDescriptor{
			ID:     int(st.PID),
			Format: media.Format{MIME: tsMIME(st.StreamType)},
		}}
		tracks = append(tracks, t)
		byPID[st.PID] = t
	}

	reader := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts reader: %w", err)
	}
	reader.OnDecodeError(func(err error) {
		logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	var states []*tsTrackState
	for _, track := range reader.Tracks() {
		t, ok := byPID[track.PID]
		if !ok {
			continue
		}
		switch track.Codec.(type) {
		case *mpegts.CodecH264:
			st := &tsTrackState{index: t, video: codec.VideoH264, params: mux.NewParamSets(codec.VideoH264)}
			states = append(states, st)
			reader.OnDataH264(track, func(pts int64, _ int64, au [][]byte) error {
				return st.add(pts, au, h264.IsRandomAccess(au))
			})
		case *mpegts.CodecH265:
			st := &tsTrackState{index: t, video: codec.VideoH265, params: mux.NewParamSets(codec.VideoH265)}
			states = append(states, st)
			reader.OnDataH265(track, func(pts int64, _ int64, au [][]byte) error {
				return st.add(pts, au, h265.IsRandomAccess(au))
			})
		}
	}

	for {
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("reading mpegts: %w", err)
		}
	}

	for _, st := range states {
		finishTSTrack(st)
	}
	return newIndexedSource(KindMPEGTS, tracks, logger), nil
}

// finishTSTrack fills in what the elementary stream itself tells about the
// track: parameter sets, picture size, duration and frame rate.
func finishTSTrack(st *tsTrackState) {
	f := &st.index.desc.Format
	f.CSD = st.params.CSD()
	if sps := st.params.SPS(); sps != nil {
		switch st.video {
		case codec.VideoH264:
			var s h264.SPS
			if err := s.Unmarshal(sps); err == nil {
				f.Width, f.Height = s.Width(), s.Height()
			}
		case codec.VideoH265:
			var s h265.SPS
			if err := s.Unmarshal(sps); err == nil {
				f.Width, f.Height = s.Width(), s.Height()
			}
		}
	}

	samples := st.index.samples
	if len(samples) < 2 {
		return
	}
	first, last := samples[0].ptsUs, samples[0].ptsUs
	for _, s := range samples {
		first = min(first, s.ptsUs)
		last = max(last, s.ptsUs)
	}
	span := last - first
	if span <= 0 {
		return
	}
	frame := span / int64(len(samples)-1)
	f.DurationUs = span + frame
	f.FrameRate = int(math.Round(float64(len(samples)-1) * 1e6 / float64(span)))
}
