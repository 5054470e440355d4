package mux

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/av1"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/media"
)

const (
	fmp4TrackID   = 1
	fmp4TimeScale = media.ClockRate90k
)

// FMP4Writer muxes a single video track into fragmented MP4. Fragments
// start at key frames. A sample's duration is the distance to the next
// sample, so the newest sample is held back until its successor arrives or
// Flush is called.
type FMP4Writer struct {
	writer io.Writer
	config Config
	logger *slog.Logger

	mu           sync.Mutex
	params       *ParamSets
	av1SeqHeader []byte
	initWritten  bool
	seq          uint32
	baseTime     uint64
	baseSet      bool

	pending    *fmp4.Sample
	pendingPTS int64
	samples    []*fmp4.Sample

	defaultDuration uint32
	lastDuration    uint32
}

// NewFMP4Writer creates a fragmented MP4 writer.
func NewFMP4Writer(w io.Writer, cfg Config) (*FMP4Writer, error) {
	switch cfg.Codec {
	case codec.VideoH264, codec.VideoH265, codec.VideoVP9, codec.VideoAV1:
	default:
		return nil, fmt.Errorf("fmp4: unsupported video codec %s", cfg.Codec)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	m := &FMP4Writer{
		writer:          w,
		config:          cfg,
		logger:          cfg.Logger,
		seq:             1,
		defaultDuration: uint32(fmp4TimeScale / fps),
	}
	if cfg.Codec == codec.VideoH264 || cfg.Codec == codec.VideoH265 {
		m.params = NewParamSets(cfg.Codec)
		m.params.Extract(cfg.CSD)
	}
	if cfg.Codec == codec.VideoAV1 && len(cfg.CSD) > 0 {
		m.av1SeqHeader = cfg.CSD[0]
	}
	return m, nil
}

// WriteVideo implements VideoWriter. Samples arriving before the codec
// parameters are known are dropped.
func (m *FMP4Writer) WriteVideo(ptsUs int64, data []byte, keyFrame bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	m.extractParams(data)

	if !m.initWritten {
		if !m.canInitialize() {
			if keyFrame {
				m.logger.Debug("waiting for video parameters before writing init segment")
			}
			return nil
		}
		if err := m.writeInit(); err != nil {
			return err
		}
	}

	sample, err := m.createSample(data, keyFrame)
	if err != nil {
		return err
	}
	pts := media.UsTo90k(ptsUs)
	if !m.baseSet {
		m.baseTime = uint64(max(pts, 0))
		m.baseSet = true
	}

	if m.pending != nil {
		m.completePending(pts)
		if keyFrame || m.config.LowLatency {
			if err := m.writeFragment(); err != nil {
				return err
			}
		}
	}
	m.pending = sample
	m.pendingPTS = pts
	return nil
}

func (m *FMP4Writer) completePending(nextPTS int64) {
	d := m.lastDuration
	if delta := nextPTS - m.pendingPTS; delta > 0 {
		d = uint32(delta)
	}
	if d == 0 {
		d = m.defaultDuration
	}
	m.pending.Duration = d
	m.lastDuration = d
	m.samples = append(m.samples, m.pending)
	m.pending = nil
}

// Flush implements VideoWriter. The held-back sample gets the previous
// sample's duration.
func (m *FMP4Writer) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initWritten {
		return nil
	}
	if m.pending != nil {
		m.completePending(m.pendingPTS)
	}
	return m.writeFragment()
}

// Format implements VideoWriter.
func (m *FMP4Writer) Format() string { return "mp4" }

func (m *FMP4Writer) extractParams(data []byte) {
	switch m.config.Codec {
	case codec.VideoH264, codec.VideoH265:
		m.params.Extract(SplitAnnexB(data))
	case codec.VideoAV1:
		for _, obu := range dataToOBUs(data) {
			if len(obu) > 0 && av1.OBUType((obu[0]>>3)&0x0F) == av1.OBUTypeSequenceHeader {
				m.av1SeqHeader = append([]byte(nil), obu...)
				return
			}
		}
	}
}

func (m *FMP4Writer) canInitialize() bool {
	switch m.config.Codec {
	case codec.VideoAV1:
		return len(m.av1SeqHeader) > 0
	case codec.VideoVP9:
		return true
	default:
		return m.params.Complete()
	}
}

func (m *FMP4Writer) createSample(data []byte, keyFrame bool) (*fmp4.Sample, error) {
	sample := &fmp4.Sample{IsNonSyncSample: !keyFrame}
	switch m.config.Codec {
	case codec.VideoH264:
		if err := sample.FillH264(0, SplitAnnexB(data)); err != nil {
			return nil, err
		}
	case codec.VideoH265:
		if err := sample.FillH265(0, SplitAnnexB(data)); err != nil {
			return nil, err
		}
	case codec.VideoAV1:
		if err := sample.FillAV1(dataToOBUs(data)); err != nil {
			return nil, err
		}
	default:
		sample.Payload = data
		sample.IsNonSyncSample = !isVP9Keyframe(data)
	}
	return sample, nil
}

func (m *FMP4Writer) writeInit() error {
	c, err := m.trackCodec()
	if err != nil {
		return err
	}
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        fmp4TrackID,
			TimeScale: fmp4TimeScale,
			Codec:     c,
		}},
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}
	if _, err := m.writer.Write(buf.Bytes()); err != nil {
		return err
	}
	m.initWritten = true
	m.logger.Debug("fmp4 init segment written", slog.String("video_codec", m.config.Codec.String()))
	return nil
}

func (m *FMP4Writer) writeFragment() error {
	if len(m.samples) == 0 {
		return nil
	}
	part := &fmp4.Part{
		SequenceNumber: m.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       fmp4TrackID,
			BaseTime: m.baseTime,
			Samples:  m.samples,
		}},
	}
	for _, s := range m.samples {
		m.baseTime += uint64(s.Duration)
	}
	m.samples = nil

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling fragment: %w", err)
	}
	_, err := m.writer.Write(buf.Bytes())
	m.seq++
	return err
}

func (m *FMP4Writer) trackCodec() (mp4.Codec, error) {
	switch m.config.Codec {
	case codec.VideoAV1:
		return &mp4.CodecAV1{SequenceHeader: m.av1SeqHeader}, nil
	case codec.VideoVP9:
		return &mp4.CodecVP9{Width: m.config.Width, Height: m.config.Height, Profile: 0}, nil
	case codec.VideoH265:
		return &mp4.CodecH265{VPS: m.params.VPS(), SPS: m.params.SPS(), PPS: m.params.PPS()}, nil
	case codec.VideoH264:
		return &mp4.CodecH264{SPS: m.params.SPS(), PPS: m.params.PPS()}, nil
	default:
		return nil, fmt.Errorf("unsupported video codec: %s", m.config.Codec)
	}
}

func dataToOBUs(data []byte) [][]byte {
	var bs av1.Bitstream
	if err := bs.Unmarshal(data); err != nil {
		return [][]byte{data}
	}
	return bs
}

// isVP9Keyframe reads the frame type bit of an uncompressed VP9 header.
func isVP9Keyframe(data []byte) bool {
	if len(data) < 1 {
		return false
	}
	if (data[0]>>6)&0x03 != 0x02 {
		return false
	}
	profile := (data[0] >> 4) & 0x03
	if profile == 3 {
		return (data[0] & 0x08) == 0
	}
	return (data[0] & 0x04) == 0
}

// seekableBuffer wraps bytes.Buffer to provide io.WriteSeeker.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (n int, err error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	if int(s.pos) == s.Buffer.Len() {
		n, err = s.Buffer.Write(p)
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			m, err := s.Buffer.Write(p[n:])
			if err != nil {
				return n, err
			}
			n += m
		}
	}
	s.pos += int64(n)
	return n, err
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = newPos
	return newPos, nil
}

var _ VideoWriter = (*FMP4Writer)(nil)
