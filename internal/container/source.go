package container

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// sampleEntry locates one sample. Samples of progressive MP4 are read from
// the file on demand; fragmented MP4 and MPEG-TS samples are held in memory.
type sampleEntry struct {
	offset int64
	size   int
	data   []byte
	ptsUs  int64
	key    bool
}

// converter turns a stored sample into the access unit handed to a decoder.
type converter func(raw []byte, key bool) ([]byte, error)

type trackIndex struct {
	desc    media.TrackDescriptor
	samples []sampleEntry
	convert converter
}

func (t *trackIndex) keyFrames() int {
	n := 0
	for _, s := range t.samples {
		if s.key {
			n++
		}
	}
	return n
}

// indexedSource serves samples from a per-track sample table built when the
// file was opened.
type indexedSource struct {
	kind   Kind
	logger *slog.Logger
	ra     io.ReaderAt
	closer io.Closer
	tracks []*trackIndex

	mu       sync.Mutex
	selected *trackIndex
	pos      int
	cached   []byte
	cachedAt int
	closed   bool
}

func newIndexedSource(kind Kind, tracks []*trackIndex, logger *slog.Logger) *indexedSource {
	return &indexedSource{kind: kind, tracks: tracks, logger: logger, cachedAt: -1}
}

func (s *indexedSource) Container() Kind { return s.kind }

func (s *indexedSource) Tracks() []media.TrackDescriptor {
	out := make([]media.TrackDescriptor, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.desc
		out[i].Format = t.desc.Format.Clone()
	}
	return out
}

func (s *indexedSource) SelectTrack(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrClosed
	}
	if s.selected != nil {
		return fmt.Errorf("selecting track %d: %w", id, media.ErrTrackAlreadySelected)
	}
	for _, t := range s.tracks {
		if t.desc.ID == id {
			s.selected = t
			s.pos = 0
			s.logger.Debug("track selected",
				slog.Int("track", id),
				slog.String("mime", t.desc.MediaType()),
				slog.Int("samples", len(t.samples)))
			return nil
		}
	}
	return fmt.Errorf("selecting track %d: %w", id, ErrUnknownTrack)
}

// current returns the current sample, nil at the end or before selection.
func (s *indexedSource) current() *sampleEntry {
	if s.selected == nil || s.pos >= len(s.selected.samples) {
		return nil
	}
	return &s.selected.samples[s.pos]
}

// load returns the converted current sample, caching it so SampleSize and
// ReadSampleData agree.
func (s *indexedSource) load() ([]byte, error) {
	if s.cachedAt == s.pos && s.cached != nil {
		return s.cached, nil
	}
	e := s.current()
	raw := e.data
	if raw == nil {
		if s.ra == nil {
			return nil, fmt.Errorf("sample %d has no data", s.pos)
		}
		raw = make([]byte, e.size)
		if _, err := s.ra.ReadAt(raw, e.offset); err != nil {
			return nil, fmt.Errorf("reading sample %d at offset %d: %w", s.pos, e.offset, err)
		}
	}
	out := raw
	if s.selected.convert != nil {
		var err error
		if out, err = s.selected.convert(raw, e.key); err != nil {
			return nil, fmt.Errorf("converting sample %d: %w", s.pos, err)
		}
	}
	s.cached, s.cachedAt = out, s.pos
	return out, nil
}

func (s *indexedSource) ReadSampleData(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, media.ErrClosed
	}
	if s.selected == nil {
		return -1, ErrNoTrackSelected
	}
	if s.current() == nil {
		return -1, io.EOF
	}
	data, err := s.load()
	if err != nil {
		return -1, err
	}
	if len(buf) < len(data) {
		return -1, fmt.Errorf("sample of %d bytes: %w", len(data), io.ErrShortBuffer)
	}
	return copy(buf, data), nil
}

func (s *indexedSource) SampleSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.current() == nil {
		return -1
	}
	data, err := s.load()
	if err != nil {
		return -1
	}
	return len(data)
}

func (s *indexedSource) SampleTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.current()
	if s.closed || e == nil {
		return -1
	}
	return e.ptsUs
}

func (s *indexedSource) SampleFlags() media.BufferFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.current()
	if s.closed || e == nil {
		return 0
	}
	if e.key {
		return media.FlagKeyFrame
	}
	return 0
}

func (s *indexedSource) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.selected == nil {
		return false
	}
	if s.pos < len(s.selected.samples) {
		s.pos++
	}
	return s.pos < len(s.selected.samples)
}

func (s *indexedSource) SeekTo(timeUs int64, mode SeekMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrClosed
	}
	if s.selected == nil {
		return ErrNoTrackSelected
	}
	s.pos = seekIndex(s.selected.samples, timeUs, mode)
	return nil
}

// seekIndex returns the sample index SeekTo lands on. A track without sync
// samples seeks to its first sample; SeekNextSync past the last sync sample
// lands at the end.
func seekIndex(samples []sampleEntry, timeUs int64, mode SeekMode) int {
	var syncs []int
	for i, e := range samples {
		if e.key {
			syncs = append(syncs, i)
		}
	}
	if len(syncs) == 0 {
		return 0
	}
	// Sync samples are in decode order, which for sync samples is also
	// presentation order.
	after := sort.Search(len(syncs), func(i int) bool {
		return samples[syncs[i]].ptsUs >= timeUs
	})

	switch mode {
	case SeekNextSync:
		if after == len(syncs) {
			return len(samples)
		}
		return syncs[after]
	case SeekClosestSync:
		if after == len(syncs) {
			return syncs[len(syncs)-1]
		}
		if after == 0 {
			return syncs[0]
		}
		prev, next := syncs[after-1], syncs[after]
		if timeUs-samples[prev].ptsUs <= samples[next].ptsUs-timeUs {
			return prev
		}
		return next
	default:
		if after < len(syncs) && samples[syncs[after]].ptsUs == timeUs {
			return syncs[after]
		}
		if after == 0 {
			return syncs[0]
		}
		return syncs[after-1]
	}
}

func (s *indexedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cached = nil
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

var _ Source = (*indexedSource)(nil)
