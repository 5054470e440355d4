// Package containertest provides in-memory sources and muxers for tests.
package containertest

import (
	"fmt"
	"io"
	"sync"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
)

// Sample is one stored access unit.
type Sample struct {
	Data   []byte
	TimeUs int64
	Key    bool
}

// Track is a track and its samples in decode order.
type Track struct {
	Descriptor media.TrackDescriptor
	Samples    []Sample
}

// VideoTrack builds a track of n samples spaced frameUs apart with a sync
// sample every gop samples. Each sample's payload is four bytes holding
// its index.
func VideoTrack(id int, mime string, width, height, n int, frameUs int64, gop int) Track {
	if gop <= 0 {
		gop = 1
	}
	t := Track{Descriptor: media.TrackDescriptor{
		ID: id,
		Format: media.Format{
			MIME:       mime,
			Width:      width,
			Height:     height,
			DurationUs: int64(n) * frameUs,
		},
	}}
	for i := 0; i < n; i++ {
		t.Samples = append(t.Samples, Sample{
			Data:   []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)},
			TimeUs: int64(i) * frameUs,
			Key:    i%gop == 0,
		})
	}
	return t
}

// AudioTrack builds a sample-less audio track.
func AudioTrack(id int) Track {
	return Track{Descriptor: media.TrackDescriptor{ID: id, Format: media.Format{MIME: media.MIMEAudioAAC}}}
}

// Source implements container.Source over in-memory tracks.
type Source struct {
	mu       sync.Mutex
	tracks   []Track
	selected *Track
	pos      int
	closed   bool
}

// NewSource returns a source holding tracks.
func NewSource(tracks ...Track) *Source {
	return &Source{tracks: tracks}
}

func (s *Source) Container() container.Kind { return container.KindMP4 }

func (s *Source) Tracks() []media.TrackDescriptor {
	out := make([]media.TrackDescriptor, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.Descriptor
	}
	return out
}

func (s *Source) SelectTrack(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != nil {
		return media.ErrTrackAlreadySelected
	}
	for i := range s.tracks {
		if s.tracks[i].Descriptor.ID == id {
			s.selected = &s.tracks[i]
			return nil
		}
	}
	return fmt.Errorf("%w %d", container.ErrUnknownTrack, id)
}

func (s *Source) current() *Sample {
	if s.selected == nil || s.pos >= len(s.selected.Samples) {
		return nil
	}
	return &s.selected.Samples[s.pos]
}

func (s *Source) ReadSampleData(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, media.ErrClosed
	}
	if s.selected == nil {
		return -1, container.ErrNoTrackSelected
	}
	c := s.current()
	if c == nil {
		return -1, io.EOF
	}
	if len(buf) < len(c.Data) {
		return -1, io.ErrShortBuffer
	}
	return copy(buf, c.Data), nil
}

func (s *Source) SampleSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.current(); c != nil {
		return len(c.Data)
	}
	return -1
}

func (s *Source) SampleTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.current(); c != nil {
		return c.TimeUs
	}
	return -1
}

func (s *Source) SampleFlags() media.BufferFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.current(); c != nil && c.Key {
		return media.FlagKeyFrame
	}
	return 0
}

func (s *Source) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return false
	}
	if s.pos < len(s.selected.Samples) {
		s.pos++
	}
	return s.pos < len(s.selected.Samples)
}

// SeekTo lands on the last sync sample at or before timeUs for every mode.
func (s *Source) SeekTo(timeUs int64, _ container.SeekMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return container.ErrNoTrackSelected
	}
	s.pos = 0
	for i, smp := range s.selected.Samples {
		if smp.TimeUs > timeUs {
			break
		}
		if smp.Key {
			s.pos = i
		}
	}
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Position returns the index of the current sample.
func (s *Source) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

var _ container.Source = (*Source)(nil)

// WrittenSample is a sample received by a Muxer.
type WrittenSample struct {
	Track int
	Data  []byte
	Info  media.BufferInfo
}

// Muxer records what a pipeline writes. It enforces the same ordering rules
// as container.FileMuxer.
type Muxer struct {
	mu       sync.Mutex
	format   *media.Format
	started  bool
	stopped  bool
	released bool
	samples  []WrittenSample

	// StopErr is returned by Stop when set.
	StopErr error
}

// NewMuxer returns an empty recording muxer.
func NewMuxer() *Muxer { return &Muxer{} }

func (m *Muxer) AddTrack(f media.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, container.ErrMuxerStarted
	}
	if m.format != nil {
		return -1, container.ErrTrackAlreadyAdded
	}
	c := f.Clone()
	m.format = &c
	return 0, nil
}

func (m *Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return container.ErrMuxerStarted
	}
	if m.format == nil {
		return container.ErrNoTrackAdded
	}
	m.started = true
	return nil
}

func (m *Muxer) WriteSampleData(track int, data []byte, info media.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return container.ErrMuxerNotStarted
	}
	if track != 0 {
		return container.ErrUnknownTrack
	}
	payload := append([]byte(nil), data[info.Offset:info.Offset+info.Size]...)
	m.samples = append(m.samples, WrittenSample{Track: track, Data: payload, Info: info})
	return nil
}

func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		m.stopped = true
		return nil
	}
	m.stopped = true
	return m.StopErr
}

func (m *Muxer) Release() error {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	return nil
}

// Format returns the added track format, nil if none.
func (m *Muxer) Format() *media.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// Samples returns a copy of the written samples.
func (m *Muxer) Samples() []WrittenSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WrittenSample(nil), m.samples...)
}

// Started reports whether Start succeeded.
func (m *Muxer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Stopped reports whether Stop was called.
func (m *Muxer) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Released reports whether Release was called.
func (m *Muxer) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

var _ container.Muxer = (*Muxer)(nil)
