package container

import (
	"log/slog"
	"os"
)

// ProbeResult describes a source file.
type ProbeResult struct {
	Path      string       `json:"path" yaml:"path"`
	SizeBytes int64        `json:"size_bytes" yaml:"size_bytes"`
	Container Kind         `json:"container" yaml:"container"`
	Tracks    []ProbeTrack `json:"tracks" yaml:"tracks"`
}

// ProbeTrack describes one track of a probed file.
type ProbeTrack struct {
	ID         int    `json:"id" yaml:"id"`
	MIME       string `json:"mime" yaml:"mime"`
	Width      int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height     int    `json:"height,omitempty" yaml:"height,omitempty"`
	DurationUs int64  `json:"duration_us" yaml:"duration_us"`
	FrameRate  int    `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	Samples    int    `json:"samples" yaml:"samples"`
	KeyFrames  int    `json:"key_frames" yaml:"key_frames"`
	Selected   bool   `json:"selected" yaml:"selected"`
}

// Probe opens path, lists its tracks and marks the one SelectVideoTrack
// would pick.
func Probe(path string, logger *slog.Logger) (*ProbeResult, error) {
	src, err := openIndexed(path, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	res := &ProbeResult{Path: path, Container: src.Container()}
	if fi, err := os.Stat(path); err == nil {
		res.SizeBytes = fi.Size()
	}

	selected := -1
	if t, err := SelectVideoTrack(src.Tracks()); err == nil {
		selected = t.ID
	}
	for _, t := range src.tracks {
		f := t.desc.Format
		res.Tracks = append(res.Tracks, ProbeTrack{
			ID:         t.desc.ID,
			MIME:       f.MIME,
			Width:      f.Width,
			Height:     f.Height,
			DurationUs: f.DurationUs,
			FrameRate:  f.FrameRate,
			Samples:    len(t.samples),
			KeyFrames:  t.keyFrames(),
			Selected:   t.desc.ID == selected,
		})
	}
	return res, nil
}

// VideoTrack returns the selected video track, if any.
func (r *ProbeResult) VideoTrack() (ProbeTrack, bool) {
	for _, t := range r.Tracks {
		if t.Selected {
			return t, true
		}
	}
	return ProbeTrack{}, false
}
