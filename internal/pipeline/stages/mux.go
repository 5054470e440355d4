package stages

import (
	"log/slog"
	"sync/atomic"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

const stageMux = "mux"

// Mux registers the single output track and writes encoded samples. It is
// driven by one goroutine.
type Mux struct {
	muxer    container.Muxer
	state    *core.RunState
	guard    *core.TimestampGuard
	progress core.ProgressSink
	logger   *slog.Logger

	written atomic.Int64
	lastUs  atomic.Int64
}

// NewMux wraps muxer. A nil guard passes timestamps through.
func NewMux(muxer container.Muxer, state *core.RunState, guard *core.TimestampGuard, progress core.ProgressSink, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = core.NewTimestampGuard(core.TimestampPassthrough)
	}
	m := &Mux{
		muxer:    muxer,
		state:    state,
		guard:    guard,
		progress: core.OrNop(progress),
		logger:   logger.With(slog.String("stage", stageMux)),
	}
	m.lastUs.Store(-1)
	return m
}

// Register adds the track with the encoder's final format and starts the
// muxer. It succeeds once per run.
func (m *Mux) Register(format media.Format) error {
	if m.state.MuxerStarted() {
		return media.NewStageError(stageMux, "register", core.ErrAlreadyRegistered)
	}
	id, err := m.muxer.AddTrack(format)
	if err != nil {
		return media.NewStageError(stageMux, "add_track", err)
	}
	if err := m.muxer.Start(); err != nil {
		return media.NewStageError(stageMux, "start", err)
	}
	m.state.SetMuxerTrack(id)
	m.logger.Info("muxer started",
		slog.Int("track", id),
		slog.String("format", format.String()),
	)
	return nil
}

// Write writes one encoded sample. Empty and codec config buffers are
// skipped and reported as not written. nominalUs is the expected time of
// the sample, used when the timestamp guard repairs a bad one.
func (m *Mux) Write(data []byte, info media.BufferInfo, nominalUs int64) (bool, error) {
	if info.Size <= 0 || info.IsCodecConfig() {
		return false, nil
	}
	if !m.state.MuxerStarted() {
		return false, media.NewStageError(stageMux, "write", core.ErrNotRegistered)
	}
	pts, err := m.guard.Apply(info.PresentationTimeUs, nominalUs)
	if err != nil {
		return false, media.NewStageError(stageMux, "timestamp", err)
	}
	if pts != info.PresentationTimeUs {
		m.logger.Debug("repaired timestamp",
			slog.Int64("pts_us", info.PresentationTimeUs),
			slog.Int64("used_us", pts),
		)
	}
	info.PresentationTimeUs = pts
	if err := m.muxer.WriteSampleData(m.state.TrackID(), data, info); err != nil {
		return false, media.NewStageError(stageMux, "write", err)
	}
	m.written.Add(1)
	m.lastUs.Store(pts)
	m.progress.MuxTime(pts)
	return true, nil
}

// Written returns the number of samples written.
func (m *Mux) Written() int { return int(m.written.Load()) }

// LastUs returns the time of the last written sample, -1 before any.
func (m *Mux) LastUs() int64 { return m.lastUs.Load() }

// RepairedTimestamps returns how many timestamps the guard replaced.
func (m *Mux) RepairedTimestamps() int { return m.guard.Fixed() }

// Stop finalizes the output. A muxer that never started has nothing to
// finalize and its stop error is only logged.
func (m *Mux) Stop() error {
	err := m.muxer.Stop()
	if err != nil && !m.state.MuxerStarted() {
		m.logger.Debug("stopping unstarted muxer", slog.String("error", err.Error()))
		return nil
	}
	return err
}

// Release frees the muxer.
func (m *Mux) Release() error { return m.muxer.Release() }
