package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Boundary names a pipeline boundary progress is reported for.
type Boundary string

// Pipeline boundaries.
const (
	BoundaryExtract Boundary = "extract"
	BoundaryDecode  Boundary = "decode"
	BoundaryEncode  Boundary = "encode"
	BoundaryMux     Boundary = "mux"
)

// Progress is a snapshot of the latest time seen at every boundary, -1
// where nothing was seen yet.
type Progress struct {
	ExtractUs int64 `json:"extract_us"`
	DecodeUs  int64 `json:"decode_us"`
	EncodeUs  int64 `json:"encode_us"`
	MuxUs     int64 `json:"mux_us"`
}

// ProgressCallback is called after every update.
type ProgressCallback func(b Boundary, us int64)

// ProgressTracker keeps the latest time of each boundary and optionally
// forwards every update to a callback.
type ProgressTracker struct {
	extract, decode, encode, mux atomic.Int64
	callback                     ProgressCallback
}

// NewProgressTracker creates a tracker. callback may be nil.
func NewProgressTracker(callback ProgressCallback) *ProgressTracker {
	t := &ProgressTracker{callback: callback}
	t.Reset()
	return t
}

func (t *ProgressTracker) set(b Boundary, v *atomic.Int64, us int64) {
	v.Store(us)
	if t.callback != nil {
		t.callback(b, us)
	}
}

// ExtractTime implements ProgressSink.
func (t *ProgressTracker) ExtractTime(us int64) { t.set(BoundaryExtract, &t.extract, us) }

// DecodeTime implements ProgressSink.
func (t *ProgressTracker) DecodeTime(us int64) { t.set(BoundaryDecode, &t.decode, us) }

// EncodeTime implements ProgressSink.
func (t *ProgressTracker) EncodeTime(us int64) { t.set(BoundaryEncode, &t.encode, us) }

// MuxTime implements ProgressSink.
func (t *ProgressTracker) MuxTime(us int64) { t.set(BoundaryMux, &t.mux, us) }

// Snapshot returns the latest times.
func (t *ProgressTracker) Snapshot() Progress {
	return Progress{
		ExtractUs: t.extract.Load(),
		DecodeUs:  t.decode.Load(),
		EncodeUs:  t.encode.Load(),
		MuxUs:     t.mux.Load(),
	}
}

// Reset clears all boundaries.
func (t *ProgressTracker) Reset() {
	t.extract.Store(-1)
	t.decode.Store(-1)
	t.encode.Store(-1)
	t.mux.Store(-1)
}

// LogProgress logs the mux boundary at most once per interval, plus every
// update at trace level.
type LogProgress struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewLogProgress returns a logging sink. An interval of zero logs every
// mux update.
func NewLogProgress(logger *slog.Logger, interval time.Duration) *LogProgress {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgress{logger: logger.With(slog.String("component", "progress")), interval: interval}
}

func (l *LogProgress) trace(b Boundary, us int64) {
	l.logger.Log(context.Background(), levelTrace, "progress", slog.String("boundary", string(b)), slog.Int64("us", us))
}

// levelTrace is one step below debug.
const levelTrace = slog.LevelDebug - 4

// ExtractTime implements ProgressSink.
func (l *LogProgress) ExtractTime(us int64) { l.trace(BoundaryExtract, us) }

// DecodeTime implements ProgressSink.
func (l *LogProgress) DecodeTime(us int64) { l.trace(BoundaryDecode, us) }

// EncodeTime implements ProgressSink.
func (l *LogProgress) EncodeTime(us int64) { l.trace(BoundaryEncode, us) }

// MuxTime implements ProgressSink.
func (l *LogProgress) MuxTime(us int64) {
	l.trace(BoundaryMux, us)
	l.mu.Lock()
	now := time.Now()
	due := now.Sub(l.last) >= l.interval
	if due {
		l.last = now
	}
	l.mu.Unlock()
	if due {
		l.logger.Info("muxed", slog.Duration("position", time.Duration(us)*time.Microsecond))
	}
}

// MultiProgress fans updates out to several sinks.
type MultiProgress []ProgressSink

func (m MultiProgress) ExtractTime(us int64) {
	for _, s := range m {
		s.ExtractTime(us)
	}
}

func (m MultiProgress) DecodeTime(us int64) {
	for _, s := range m {
		s.DecodeTime(us)
	}
}

func (m MultiProgress) EncodeTime(us int64) {
	for _, s := range m {
		s.EncodeTime(us)
	}
}

func (m MultiProgress) MuxTime(us int64) {
	for _, s := range m {
		s.MuxTime(us)
	}
}

var (
	_ ProgressSink = (*ProgressTracker)(nil)
	_ ProgressSink = (*LogProgress)(nil)
	_ ProgressSink = MultiProgress(nil)
)
