package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/pipeline/stages"
)

// Deps are the collaborators of a coordinator. Zero fields get the ffmpeg
// backed defaults.
type Deps struct {
	Codecs *mediacodec.Factory
	// OpenSource opens the input file.
	OpenSource func(path string, logger *slog.Logger) (container.Source, error)
	// NewMuxer creates the output file writer.
	NewMuxer func(path string, f container.Format) (container.Muxer, error)
	// FFmpeg configures the default codecs and muxer.
	FFmpeg   ffmpeg.Options
	Progress core.ProgressSink
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	def := ffmpeg.DefaultOptions()
	if d.FFmpeg.StopTimeout <= 0 {
		d.FFmpeg.StopTimeout = def.StopTimeout
	}
	if d.FFmpeg.LogLevel == "" {
		d.FFmpeg.LogLevel = def.LogLevel
	}
	if d.FFmpeg.Preset == "" {
		d.FFmpeg.Preset = def.Preset
	}
	if d.Codecs == nil {
		d.Codecs = ffmpeg.NewCodecFactory(d.FFmpeg, mediacodec.DefaultOptions(), d.Logger)
	}
	if d.OpenSource == nil {
		d.OpenSource = container.Open
	}
	if d.NewMuxer == nil {
		opts := container.MuxerOptions{FFmpeg: d.FFmpeg, Logger: d.Logger}
		d.NewMuxer = func(path string, f container.Format) (container.Muxer, error) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating output directory: %w", err)
			}
			return container.NewMuxer(path, f, opts), nil
		}
	}
	d.Progress = core.OrNop(d.Progress)
	return d
}

// Result describes a finished run.
type Result struct {
	RunID        string                `json:"run_id"`
	OutputPath   string                `json:"output_path"`
	Track        media.TrackDescriptor `json:"track"`
	OutputFormat media.Format          `json:"output_format"`
	Samples      int                   `json:"samples"`
	LastPTSUs    int64                 `json:"last_pts_us"`
	Repaired     int                   `json:"repaired_timestamps"`
	Frames       int                   `json:"frames,omitempty"`
	Elapsed      time.Duration         `json:"elapsed"`
}

// permanentError marks a failure no retry can fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		media.IsConfigurationError(err) ||
		mediacodec.IsIllegalState(err) ||
		errors.Is(err, core.ErrTimestamp) ||
		errors.Is(err, media.ErrClosed)
}

// runFailure records the first fatal error of a run and stops the others.
type runFailure struct {
	once   sync.Once
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

func (f *runFailure) fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.cancel()
	})
}

func (f *runFailure) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// pollLoop runs step until the run completes or ctx ends. A permanent error
// or an exhausted failure budget fails the run. Once parked reports true the
// loop has nothing left to do and waits for completion.
func pollLoop(ctx context.Context, name string, state *core.RunState, budget *core.FailureBudget,
	failure *runFailure, parked func() bool, step func() (bool, error)) {
	for !state.IsComplete() && ctx.Err() == nil {
		if parked != nil && parked() {
			select {
			case <-state.Completion().Done():
			case <-ctx.Done():
			}
			return
		}
		worked, err := step()
		if err != nil {
			if isPermanent(err) {
				failure.fail(asStageError(name, err))
				return
			}
			if berr := budget.Observe(err); berr != nil {
				failure.fail(berr)
				return
			}
			runtime.Gosched()
			continue
		}
		budget.Observe(nil)
		if !worked {
			runtime.Gosched()
		}
	}
}

func asStageError(stage string, err error) error {
	var se *media.StageError
	var ce *media.ConfigurationError
	if errors.As(err, &se) || errors.As(err, &ce) {
		return err
	}
	return media.NewStageError(stage, "poll", err)
}

// muxStep handles one encoder output event: it registers the track on the
// final format, writes samples, and completes the run at end of stream.
// Every buffer taken from the encoder is released exactly once.
func muxStep(enc *stages.Encode, mux *stages.Mux, state *core.RunState, timeout time.Duration, nominalUs func() int64) (bool, error) {
	ev, err := enc.TryProduceOutput(timeout)
	if err != nil {
		return false, err
	}
	switch ev.Kind {
	case stages.EventFormatReady:
		return true, permanent(mux.Register(ev.Format))
	case stages.EventData:
		_, werr := mux.Write(ev.Data, ev.Info, nominalUs())
		return true, errors.Join(werr, enc.Release(ev))
	case stages.EventEndOfStream:
		rerr := enc.Release(ev)
		state.Completion().Complete()
		return true, rerr
	default:
		return false, nil
	}
}
