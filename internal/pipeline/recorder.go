package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/pipeline/stages"
	"github.com/QVSorrow/low-level-video/internal/playback"
	"github.com/QVSorrow/low-level-video/internal/render"
)

// Recorder encodes frames drawn by a renderer. One goroutine drives render,
// encoder output and mux in lockstep, one frame per tick, with frame times
// taken from the target frame rate rather than the wall clock.
type Recorder struct {
	opts     RecordOptions
	deps     Deps
	logger   *slog.Logger
	counters *render.Counters
}

// NewRecorder creates a recorder. A Recorder runs one recording at a time.
func NewRecorder(opts RecordOptions, deps Deps) *Recorder {
	deps = deps.withDefaults()
	opts.Tuning = opts.Tuning.withDefaults(DefaultRecordPollTimeout)
	return &Recorder{
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger.With(slog.String("component", "recorder")),
		counters: &render.Counters{},
	}
}

// Counters publishes the frames rendered so far and the time of the last one.
func (r *Recorder) Counters() *render.Counters { return r.counters }

// Options returns the effective options.
func (r *Recorder) Options() RecordOptions { return r.opts }

// Run records until the renderer reports its last frame and the encoder
// drains, then finalizes output. An empty output gets a generated name.
func (r *Recorder) Run(ctx context.Context, renderer render.Renderer, output string) (*Result, error) {
	if err := r.opts.Validate(); err != nil {
		return nil, err
	}
	if output == "" {
		output = container.NewOutputPath(r.opts.OutputDir, r.opts.Container)
	}
	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run_id", runID))
	started := time.Now()

	var (
		enc      *mediacodec.BufferCodec
		rs       *stages.Render
		muxer    container.Muxer
		mux      *stages.Mux
		finished bool
		stopErr  error
	)
	td := core.NewTeardown(logger)
	td.Add("renderer.teardown", func() error {
		if rs == nil {
			return nil
		}
		return rs.Teardown()
	})
	td.Add("encoder.stop", func() error { return stopCodec(enc) })
	td.Add("encoder.release", func() error { return releaseCodec(enc) })
	td.Add("muxer.stop", func() error {
		if !finished || mux == nil {
			return nil
		}
		stopErr = mux.Stop()
		return stopErr
	})
	td.Add("muxer.release", func() error {
		if muxer == nil {
			return nil
		}
		return muxer.Release()
	})

	res, err := func() (*Result, error) {
		format := encoderFormat(r.opts.VideoMediaType, r.opts.Width, r.opts.Height, r.opts.BitRate, r.opts.FrameRate, r.opts.IFrameInterval)
		var err error
		enc, err = r.deps.Codecs.CreateEncoderByType(format.MIME)
		if err != nil {
			return nil, err
		}
		if err := enc.Configure(format, nil, mediacodec.ConfigureFlagEncode); err != nil {
			return nil, media.NewConfigurationError("encoder", "configuring "+format.String(), err)
		}
		inSurface, err := enc.CreateInputSurface()
		if err != nil {
			return nil, fmt.Errorf("creating encoder input surface: %w", err)
		}
		muxer, err = r.deps.NewMuxer(output, r.opts.Container)
		if err != nil {
			return nil, err
		}
		if err := enc.Start(); err != nil {
			return nil, fmt.Errorf("starting encoder: %w", err)
		}
		rs = stages.NewRender(renderer, inSurface, r.counters, logger)
		if err := rs.Prepare(r.opts.Width, r.opts.Height); err != nil {
			return nil, err
		}

		logger.Info("recording",
			slog.String("output", output),
			slog.String("format", format.String()),
		)

		state := core.NewRunState()
		encStage := stages.NewEncode(enc, r.deps.Progress, logger)
		mux = stages.NewMux(muxer, state, core.NewTimestampGuard(r.opts.TimestampPolicy), r.deps.Progress, logger)
		if err := r.loop(ctx, logger, state, rs, encStage, mux); err != nil {
			return nil, err
		}
		finished = true
		snap := r.counters.Load()
		return &Result{
			RunID:        runID,
			OutputPath:   output,
			OutputFormat: enc.OutputFormat(),
			Samples:      mux.Written(),
			LastPTSUs:    mux.LastUs(),
			Repaired:     mux.RepairedTimestamps(),
			Frames:       snap.Frames,
		}, nil
	}()

	_ = td.Run()
	if err != nil {
		logger.Warn("recording failed", slog.String("error", err.Error()))
		return nil, err
	}
	if stopErr != nil {
		return nil, fmt.Errorf("finalizing %s: %w", output, stopErr)
	}
	res.Elapsed = time.Since(started)
	logger.Info("recording complete",
		slog.String("output", output),
		slog.Int("frames", res.Frames),
		slog.Int("samples", res.Samples),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// loop renders one frame per tick, then handles every encoder output that
// is ready. The frame after the renderer's last one is never drawn; the
// loop keeps draining until the encoder's end of stream reaches the muxer.
func (r *Recorder) loop(ctx context.Context, logger *slog.Logger, state *core.RunState,
	rs *stages.Render, enc *stages.Encode, mux *stages.Mux) error {
	fps := r.opts.FrameRate
	poll := r.opts.PollTimeout
	renderBudget := core.NewFailureBudget("render", r.opts.MaxConsecutiveFailures, logger)
	muxBudget := core.NewFailureBudget("mux", r.opts.MaxConsecutiveFailures, logger)
	nominal := func() int64 { return playback.FrameTime(mux.Written(), fps).Microseconds() }

	frame := 0
	for !state.IsComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !enc.EndOfInputSignaled() {
			last, err := rs.RenderFrame(frame, playback.FrameTime(frame, fps))
			if err != nil {
				if isPermanent(err) {
					return err
				}
				if berr := renderBudget.Observe(err); berr != nil {
					return berr
				}
			} else {
				renderBudget.Observe(nil)
				frame++
				if last {
					logger.Debug("last frame rendered", slog.Int("frames", frame))
					if err := enc.SignalEndOfInput(); err != nil {
						return media.NewStageError("encode", "signal_eos", err)
					}
				}
			}
		}

		worked := false
		for !state.IsComplete() {
			ok, err := muxStep(enc, mux, state, poll, nominal)
			if err != nil {
				if isPermanent(err) {
					return asStageError("mux", err)
				}
				if berr := muxBudget.Observe(err); berr != nil {
					return berr
				}
				continue
			}
			muxBudget.Observe(nil)
			if !ok {
				break
			}
			worked = true
		}
		if !worked && enc.EndOfInputSignaled() {
			runtime.Gosched()
		}
	}
	return nil
}
