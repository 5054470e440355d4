package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/pipeline/stages"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Transcoder re-encodes the video track of a file. Three goroutines run
// concurrently: the extractor feeding the decoder, the decoder output
// rendering into the encoder's input surface, and the encoder output
// feeding the muxer.
type Transcoder struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
}

// NewTranscoder creates a transcoder.
func NewTranscoder(opts Options, deps Deps) *Transcoder {
	deps = deps.withDefaults()
	opts.Tuning = opts.Tuning.withDefaults(DefaultPollTimeout)
	return &Transcoder{
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "transcoder")),
	}
}

// Options returns the effective options.
func (t *Transcoder) Options() Options { return t.opts }

// Run transcodes input into output. An empty output gets a generated name
// in the output directory. The output file exists only if Run succeeds.
func (t *Transcoder) Run(ctx context.Context, input, output string) (*Result, error) {
	if err := t.opts.Validate(); err != nil {
		return nil, err
	}
	if output == "" {
		output = container.NewOutputPath(t.opts.OutputDir, t.opts.Container)
	}
	runID := uuid.NewString()
	logger := t.logger.With(slog.String("run_id", runID))
	started := time.Now()

	var (
		ext      *stages.Extractor
		dec, enc *mediacodec.BufferCodec
		muxer    container.Muxer
		mux      *stages.Mux
		finished bool
		stopErr  error
	)
	td := core.NewTeardown(logger)
	td.Add("decoder.release", func() error { return releaseCodec(dec) })
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
	td.Add("extractor.close", func() error {
		if ext == nil {
			return nil
		}
		return ext.Close()
	})

	res, err := func() (*Result, error) {
		src, err := t.deps.OpenSource(input, logger)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", input, err)
		}
		ext = stages.NewExtractor(container.NewReader(src, logger), t.deps.Progress, logger)
		track, err := ext.SelectVideoTrack()
		if err != nil {
			return nil, err
		}

		w, h := OutputSize(track.Width(), track.Height(), t.opts.Scale, t.opts.EvenDimensions)
		encFormat := encoderFormat(t.opts.VideoMediaType, w, h, t.opts.BitRate, t.opts.FrameRate, t.opts.IFrameInterval)

		enc, err = t.deps.Codecs.CreateEncoderByType(encFormat.MIME)
		if err != nil {
			return nil, err
		}
		if err := enc.Configure(encFormat, nil, mediacodec.ConfigureFlagEncode); err != nil {
			return nil, media.NewConfigurationError("encoder", "configuring "+encFormat.String(), err)
		}
		inSurface, err := enc.CreateInputSurface()
		if err != nil {
			return nil, fmt.Errorf("creating encoder input surface: %w", err)
		}
		dec, err = t.deps.Codecs.CreateDecoderByType(track.MediaType())
		if err != nil {
			return nil, err
		}
		if err := dec.Configure(track.Format, inSurface, 0); err != nil {
			return nil, media.NewConfigurationError("decoder", "configuring "+track.Format.String(), err)
		}
		muxer, err = t.deps.NewMuxer(output, t.opts.Container)
		if err != nil {
			return nil, err
		}
		if err := enc.Start(); err != nil {
			return nil, fmt.Errorf("starting encoder: %w", err)
		}
		if err := dec.Start(); err != nil {
			return nil, fmt.Errorf("starting decoder: %w", err)
		}

		logger.Info("transcoding",
			slog.String("input", input),
			slog.String("output", output),
			slog.String("source", track.Format.String()),
			slog.String("target", encFormat.String()),
		)

		state := core.NewRunState()
		encStage := stages.NewEncode(enc, t.deps.Progress, logger)
		decStage := stages.NewDecode(dec, ext, stages.DecodeOptions{
			Downstream: encStage,
			Progress:   t.deps.Progress,
			Logger:     logger,
		})
		mux = stages.NewMux(muxer, state, core.NewTimestampGuard(t.opts.TimestampPolicy), t.deps.Progress, logger)

		if err := t.runLoops(ctx, logger, state, inSurface, decStage, encStage, mux); err != nil {
			return nil, err
		}
		finished = true
		return &Result{
			RunID:        runID,
			OutputPath:   output,
			Track:        track,
			OutputFormat: enc.OutputFormat(),
			Samples:      mux.Written(),
			LastPTSUs:    mux.LastUs(),
			Repaired:     mux.RepairedTimestamps(),
		}, nil
	}()

	_ = td.Run()
	if err != nil {
		logger.Warn("transcode failed", slog.String("error", err.Error()))
		return nil, err
	}
	if stopErr != nil {
		return nil, fmt.Errorf("finalizing %s: %w", output, stopErr)
	}
	res.Elapsed = time.Since(started)
	logger.Info("transcode complete",
		slog.String("output", output),
		slog.Int("samples", res.Samples),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// runLoops starts the three loops and joins them in pipeline order.
func (t *Transcoder) runLoops(ctx context.Context, logger *slog.Logger, state *core.RunState,
	in *surface.Queue, dec *stages.Decode, enc *stages.Encode, mux *stages.Mux) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// The decode loop blocks in SwapBuffers while the encoder is not draining
	// its input surface. Once the run fails or is cancelled nothing will, so
	// the surface is released before the loops are joined.
	stopRelease := context.AfterFunc(runCtx, in.Release)
	defer stopRelease()
	failure := &runFailure{cancel: cancel}
	poll := t.opts.PollTimeout
	limit := t.opts.MaxConsecutiveFailures

	var decoderDone bool
	extractDone := make(chan struct{})
	decodeDone := make(chan struct{})
	muxDone := make(chan struct{})

	go func() {
		defer close(extractDone)
		pollLoop(runCtx, "extract", state, core.NewFailureBudget("extract", limit, logger), failure,
			dec.InputEndOfStreamQueued,
			func() (bool, error) { return dec.TryConsumeInput(poll) })
	}()
	go func() {
		defer close(decodeDone)
		pollLoop(runCtx, "decode", state, core.NewFailureBudget("decode", limit, logger), failure,
			func() bool { return decoderDone },
			func() (bool, error) {
				ev, err := dec.TryProduceOutput(poll)
				if ev == stages.DecodeEndOfStream {
					decoderDone = true
				}
				return ev != stages.DecodeNone, err
			})
	}()
	go func() {
		defer close(muxDone)
		// Source timestamps are kept; a repaired one only needs to follow
		// the previous sample.
		noPacing := func() int64 { return 0 }
		pollLoop(runCtx, "mux", state, core.NewFailureBudget("mux", limit, logger), failure, nil,
			func() (bool, error) { return muxStep(enc, mux, state, poll, noPacing) })
	}()

	<-extractDone
	<-decodeDone
	<-muxDone

	if err := failure.Err(); err != nil {
		return err
	}
	if !state.IsComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("transcode stopped before end of stream")
	}
	return nil
}

func releaseCodec(c *mediacodec.BufferCodec) error {
	if c == nil {
		return nil
	}
	return c.Release()
}

func stopCodec(c *mediacodec.BufferCodec) error {
	if c == nil || c.State() == mediacodec.StateCreated || c.State() == mediacodec.StateReleased {
		return nil
	}
	return c.Stop()
}
