package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/util"
)

// Options configure the ffmpeg codec backends.
type Options struct {
	// FFmpegPath is the binary to run. Empty searches LOWVIDEO_FFMPEG_BINARY,
	// the working directory and PATH.
	FFmpegPath string
	// LogLevel is passed to -loglevel.
	LogLevel string
	// StopTimeout bounds how long a draining process may take.
	StopTimeout time.Duration
	// Preset is the x264/x265 preset.
	Preset string
	// ExtraEncoderArgs are appended to the encoder output options.
	ExtraEncoderArgs string
}

// DefaultOptions returns the backend defaults.
func DefaultOptions() Options {
	return Options{
		LogLevel:    "error",
		StopTimeout: DefaultStopTimeout,
		Preset:      "veryfast",
	}
}

// Binary resolves the ffmpeg binary to run.
func (o Options) Binary() (string, error) {
	p, err := util.FindBinary("ffmpeg", o.FFmpegPath, EnvFFmpegBinary)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return p, nil
}

// ProcessConfig returns the process settings derived from o.
func (o Options) ProcessConfig() ProcessOptions {
	return ProcessOptions{StopTimeout: o.StopTimeout}
}

// NewCodecFactory returns a codec factory whose decoders and encoders run
// ffmpeg subprocesses.
func NewCodecFactory(opts Options, codecOpts mediacodec.Options, logger *slog.Logger) *mediacodec.Factory {
	return mediacodec.NewFactory(DecoderFactory(opts), EncoderFactory(opts), codecOpts, logger)
}

// DecoderFactory returns a BackendFactory producing DecoderBackends.
func DecoderFactory(opts Options) mediacodec.BackendFactory {
	return func(cfg mediacodec.BackendConfig) (mediacodec.Backend, error) {
		return NewDecoderBackend(cfg, opts)
	}
}

// EncoderFactory returns a BackendFactory producing EncoderBackends.
func EncoderFactory(opts Options) mediacodec.BackendFactory {
	return func(cfg mediacodec.BackendConfig) (mediacodec.Backend, error) {
		return NewEncoderBackend(cfg, opts)
	}
}

// startProcess resolves the binary and starts cmd built by build.
func startProcess(ctx context.Context, opts Options, logger *slog.Logger, build func(bin string) *Command) (*Process, error) {
	bin, err := opts.Binary()
	if err != nil {
		return nil, err
	}
	return StartProcess(ctx, build(bin), opts.ProcessConfig(), logger)
}
