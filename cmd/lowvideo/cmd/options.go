package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/QVSorrow/low-level-video/internal/config"
	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/playback"
	"github.com/QVSorrow/low-level-video/internal/render"
)

// ffmpegOptions maps the ffmpeg section onto the codec backend options.
func ffmpegOptions(c *config.Config) ffmpeg.Options {
	return ffmpeg.Options{
		FFmpegPath:       c.FFmpeg.BinaryPath,
		LogLevel:         c.FFmpeg.LogLevel,
		StopTimeout:      c.FFmpeg.StopTimeout,
		Preset:           c.FFmpeg.Preset,
		ExtraEncoderArgs: c.FFmpeg.ExtraArgs,
	}
}

func codecOptions(c *config.Config) mediacodec.Options {
	opts := mediacodec.DefaultOptions()
	if c.Pipeline.InputBuffers > 0 {
		opts.InputBuffers = c.Pipeline.InputBuffers
	}
	return opts
}

func tuning(c *config.Config, poll time.Duration) (pipeline.Tuning, error) {
	policy, err := core.ParseTimestampPolicy(c.Pipeline.TimestampPolicy)
	if err != nil {
		return pipeline.Tuning{}, err
	}
	return pipeline.Tuning{
		PollTimeout:            poll,
		MaxConsecutiveFailures: c.Pipeline.MaxConsecutiveFailures,
		TimestampPolicy:        policy,
	}, nil
}

func transcodeOptions(c *config.Config) (pipeline.Options, error) {
	t, err := tuning(c, c.Pipeline.PollTimeout)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		VideoMediaType: c.Transcode.VideoMediaType,
		BitRate:        c.Transcode.BitRate,
		FrameRate:      c.Transcode.FPS,
		IFrameInterval: c.Transcode.IFrameInterval,
		Scale:          c.Transcode.Scale,
		Container:      container.ParseFormat(c.Transcode.Container),
		EvenDimensions: c.Transcode.EvenDimensions,
		OutputDir:      c.Storage.OutputPath(),
		Tuning:         t,
	}, nil
}

func recordOptions(c *config.Config) (pipeline.RecordOptions, error) {
	poll := c.Pipeline.PollTimeout
	if c.Recording.PollTimeout > 0 {
		poll = c.Recording.PollTimeout
	}
	t, err := tuning(c, poll)
	if err != nil {
		return pipeline.RecordOptions{}, err
	}
	return pipeline.RecordOptions{
		VideoMediaType: c.Recording.VideoMediaType,
		Width:          c.Recording.Width,
		Height:         c.Recording.Height,
		BitRate:        c.Recording.BitRate,
		FrameRate:      c.Recording.FPS,
		IFrameInterval: c.Recording.IFrameInterval,
		Container:      container.ParseFormat(c.Recording.Container),
		OutputDir:      c.Storage.OutputPath(),
		Tuning:         t,
	}, nil
}

func renderOptions(c *config.Config) render.Options {
	return render.Options{
		Name:      c.Recording.Renderer,
		MaxFrames: c.Recording.MaxFrames,
		ImagePath: c.Recording.ImagePath,
	}
}

func playbackOptions(c *config.Config, logger *slog.Logger) playback.Options {
	return playback.Options{
		DropThreshold:          c.Playback.DropThreshold,
		Loop:                   c.Playback.Loop,
		PollTimeout:            c.Pipeline.PollTimeout,
		MaxConsecutiveFailures: c.Pipeline.MaxConsecutiveFailures,
		Logger:                 logger,
	}
}

// pipelineDeps wires the ffmpeg codec factory and muxer into a coordinator.
func pipelineDeps(c *config.Config, progress core.ProgressSink, logger *slog.Logger) pipeline.Deps {
	ff := ffmpegOptions(c)
	return pipeline.Deps{
		Codecs:   ffmpeg.NewCodecFactory(ff, codecOptions(c), logger),
		FFmpeg:   ff,
		Progress: progress,
		Logger:   logger,
	}
}

// addEncodingFlags registers the flags shared by transcode and record.
func addEncodingFlags(fs *pflag.FlagSet) {
	fs.String("video-media-type", "", "output video MIME type (video/avc, video/hevc, video/x-vnd.on2.vp8, ...)")
	fs.Int("bitrate", 0, "target bitrate in bits per second")
	fs.Int("fps", 0, "nominal frame rate")
	fs.Int("i-frame-interval", 0, "seconds between key frames")
	fs.String("container", "", "output container (mp4, webm, 3gp, heif, ts)")
	fs.String("timestamp-policy", "", "handling of non-increasing timestamps (clamp, reject, passthrough)")
	fs.StringP("output", "o", "", "output file (default: generated inside storage.output_dir)")
}

type encodingFlags struct {
	mime           *string
	bitRate        *int
	frameRate      *int
	iFrameInterval *int
	container      *container.Format
	tuning         *pipeline.Tuning
}

// apply overrides the encoding settings with the flags the user set.
func (e encodingFlags) apply(fs *pflag.FlagSet) error {
	if fs.Changed("video-media-type") {
		*e.mime, _ = fs.GetString("video-media-type")
	}
	if fs.Changed("bitrate") {
		*e.bitRate, _ = fs.GetInt("bitrate")
	}
	if fs.Changed("fps") {
		*e.frameRate, _ = fs.GetInt("fps")
	}
	if fs.Changed("i-frame-interval") {
		*e.iFrameInterval, _ = fs.GetInt("i-frame-interval")
	}
	if fs.Changed("container") {
		v, _ := fs.GetString("container")
		*e.container = container.ParseFormat(v)
	}
	if fs.Changed("timestamp-policy") {
		v, _ := fs.GetString("timestamp-policy")
		policy, err := core.ParseTimestampPolicy(v)
		if err != nil {
			return fmt.Errorf("--timestamp-policy: %w", err)
		}
		e.tuning.TimestampPolicy = policy
	}
	return nil
}

// applyTranscodeFlags overrides opts with the transcode flags the user set.
func applyTranscodeFlags(fs *pflag.FlagSet, opts *pipeline.Options) error {
	err := encodingFlags{
		mime:           &opts.VideoMediaType,
		bitRate:        &opts.BitRate,
		frameRate:      &opts.FrameRate,
		iFrameInterval: &opts.IFrameInterval,
		container:      &opts.Container,
		tuning:         &opts.Tuning,
	}.apply(fs)
	if err != nil {
		return err
	}
	if fs.Changed("scale") {
		opts.Scale, _ = fs.GetFloat64("scale")
	}
	if fs.Changed("even-dimensions") {
		opts.EvenDimensions, _ = fs.GetBool("even-dimensions")
	}
	return nil
}

// applyRecordFlags overrides the recording and renderer options with the
// record flags the user set.
func applyRecordFlags(fs *pflag.FlagSet, opts *pipeline.RecordOptions, ro *render.Options) error {
	err := encodingFlags{
		mime:           &opts.VideoMediaType,
		bitRate:        &opts.BitRate,
		frameRate:      &opts.FrameRate,
		iFrameInterval: &opts.IFrameInterval,
		container:      &opts.Container,
		tuning:         &opts.Tuning,
	}.apply(fs)
	if err != nil {
		return err
	}
	if fs.Changed("width") {
		opts.Width, _ = fs.GetInt("width")
	}
	if fs.Changed("height") {
		opts.Height, _ = fs.GetInt("height")
	}
	if fs.Changed("renderer") {
		ro.Name, _ = fs.GetString("renderer")
	}
	if fs.Changed("max-frames") {
		ro.MaxFrames, _ = fs.GetInt("max-frames")
	}
	if fs.Changed("seed") {
		ro.Seed, _ = fs.GetUint64("seed")
	}
	if fs.Changed("image") {
		ro.ImagePath, _ = fs.GetString("image")
	}
	return nil
}

// outputPath returns the -o flag or a generated name in dir.
func outputPath(fs *pflag.FlagSet, dir string, f container.Format) string {
	if out, _ := fs.GetString("output"); out != "" {
		return out
	}
	return container.NewOutputPath(dir, f)
}
