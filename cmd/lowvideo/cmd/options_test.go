package cmd

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/config"
	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/render"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Defaults()
	require.NoError(t, err)
	c.Storage.BaseDir = "/var/lib/lowvideo"
	return c
}

func transcodeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("transcode", pflag.ContinueOnError)
	addEncodingFlags(fs)
	fs.Float64("scale", 0, "")
	fs.Bool("even-dimensions", true, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func recordFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("record", pflag.ContinueOnError)
	addEncodingFlags(fs)
	fs.Int("width", 0, "")
	fs.Int("height", 0, "")
	fs.String("renderer", "", "")
	fs.Int("max-frames", 0, "")
	fs.Uint64("seed", 0, "")
	fs.String("image", "", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestTranscodeOptions_FromConfig(t *testing.T) {
	c := testConfig(t)
	c.Transcode.BitRate = 2_000_000
	c.Pipeline.TimestampPolicy = "reject"
	c.Pipeline.MaxConsecutiveFailures = 7

	opts, err := transcodeOptions(c)
	require.NoError(t, err)

	assert.Equal(t, "video/hevc", opts.VideoMediaType)
	assert.Equal(t, 2_000_000, opts.BitRate)
	assert.Equal(t, 30, opts.FrameRate)
	assert.Equal(t, 1, opts.IFrameInterval)
	assert.InDelta(t, 1.0, opts.Scale, 1e-9)
	assert.Equal(t, container.FormatMP4, opts.Container)
	assert.True(t, opts.EvenDimensions)
	assert.Equal(t, "/var/lib/lowvideo/output", opts.OutputDir)
	assert.Equal(t, core.TimestampReject, opts.TimestampPolicy)
	assert.Equal(t, 7, opts.MaxConsecutiveFailures)
	assert.Equal(t, 10*time.Millisecond, opts.PollTimeout)
	require.NoError(t, opts.Validate())
}

func TestTranscodeOptions_BadPolicy(t *testing.T) {
	c := testConfig(t)
	c.Pipeline.TimestampPolicy = "sometimes"
	_, err := transcodeOptions(c)
	require.Error(t, err)
}

func TestRecordOptions_PollOverride(t *testing.T) {
	c := testConfig(t)

	opts, err := recordOptions(c)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Microsecond, opts.PollTimeout)
	assert.Equal(t, 720, opts.Width)
	assert.Equal(t, 1280, opts.Height)
	assert.Equal(t, "video/avc", opts.VideoMediaType)

	c.Recording.PollTimeout = 0
	opts, err = recordOptions(c)
	require.NoError(t, err)
	assert.Equal(t, c.Pipeline.PollTimeout, opts.PollTimeout)
}

func TestCodecOptions(t *testing.T) {
	c := testConfig(t)
	c.Pipeline.InputBuffers = 9
	opts := codecOptions(c)
	assert.Equal(t, 9, opts.InputBuffers)
	assert.Positive(t, opts.OutputBuffers)
}

func TestPlaybackOptions(t *testing.T) {
	c := testConfig(t)
	opts := playbackOptions(c, nil)
	assert.Equal(t, 100*time.Microsecond, opts.DropThreshold)
	assert.True(t, opts.Loop)
	assert.Equal(t, c.Pipeline.MaxConsecutiveFailures, opts.MaxConsecutiveFailures)
}

func TestApplyTranscodeFlags(t *testing.T) {
	t.Run("unset flags keep config values", func(t *testing.T) {
		opts := pipeline.DefaultOptions()
		opts.BitRate = 123_456
		require.NoError(t, applyTranscodeFlags(transcodeFlags(t), &opts))
		assert.Equal(t, 123_456, opts.BitRate)
		assert.True(t, opts.EvenDimensions)
	})

	t.Run("set flags override", func(t *testing.T) {
		opts := pipeline.DefaultOptions()
		fs := transcodeFlags(t,
			"--video-media-type", "video/avc",
			"--bitrate", "900000",
			"--fps", "25",
			"--i-frame-interval", "2",
			"--container", "webm",
			"--scale", "0.5",
			"--even-dimensions=false",
			"--timestamp-policy", "passthrough",
		)
		require.NoError(t, applyTranscodeFlags(fs, &opts))

		assert.Equal(t, "video/avc", opts.VideoMediaType)
		assert.Equal(t, 900_000, opts.BitRate)
		assert.Equal(t, 25, opts.FrameRate)
		assert.Equal(t, 2, opts.IFrameInterval)
		assert.Equal(t, container.FormatWebM, opts.Container)
		assert.InDelta(t, 0.5, opts.Scale, 1e-9)
		assert.False(t, opts.EvenDimensions)
		assert.Equal(t, core.TimestampPassthrough, opts.TimestampPolicy)
	})

	t.Run("invalid policy", func(t *testing.T) {
		opts := pipeline.DefaultOptions()
		err := applyTranscodeFlags(transcodeFlags(t, "--timestamp-policy", "never"), &opts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--timestamp-policy")
	})
}

func TestApplyRecordFlags(t *testing.T) {
	opts := pipeline.DefaultRecordOptions()
	ro := render.Options{Name: render.NameColors, MaxFrames: 600}

	fs := recordFlags(t,
		"--width", "320",
		"--height", "240",
		"--renderer", "pattern",
		"--max-frames", "30",
		"--seed", "42",
		"--fps", "24",
	)
	require.NoError(t, applyRecordFlags(fs, &opts, &ro))

	assert.Equal(t, 320, opts.Width)
	assert.Equal(t, 240, opts.Height)
	assert.Equal(t, 24, opts.FrameRate)
	assert.Equal(t, pipeline.DefaultRecordBitRate, opts.BitRate)
	assert.Equal(t, render.Options{Name: "pattern", MaxFrames: 30, Seed: 42}, ro)
}

func TestOutputPath(t *testing.T) {
	fs := transcodeFlags(t)
	generated := outputPath(fs, "/out", container.FormatWebM)
	assert.Equal(t, "/out", filepath.Dir(generated))
	assert.True(t, strings.HasSuffix(generated, ".webm"), generated)

	fs = transcodeFlags(t, "-o", "/tmp/clip.mp4")
	assert.Equal(t, "/tmp/clip.mp4", outputPath(fs, "/out", container.FormatWebM))
}
