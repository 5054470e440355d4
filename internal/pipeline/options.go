package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

// Transcoding defaults.
const (
	DefaultVideoMediaType = media.MIMEVideoHEVC
	DefaultBitRate        = 50_000
	DefaultFrameRate      = 30
	DefaultIFrameInterval = 1
	DefaultScale          = 1.0
	DefaultPollTimeout    = 10 * time.Millisecond
)

// Recording defaults.
const (
	DefaultRecordMediaType = media.MIMEVideoAVC
	DefaultRecordBitRate   = 10_000_000
	DefaultRecordFrameRate = 60
	DefaultRecordWidth     = 720
	DefaultRecordHeight    = 1280
	// DefaultRecordPollTimeout is the encoder dequeue timeout per tick.
	DefaultRecordPollTimeout = 10 * time.Microsecond
)

// Tuning is shared by every coordinator.
type Tuning struct {
	// PollTimeout bounds each dequeue call.
	PollTimeout time.Duration
	// MaxConsecutiveFailures fails a loop after that many errors in a row.
	// Zero retries forever.
	MaxConsecutiveFailures int
	TimestampPolicy        core.TimestampPolicy
}

func (t Tuning) withDefaults(poll time.Duration) Tuning {
	if t.PollTimeout <= 0 {
		t.PollTimeout = poll
	}
	if t.MaxConsecutiveFailures < 0 {
		t.MaxConsecutiveFailures = 0
	}
	if t.TimestampPolicy == "" {
		t.TimestampPolicy = core.TimestampClamp
	}
	return t
}

// Options is the transcoding configuration surface.
type Options struct {
	VideoMediaType string
	BitRate        int
	FrameRate      int
	IFrameInterval int
	Scale          float64
	Container      container.Format
	// EvenDimensions rounds the scaled size down to even values, which
	// 4:2:0 encoders need.
	EvenDimensions bool
	// OutputDir receives generated output names.
	OutputDir string
	Tuning
}

// DefaultOptions returns the transcoding defaults.
func DefaultOptions() Options {
	return Options{
		VideoMediaType: DefaultVideoMediaType,
		BitRate:        DefaultBitRate,
		FrameRate:      DefaultFrameRate,
		IFrameInterval: DefaultIFrameInterval,
		Scale:          DefaultScale,
		Container:      container.FormatMP4,
		EvenDimensions: true,
		Tuning: Tuning{
			PollTimeout:            DefaultPollTimeout,
			MaxConsecutiveFailures: core.DefaultMaxConsecutiveFailures,
			TimestampPolicy:        core.TimestampClamp,
		},
	}
}

// Validate checks the options before any resource is created.
func (o Options) Validate() error {
	if err := validateEncoding(o.VideoMediaType, o.BitRate, o.FrameRate, o.IFrameInterval, o.Container); err != nil {
		return err
	}
	if o.Scale <= 0 || math.IsNaN(o.Scale) || math.IsInf(o.Scale, 0) {
		return media.NewConfigurationError("scale", fmt.Sprintf("must be positive, got %v", o.Scale), nil)
	}
	return nil
}

func validateEncoding(mime string, bitRate, frameRate, iFrameInterval int, f container.Format) error {
	v, ok := codec.ParseVideo(mime)
	if !ok || !v.CanEncode() {
		return media.NewConfigurationError("video_media_type",
			fmt.Sprintf("cannot encode %q", mime), media.ErrUnsupportedMediaType)
	}
	if !f.CanCarry(v) {
		return media.NewConfigurationError("container",
			fmt.Sprintf("%s cannot carry %s", f, v), media.ErrUnsupportedContainer)
	}
	if bitRate <= 0 {
		return media.NewConfigurationError("bitrate", fmt.Sprintf("must be positive, got %d", bitRate), nil)
	}
	if frameRate <= 0 {
		return media.NewConfigurationError("fps", fmt.Sprintf("must be positive, got %d", frameRate), nil)
	}
	if iFrameInterval < 0 {
		return media.NewConfigurationError("i_frame_interval", fmt.Sprintf("must not be negative, got %d", iFrameInterval), nil)
	}
	return nil
}

// encoderFormat builds the encoder configuration for a width x height output.
func encoderFormat(mime string, width, height, bitRate, frameRate, iFrameInterval int) media.Format {
	f := media.NewVideoFormat(codec.NormalizeMIME(mime), width, height)
	f.BitRate = bitRate
	f.FrameRate = frameRate
	f.IFrameInterval = iFrameInterval
	return f
}

// OutputSize scales width x height by scale, rounding to the nearest pixel.
// With even set, odd results are rounded down to even values.
func OutputSize(width, height int, scale float64, even bool) (int, int) {
	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	if even {
		w &^= 1
		h &^= 1
	}
	return max(w, 1), max(h, 1)
}

// RecordOptions configure a recording.
type RecordOptions struct {
	VideoMediaType string
	Width          int
	Height         int
	BitRate        int
	FrameRate      int
	IFrameInterval int
	Container      container.Format
	OutputDir      string
	Tuning
}

// DefaultRecordOptions returns the recording defaults.
func DefaultRecordOptions() RecordOptions {
	return RecordOptions{
		VideoMediaType: DefaultRecordMediaType,
		Width:          DefaultRecordWidth,
		Height:         DefaultRecordHeight,
		BitRate:        DefaultRecordBitRate,
		FrameRate:      DefaultRecordFrameRate,
		IFrameInterval: DefaultIFrameInterval,
		Container:      container.FormatMP4,
		Tuning: Tuning{
			PollTimeout:            DefaultRecordPollTimeout,
			MaxConsecutiveFailures: core.DefaultMaxConsecutiveFailures,
			TimestampPolicy:        core.TimestampClamp,
		},
	}
}

// Validate checks the options before any resource is created.
func (o RecordOptions) Validate() error {
	if err := validateEncoding(o.VideoMediaType, o.BitRate, o.FrameRate, o.IFrameInterval, o.Container); err != nil {
		return err
	}
	if o.Width <= 0 || o.Height <= 0 {
		return media.NewConfigurationError("size", fmt.Sprintf("must be positive, got %dx%d", o.Width, o.Height), nil)
	}
	return nil
}
