// Package config provides configuration management for lowvideo using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOWVIDEO"

// Default configuration values.
const (
	defaultServerPort        = 8090
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultOutputRetention   = "7d"
	defaultRetentionInterval = "1h"
	defaultPartialMaxAge     = "1h"
	defaultFFmpegStopTimeout = 10 * time.Second
	defaultTranscodeBitRate  = 50_000
	defaultTranscodeFPS      = 30
	defaultRecordBitRate     = 10_000_000
	defaultRecordFPS         = 60
	defaultRecordWidth       = 720
	defaultRecordHeight      = 1280
	defaultMaxFrames         = 600
	defaultDropThreshold     = 100 * time.Microsecond
	defaultPollTimeout       = 10 * time.Millisecond
	defaultRecordPollTimeout = 10 * time.Microsecond
	defaultMaxFailures       = 100
	defaultInputBuffers      = 4
	defaultMaxJobs           = 2
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Transcode TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Playback  PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxJobs caps concurrently running jobs in serve mode.
	MaxJobs int `mapstructure:"max_jobs" yaml:"max_jobs"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	// LogRequests logs every request at info level, not only failures.
	LogRequests bool `mapstructure:"log_requests" yaml:"log_requests"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir" yaml:"base_dir"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	// OutputRetention is how long finished outputs are kept in serve mode.
	// Zero keeps them forever.
	OutputRetention   Duration `mapstructure:"output_retention" yaml:"output_retention"`
	RetentionInterval Duration `mapstructure:"retention_interval" yaml:"retention_interval"`
	// PartialMaxAge is the age after which an unfinished output is removed
	// at startup.
	PartialMaxAge Duration `mapstructure:"partial_max_age" yaml:"partial_max_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// FFmpegConfig holds the codec backend configuration.
type FFmpegConfig struct {
	BinaryPath  string        `mapstructure:"binary_path" yaml:"binary_path"`
	ProbePath   string        `mapstructure:"probe_path" yaml:"probe_path"`
	PlayerPath  string        `mapstructure:"player_path" yaml:"player_path"`
	LogLevel    string        `mapstructure:"log_level" yaml:"log_level"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	Preset      string        `mapstructure:"preset" yaml:"preset"`
	ExtraArgs   string        `mapstructure:"extra_args" yaml:"extra_args"`
}

// TranscodeConfig is the transcoding configuration surface.
type TranscodeConfig struct {
	VideoMediaType string  `mapstructure:"video_media_type" yaml:"video_media_type"`
	BitRate        int     `mapstructure:"bitrate" yaml:"bitrate"`
	FPS            int     `mapstructure:"fps" yaml:"fps"`
	IFrameInterval int     `mapstructure:"i_frame_interval" yaml:"i_frame_interval"`
	Scale          float64 `mapstructure:"scale" yaml:"scale"`
	Container      string  `mapstructure:"container" yaml:"container"`
	EvenDimensions bool    `mapstructure:"even_dimensions" yaml:"even_dimensions"`
}

// RecordingConfig configures encoding rendered frames.
type RecordingConfig struct {
	VideoMediaType string `mapstructure:"video_media_type" yaml:"video_media_type"`
	Width          int    `mapstructure:"width" yaml:"width"`
	Height         int    `mapstructure:"height" yaml:"height"`
	BitRate        int    `mapstructure:"bitrate" yaml:"bitrate"`
	FPS            int    `mapstructure:"fps" yaml:"fps"`
	IFrameInterval int    `mapstructure:"i_frame_interval" yaml:"i_frame_interval"`
	MaxFrames      int    `mapstructure:"max_frames" yaml:"max_frames"`
	Renderer       string `mapstructure:"renderer" yaml:"renderer"`
	ImagePath      string `mapstructure:"image_path" yaml:"image_path"`
	Container      string `mapstructure:"container" yaml:"container"`
	// PollTimeout overrides pipeline.poll_timeout for recordings.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
}

// PlaybackConfig configures the player.
type PlaybackConfig struct {
	DropThreshold time.Duration `mapstructure:"drop_threshold" yaml:"drop_threshold"`
	Loop          bool          `mapstructure:"loop" yaml:"loop"`
	Presenter     string        `mapstructure:"presenter" yaml:"presenter"` // ffplay, null
}

// PipelineConfig holds the coordinator tuning shared by every run.
type PipelineConfig struct {
	PollTimeout            time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	TimestampPolicy        string        `mapstructure:"timestamp_policy" yaml:"timestamp_policy"` // clamp, reject, passthrough
	InputBuffers           int           `mapstructure:"input_buffers" yaml:"input_buffers"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LOWVIDEO_ and use underscores for
// nesting. Example: LOWVIDEO_TRANSCODE_BITRATE=2000000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lowvideo")
		v.AddConfigPath("$HOME/.lowvideo")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_jobs", defaultMaxJobs)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.log_requests", false)

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.output_retention", defaultOutputRetention)
	v.SetDefault("storage.retention_interval", defaultRetentionInterval)
	v.SetDefault("storage.partial_max_age", defaultPartialMaxAge)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.player_path", "")
	v.SetDefault("ffmpeg.log_level", "error")
	v.SetDefault("ffmpeg.stop_timeout", defaultFFmpegStopTimeout)
	v.SetDefault("ffmpeg.preset", "veryfast")
	v.SetDefault("ffmpeg.extra_args", "")

	// Transcode defaults
	v.SetDefault("transcode.video_media_type", "video/hevc")
	v.SetDefault("transcode.bitrate", defaultTranscodeBitRate)
	v.SetDefault("transcode.fps", defaultTranscodeFPS)
	v.SetDefault("transcode.i_frame_interval", 1)
	v.SetDefault("transcode.scale", 1.0)
	v.SetDefault("transcode.container", "mp4")
	v.SetDefault("transcode.even_dimensions", true)

	// Recording defaults
	v.SetDefault("recording.video_media_type", "video/avc")
	v.SetDefault("recording.width", defaultRecordWidth)
	v.SetDefault("recording.height", defaultRecordHeight)
	v.SetDefault("recording.bitrate", defaultRecordBitRate)
	v.SetDefault("recording.fps", defaultRecordFPS)
	v.SetDefault("recording.i_frame_interval", 1)
	v.SetDefault("recording.max_frames", defaultMaxFrames)
	v.SetDefault("recording.renderer", "colors")
	v.SetDefault("recording.image_path", "")
	v.SetDefault("recording.container", "mp4")
	v.SetDefault("recording.poll_timeout", defaultRecordPollTimeout)

	// Playback defaults
	v.SetDefault("playback.drop_threshold", defaultDropThreshold)
	v.SetDefault("playback.loop", true)
	v.SetDefault("playback.presenter", "ffplay")

	// Pipeline defaults
	v.SetDefault("pipeline.poll_timeout", defaultPollTimeout)
	v.SetDefault("pipeline.max_consecutive_failures", defaultMaxFailures)
	v.SetDefault("pipeline.timestamp_policy", "clamp")
	v.SetDefault("pipeline.input_buffers", defaultInputBuffers)
}

// Defaults returns the configuration built from defaults alone.
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling defaults: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxJobs < 1 {
		return fmt.Errorf("server.max_jobs must be at least 1")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.OutputRetention < 0 {
		return fmt.Errorf("storage.output_retention must not be negative")
	}
	if c.Storage.OutputRetention > 0 && c.Storage.RetentionInterval <= 0 {
		return fmt.Errorf("storage.retention_interval must be positive when output_retention is set")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.FFmpeg.StopTimeout < 0 {
		return fmt.Errorf("ffmpeg.stop_timeout must not be negative")
	}

	if c.Transcode.BitRate < 1 {
		return fmt.Errorf("transcode.bitrate must be positive")
	}
	if c.Transcode.FPS < 1 {
		return fmt.Errorf("transcode.fps must be positive")
	}
	if c.Transcode.Scale <= 0 {
		return fmt.Errorf("transcode.scale must be positive")
	}

	if c.Recording.Width < 1 || c.Recording.Height < 1 {
		return fmt.Errorf("recording.width and recording.height must be positive")
	}
	if c.Recording.BitRate < 1 {
		return fmt.Errorf("recording.bitrate must be positive")
	}
	if c.Recording.FPS < 1 {
		return fmt.Errorf("recording.fps must be positive")
	}
	if c.Recording.MaxFrames < 1 {
		return fmt.Errorf("recording.max_frames must be at least 1")
	}

	if c.Playback.DropThreshold < 0 {
		return fmt.Errorf("playback.drop_threshold must not be negative")
	}
	validPresenters := map[string]bool{"ffplay": true, "null": true}
	if !validPresenters[c.Playback.Presenter] {
		return fmt.Errorf("playback.presenter must be one of: ffplay, null")
	}

	if c.Pipeline.PollTimeout < 0 {
		return fmt.Errorf("pipeline.poll_timeout must not be negative")
	}
	if c.Pipeline.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("pipeline.max_consecutive_failures must not be negative")
	}
	validPolicies := map[string]bool{"clamp": true, "reject": true, "passthrough": true}
	if !validPolicies[c.Pipeline.TimestampPolicy] {
		return fmt.Errorf("pipeline.timestamp_policy must be one of: clamp, reject, passthrough")
	}
	if c.Pipeline.InputBuffers < 1 {
		return fmt.Errorf("pipeline.input_buffers must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutputPath returns the full path to the output directory.
func (c *StorageConfig) OutputPath() string {
	if filepath.IsAbs(c.OutputDir) {
		return c.OutputDir
	}
	return filepath.Join(c.BaseDir, c.OutputDir)
}
