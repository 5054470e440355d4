package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Defaults()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 2, cfg.Server.MaxJobs)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, "output", cfg.Storage.OutputDir)
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.OutputRetention.Duration())
	assert.Equal(t, time.Hour, cfg.Storage.RetentionInterval.Duration())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, "error", cfg.FFmpeg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.FFmpeg.StopTimeout)

	assert.Equal(t, "video/hevc", cfg.Transcode.VideoMediaType)
	assert.Equal(t, 50_000, cfg.Transcode.BitRate)
	assert.Equal(t, 30, cfg.Transcode.FPS)
	assert.Equal(t, 1, cfg.Transcode.IFrameInterval)
	assert.InDelta(t, 1.0, cfg.Transcode.Scale, 1e-9)
	assert.Equal(t, "mp4", cfg.Transcode.Container)

	assert.Equal(t, "video/avc", cfg.Recording.VideoMediaType)
	assert.Equal(t, 720, cfg.Recording.Width)
	assert.Equal(t, 1280, cfg.Recording.Height)
	assert.Equal(t, 10_000_000, cfg.Recording.BitRate)
	assert.Equal(t, 60, cfg.Recording.FPS)
	assert.Equal(t, 600, cfg.Recording.MaxFrames)
	assert.Equal(t, 10*time.Microsecond, cfg.Recording.PollTimeout)

	assert.Equal(t, 100*time.Microsecond, cfg.Playback.DropThreshold)
	assert.True(t, cfg.Playback.Loop)

	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.PollTimeout)
	assert.Equal(t, 100, cfg.Pipeline.MaxConsecutiveFailures)
	assert.Equal(t, "clamp", cfg.Pipeline.TimestampPolicy)
	assert.Equal(t, 4, cfg.Pipeline.InputBuffers)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  read_timeout: 60s

storage:
  base_dir: "/var/lib/lowvideo"
  output_retention: 2w

logging:
  level: "trace"
  format: "json"

transcode:
  video_media_type: "video/avc"
  bitrate: 2000000
  scale: 0.5
  container: "ts"

pipeline:
  timestamp_policy: "reject"
  poll_timeout: 5ms
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/var/lib/lowvideo", cfg.Storage.BaseDir)
	assert.Equal(t, 14*24*time.Hour, cfg.Storage.OutputRetention.Duration())
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "video/avc", cfg.Transcode.VideoMediaType)
	assert.Equal(t, 2_000_000, cfg.Transcode.BitRate)
	assert.InDelta(t, 0.5, cfg.Transcode.Scale, 1e-9)
	assert.Equal(t, "ts", cfg.Transcode.Container)
	assert.Equal(t, "reject", cfg.Pipeline.TimestampPolicy)
	assert.Equal(t, 5*time.Millisecond, cfg.Pipeline.PollTimeout)
	// untouched sections keep their defaults
	assert.Equal(t, 60, cfg.Recording.FPS)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOWVIDEO_SERVER_PORT", "3000")
	t.Setenv("LOWVIDEO_LOGGING_LEVEL", "warn")
	t.Setenv("LOWVIDEO_TRANSCODE_BITRATE", "750000")
	t.Setenv("LOWVIDEO_STORAGE_OUTPUT_RETENTION", "3d")
	t.Setenv("LOWVIDEO_PIPELINE_MAX_CONSECUTIVE_FAILURES", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 750_000, cfg.Transcode.BitRate)
	assert.Equal(t, 3*24*time.Hour, cfg.Storage.OutputRetention.Duration())
	assert.Equal(t, 0, cfg.Pipeline.MaxConsecutiveFailures)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
recording:
  renderer: "pattern"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("LOWVIDEO_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "pattern", cfg.Recording.Renderer)
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validTestConfig(t).Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"base dir", func(c *Config) { c.Storage.BaseDir = "" }, "storage.base_dir"},
		{"negative retention", func(c *Config) { c.Storage.OutputRetention = -1 }, "storage.output_retention"},
		{"retention interval", func(c *Config) { c.Storage.RetentionInterval = 0 }, "storage.retention_interval"},
		{"max jobs", func(c *Config) { c.Server.MaxJobs = 0 }, "server.max_jobs"},
		{"transcode bitrate", func(c *Config) { c.Transcode.BitRate = 0 }, "transcode.bitrate"},
		{"transcode fps", func(c *Config) { c.Transcode.FPS = -30 }, "transcode.fps"},
		{"transcode scale", func(c *Config) { c.Transcode.Scale = 0 }, "transcode.scale"},
		{"recording size", func(c *Config) { c.Recording.Width = 0 }, "recording.width"},
		{"recording bitrate", func(c *Config) { c.Recording.BitRate = 0 }, "recording.bitrate"},
		{"recording fps", func(c *Config) { c.Recording.FPS = 0 }, "recording.fps"},
		{"max frames", func(c *Config) { c.Recording.MaxFrames = 0 }, "recording.max_frames"},
		{"presenter", func(c *Config) { c.Playback.Presenter = "sdl" }, "playback.presenter"},
		{"failures", func(c *Config) { c.Pipeline.MaxConsecutiveFailures = -1 }, "pipeline.max_consecutive_failures"},
		{"timestamp policy", func(c *Config) { c.Pipeline.TimestampPolicy = "drop" }, "pipeline.timestamp_policy"},
		{"input buffers", func(c *Config) { c.Pipeline.InputBuffers = 0 }, "pipeline.input_buffers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_RetentionDisabled(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.Storage.OutputRetention = 0
	cfg.Storage.RetentionInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8090, "127.0.0.1:8090"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestStorageConfig_Paths(t *testing.T) {
	cfg := &StorageConfig{
		BaseDir:   "/var/lib/lowvideo",
		OutputDir: "output",
	}
	assert.Equal(t, "/var/lib/lowvideo/output", cfg.OutputPath())

	cfg.OutputDir = "/srv/videos"
	assert.Equal(t, "/srv/videos", cfg.OutputPath())
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("LOWVIDEO_STORAGE_OUTPUT_RETENTION", "soon")
	_, err := Load("")
	assert.Error(t, err)
}
