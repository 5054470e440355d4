// Package cmd implements the CLI commands for lowvideo.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/config"
	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// cfg and logger are set by PersistentPreRunE before any subcommand runs.
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "lowvideo",
	Short:   "Asynchronous video transcoding, recording and playback",
	Version: version.Version,
	Long: `lowvideo moves video through an asynchronous buffer pipeline built on
ffmpeg codec processes.

It can transcode the video track of an MP4, fragmented MP4 or MPEG-TS file,
record frames drawn by a built-in renderer, play a file on a display surface
with frame dropping, and run all of that as background jobs behind an HTTP API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	// Global flags are not bound to viper. They override config and env
	// only when Changed, which keeps the priority flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in ., ./configs, /etc/lowvideo or $HOME/.lowvideo)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads the configuration and installs the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags, only if explicitly provided
//  2. Environment variables (LOWVIDEO_LOGGING_LEVEL, LOWVIDEO_TRANSCODE_BITRATE, ...)
//  3. Config file values
//  4. Built-in defaults
func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		loaded.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		loaded.Logging.Format = strings.ToLower(format)
	}
	// "warning" is accepted as an alias for "warn".
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = loaded
	logger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return nil
}
