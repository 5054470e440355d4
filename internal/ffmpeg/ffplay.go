package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/QVSorrow/low-level-video/internal/util"
)

// PlayerOptions configure an ffplay window fed with raw RGBA frames.
type PlayerOptions struct {
	// FFplayPath is the binary to run. Empty searches LOWVIDEO_FFPLAY_BINARY,
	// the executable's directory and PATH.
	FFplayPath string
	Width      int
	Height     int
	FrameRate  int
	Title      string
	LogLevel   string
}

// PlayerCommand builds the ffplay command line reading packed RGBA frames
// from stdin. Frames are shown as they arrive; pacing is done by the writer.
func PlayerCommand(binary string, opts PlayerOptions) *Command {
	level := opts.LogLevel
	if level == "" {
		level = "error"
	}
	fps := opts.FrameRate
	if fps <= 0 {
		fps = 30
	}
	args := []string{
		"-loglevel", level,
		"-hide_banner",
		"-nostats",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-framerate", strconv.Itoa(fps),
	}
	if opts.Title != "" {
		args = append(args, "-window_title", opts.Title)
	}
	args = append(args, "-i", "-")
	return &Command{Binary: binary, Args: args, Input: "-", LogLevel: level}
}

// StartPlayer starts ffplay. Write frames to the returned process and call
// Stop when done. Its stdout is drained in the background.
func StartPlayer(ctx context.Context, opts PlayerOptions, logger *slog.Logger) (*Process, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("ffplay needs a frame size, got %dx%d", opts.Width, opts.Height)
	}
	binary, err := util.FindBinary("ffplay", opts.FFplayPath, EnvFFplayBinary)
	if err != nil {
		return nil, fmt.Errorf("ffplay not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p, err := StartProcess(ctx, PlayerCommand(binary, opts), ProcessOptions{}, logger.With(slog.String("component", "ffplay")))
	if err != nil {
		return nil, err
	}
	go func() { _, _ = io.Copy(io.Discard, p) }()
	return p, nil
}
