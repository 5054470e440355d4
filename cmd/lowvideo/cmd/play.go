package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/playback"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const (
	presenterFFplay = "ffplay"
	presenterNull   = "null"

	// playSurfaceDepth is the number of decoded frames queued ahead of the
	// presenter.
	playSurfaceDepth = 4
	playStatePoll    = 50 * time.Millisecond
)

var playCmd = &cobra.Command{
	Use:   "play <input>",
	Short: "Play the video track of a file",
	Long: `Play decodes the first video track of a file onto a display surface.
Frames that are already late by more than the drop threshold are skipped.

The ffplay presenter shows frames in a window. The null presenter only counts
them, which is useful for measuring decode speed and drop behaviour.

Without --loop, playback stops at the end of the track.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	fs := playCmd.Flags()
	fs.Bool("loop", true, "restart from the beginning at the end of the track")
	fs.Duration("seek", 0, "start position")
	fs.String("presenter", "", "frame presenter (ffplay, null)")
	fs.Duration("drop-threshold", 0, "lateness after which a frame is dropped")
	fs.Duration("duration", 0, "stop after playing this long (0 plays until the end or an interrupt)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	fs := cmd.Flags()
	opts := playbackOptions(cfg, observability.WithOperation(logger, "play"))
	if fs.Changed("loop") {
		opts.Loop, _ = fs.GetBool("loop")
	}
	if fs.Changed("drop-threshold") {
		opts.DropThreshold, _ = fs.GetDuration("drop-threshold")
	}
	presenter := cfg.Playback.Presenter
	if fs.Changed("presenter") {
		presenter, _ = fs.GetString("presenter")
	}
	seek, _ := fs.GetDuration("seek")
	limit, _ := fs.GetDuration("duration")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	reader, err := container.OpenReader(args[0], opts.Logger)
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer func() { _ = reader.Close() }()

	track, err := container.SelectVideoTrack(reader.Tracks())
	if err != nil {
		return err
	}
	queue := surface.NewQueue(track.Width(), track.Height(), playSurfaceDepth)
	defer queue.Release()

	var (
		sink    surface.FrameSink
		counter *surface.CountingSink
	)
	switch presenter {
	case presenterFFplay:
		proc, err := ffmpeg.StartPlayer(ctx, ffmpeg.PlayerOptions{
			FFplayPath: cfg.FFmpeg.PlayerPath,
			Width:      track.Width(),
			Height:     track.Height(),
			FrameRate:  track.Format.FrameRate,
			Title:      filepath.Base(args[0]),
			LogLevel:   cfg.FFmpeg.LogLevel,
		}, opts.Logger)
		if err != nil {
			return err
		}
		defer proc.Stop()
		sink = &surface.RawSink{W: proc}
	case presenterNull:
		counter = &surface.CountingSink{}
		sink = counter
	default:
		return fmt.Errorf("unknown presenter %q (want ffplay or null)", presenter)
	}

	codecs := ffmpeg.NewCodecFactory(ffmpegOptions(cfg), codecOptions(cfg), opts.Logger)
	player, err := playback.NewPlayer(reader, codecs, queue, opts)
	if err != nil {
		return err
	}
	defer func() { _ = player.Release() }()

	presented := make(chan error, 1)
	p := surface.NewPresenter(queue, sink, opts.Logger)
	go func() { presented <- p.Run(ctx) }()

	if seek > 0 {
		if err := player.SeekTo(seek.Microseconds()); err != nil {
			return err
		}
	}
	if err := player.Play(); err != nil {
		return err
	}

	state, err := waitForPlayback(ctx, player, opts.Loop, presented)
	opts.Logger.Info("playback finished",
		"rendered", state.Rendered,
		"dropped", state.Dropped,
		"presented", p.Presented(),
		"loops", state.Loops,
	)
	if counter != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "rendered: %d\ndropped:  %d\npresented: %d\n", state.Rendered, state.Dropped, counter.Frames())
	}
	return err
}

// waitForPlayback blocks until the context ends, the presenter stops, the
// player fails or, without looping, the track has played to the end.
func waitForPlayback(ctx context.Context, player *playback.Player, loop bool, presented <-chan error) (playback.State, error) {
	ticker := time.NewTicker(playStatePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return player.State(), nil
		case err := <-presented:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}
			return player.State(), err
		case <-player.Done():
			st := player.State()
			return st, st.Err
		case <-ticker.C:
			st := player.State()
			if st.Err != nil {
				return st, st.Err
			}
			if !loop && !st.Playing && st.Loops > 0 {
				return st, nil
			}
		}
	}
}
