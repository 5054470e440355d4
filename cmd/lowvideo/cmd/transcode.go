package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/util"
)

var transcodeCmd = &cobra.Command{
	Use:   "transcode <input>",
	Short: "Re-encode the video track of a file",
	Long: `Transcode reads the first video track of an MP4, fragmented MP4 or
MPEG-TS file, decodes it, re-encodes it with the configured codec and bitrate
and writes it to a new container.

Unset flags take their values from the transcode and pipeline sections of the
configuration. The output is written under storage.output_dir with a
generated name unless -o is given. A run that fails or is interrupted leaves
no output file behind.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscode,
}

func init() {
	rootCmd.AddCommand(transcodeCmd)

	fs := transcodeCmd.Flags()
	addEncodingFlags(fs)
	fs.Float64("scale", 0, "output size factor")
	fs.Bool("even-dimensions", true, "round the scaled size down to even values")
	fs.Duration("progress-interval", 5*time.Second, "minimum time between progress log lines")
	fs.Bool("json", false, "print the result as JSON")
}

func runTranscode(cmd *cobra.Command, args []string) error {
	opts, err := transcodeOptions(cfg)
	if err != nil {
		return err
	}
	if err := applyTranscodeFlags(cmd.Flags(), &opts); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.WithOperation(logger, "transcode")
	interval, _ := cmd.Flags().GetDuration("progress-interval")
	deps := pipelineDeps(cfg, core.NewLogProgress(log, interval), log)

	output := outputPath(cmd.Flags(), opts.OutputDir, opts.Container)
	res, err := pipeline.NewTranscoder(opts, deps).Run(ctx, args[0], output)
	if err != nil {
		return fmt.Errorf("transcoding %s: %w", args[0], err)
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return printResult(cmd.OutOrStdout(), res, asJSON)
}

// printResult writes a finished run to w.
func printResult(w io.Writer, res *pipeline.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintf(w, "output:    %s\nformat:    %s\nsamples:   %s\nlast pts:  %s\nrepaired:  %d\nelapsed:   %s\n",
		res.OutputPath,
		res.OutputFormat.String(),
		util.Number(int64(res.Samples)),
		util.Micros(res.LastPTSUs),
		res.Repaired,
		res.Elapsed.Round(time.Millisecond),
	)
	if err == nil && res.OutputFormat.BitRate > 0 {
		_, err = fmt.Fprintf(w, "bitrate:   %s\n", util.Bitrate(res.OutputFormat.BitRate))
	}
	if err == nil && res.Frames > 0 {
		_, err = fmt.Fprintf(w, "frames:    %s\n", util.Number(int64(res.Frames)))
	}
	return err
}
