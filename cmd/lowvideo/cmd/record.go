package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/render"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Encode frames drawn by a built-in renderer",
	Long: `Record drives a renderer frame by frame into an encoder input surface
and writes the encoded stream to a container.

Renderers: ` + strings.Join(render.Names(), ", ") + `.

The recording ends after the renderer draws its last frame (--max-frames) or
when interrupted. An interrupted recording leaves no output file behind.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	fs := recordCmd.Flags()
	addEncodingFlags(fs)
	fs.Int("width", 0, "frame width in pixels")
	fs.Int("height", 0, "frame height in pixels")
	fs.String("renderer", "", "renderer to record ("+strings.Join(render.Names(), ", ")+")")
	fs.Int("max-frames", 0, "index of the last rendered frame")
	fs.Uint64("seed", 0, "colour sequence seed (0 picks one at random)")
	fs.String("image", "", "picture shown by the still renderer")
	fs.Duration("progress-interval", 5*time.Second, "minimum time between progress log lines")
	fs.Bool("json", false, "print the result as JSON")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	opts, err := recordOptions(cfg)
	if err != nil {
		return err
	}
	ro := renderOptions(cfg)
	if err := applyRecordFlags(cmd.Flags(), &opts, &ro); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	renderer, err := render.New(ro)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.WithOperation(logger, "record")
	interval, _ := cmd.Flags().GetDuration("progress-interval")
	deps := pipelineDeps(cfg, core.NewLogProgress(log, interval), log)

	output := outputPath(cmd.Flags(), opts.OutputDir, opts.Container)
	res, err := pipeline.NewRecorder(opts, deps).Run(ctx, renderer, output)
	if err != nil {
		return fmt.Errorf("recording %s: %w", ro.Name, err)
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return printResult(cmd.OutOrStdout(), res, asJSON)
}
