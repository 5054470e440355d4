package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/util"
)

var probeCmd = &cobra.Command{
	Use:   "probe <input>",
	Short: "List the tracks of a media file",
	Long: `Probe opens an MP4, fragmented MP4 or MPEG-TS file and lists its tracks.
The track marked as selected is the one transcode and play would use.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringP("format", "f", "text", "output format (text, json, yaml)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	res, err := container.Probe(args[0], logger)
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}
	return writeProbe(cmd.OutOrStdout(), res, format)
}

func writeProbe(w io.Writer, res *container.ProbeResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		fmt.Fprintf(w, "%s (%s, %s)\n\n", res.Path, res.Container, util.Bytes(res.SizeBytes))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\tID\tMIME\tSIZE\tFPS\tDURATION\tSAMPLES\tKEYFRAMES")
		for _, t := range res.Tracks {
			mark := ""
			if t.Selected {
				mark = "*"
			}
			size := "-"
			if t.Width > 0 {
				size = fmt.Sprintf("%dx%d", t.Width, t.Height)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
				mark, t.ID, t.MIME, size, t.FrameRate,
				util.Micros(t.DurationUs), util.Number(int64(t.Samples)), util.Number(int64(t.KeyFrames)))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}
