package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/QVSorrow/low-level-video/internal/codec"
	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
)

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the ffmpeg installation and its video codecs",
	Long: `Detect locates ffmpeg and ffprobe, reads their version and lists which
of the supported video codecs the installation can decode and encode.

Examples:
  # Basic detection (JSON output)
  lowvideo detect

  # Pretty-printed JSON
  lowvideo detect --pretty`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

// DetectionResult contains the full detection output.
type DetectionResult struct {
	FFmpeg *ffmpeg.BinaryInfo `json:"ffmpeg"`
	Codecs []CodecSupport     `json:"codecs"`
}

// CodecSupport reports one video codec.
type CodecSupport struct {
	Codec   codec.Video `json:"codec"`
	MIME    string      `json:"mime"`
	Encoder string      `json:"encoder"`
	Decode  bool        `json:"decode"`
	Encode  bool        `json:"encode"`
}

var detectedCodecs = []codec.Video{
	codec.VideoH264,
	codec.VideoH265,
	codec.VideoVP8,
	codec.VideoVP9,
	codec.VideoAV1,
	codec.VideoMPEG2,
	codec.VideoMPEG4,
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector().
		WithFFmpegPath(cfg.FFmpeg.BinaryPath).
		WithFFprobePath(cfg.FFmpeg.ProbePath).
		Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	var data []byte
	if pretty {
		data, err = json.MarshalIndent(detectionResult(info), "", "  ")
	} else {
		data, err = json.Marshal(detectionResult(info))
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func detectionResult(info *ffmpeg.BinaryInfo) DetectionResult {
	res := DetectionResult{FFmpeg: info}
	for _, v := range detectedCodecs {
		res.Codecs = append(res.Codecs, CodecSupport{
			Codec:   v,
			MIME:    v.MIME(),
			Encoder: v.Encoder(),
			Decode:  info.CanDecode(v),
			Encode:  info.CanEncode(v),
		})
	}
	return res
}
