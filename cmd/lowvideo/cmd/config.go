package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/QVSorrow/low-level-video/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing lowvideo configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  lowvideo config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/lowvideo or $HOME/.lowvideo)
  - Environment variables (LOWVIDEO_SERVER_PORT, LOWVIDEO_TRANSCODE_BITRATE, etc.)
  - Command-line flags (for some options)

Environment variables use the LOWVIDEO_ prefix and underscores for nesting.
Example: transcode.bitrate -> LOWVIDEO_TRANSCODE_BITRATE`,
	// Defaults need no config file.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runConfigDump,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after the config file, environment and flags are applied.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(cmd.OutOrStdout(), cfg, "")
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
}

// toMap converts a struct to a map, formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

const configHeader = `# lowvideo Configuration File
# ============================
#
# All values shown below are defaults.
# Duration format: 500us, 10ms, 30s, 5m, 1h, 7d
#
# Environment variable overrides:
#   LOWVIDEO_SERVER_HOST, LOWVIDEO_SERVER_PORT
#   LOWVIDEO_STORAGE_BASE_DIR, LOWVIDEO_STORAGE_OUTPUT_DIR
#   LOWVIDEO_LOGGING_LEVEL, LOWVIDEO_LOGGING_FORMAT
#   LOWVIDEO_TRANSCODE_VIDEO_MEDIA_TYPE, LOWVIDEO_TRANSCODE_BITRATE
#   etc.
#

`

func runConfigDump(cmd *cobra.Command, _ []string) error {
	defaults, err := config.Defaults()
	if err != nil {
		return fmt.Errorf("loading defaults: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), defaults, configHeader)
}

func writeConfig(w io.Writer, c *config.Config, header string) error {
	data, err := yaml.Marshal(toMap(c))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
