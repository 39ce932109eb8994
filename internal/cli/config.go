package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// ConfigView is the resolved configuration as printed by config show.
type ConfigView struct {
	CheckpointInterval uint64 `json:"checkpoint_interval"`
	SessionTimeout     string `json:"session_timeout"`
	Database           string `json:"database"`
	DirectoryAddress   string `json:"directory_address"`
	LogLevel           string `json:"log_level"`
	LogFormat          string `json:"log_format"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect node configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long: `Print the configuration after unifying --config with the built-in
defaults.

Examples:
  dsm config show
  dsm config show --config node.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rootOpts.Config
			view := ConfigView{
				CheckpointInterval: c.CheckpointInterval,
				SessionTimeout:     c.SessionTimeout.String(),
				Database:           c.Database,
				DirectoryAddress:   c.DirectoryAddress,
				LogLevel:           c.LogLevel,
				LogFormat:          c.LogFormat,
			}
			f := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				return f.Success(view)
			}
			return f.Table([]string{"Setting", "Value"}, [][]string{
				{"checkpoint_interval", strconv.FormatUint(view.CheckpointInterval, 10)},
				{"session_timeout", view.SessionTimeout},
				{"database", view.Database},
				{"directory.address", view.DirectoryAddress},
				{"log.level", view.LogLevel},
				{"log.format", view.LogFormat},
			})
		},
	}

	cmd.AddCommand(show)
	return cmd
}
