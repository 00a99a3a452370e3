package main

import (
	"github.com/spf13/cobra"

	"github.com/yukiapp/yuki/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after applying defaults, the config file,
YUKI_* environment variables and flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		if cfg.File != "" {
			ui.New(cmd.ErrOrStderr()).Muted("# from %s", cfg.File)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
