// Command yuki is a local-first anime list that replicates between devices
// through a cloud drive reached with rclone.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yukiapp/yuki/internal/config"
	"github.com/yukiapp/yuki/internal/logging"
)

var (
	// v holds every setting; flags below are bound to its keys.
	v = config.New()

	configFile string
	noSync     bool

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "yuki",
	Short: "Local-first anime list that syncs between your devices",
	Long: `yuki keeps your anime list in a local SQLite database and replicates it
between devices through a cloud drive configured in rclone (gdrive or
onedrive).

Every change is written to a local change log. 'yuki serve' watches the
database and exchanges changes with the remote in the background; 'yuki sync'
runs one exchange by hand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noSync {
			v.Set("sync.enabled", false)
		}

		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Config{
			Level:      cfg.Log.Level,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}, os.Stderr)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: <data-dir>/config.yaml)")
	flags.String("data-dir", "", "data directory (default: "+config.DefaultDataDir()+")")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&noSync, "no-sync", false, "run without contacting the remote")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "library", Title: "Library Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
