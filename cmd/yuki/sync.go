package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/yukiapp/yuki/internal/daemon"
	"github.com/yukiapp/yuki/internal/device"
	"github.com/yukiapp/yuki/internal/ledger"
	"github.com/yukiapp/yuki/internal/replica"
	"github.com/yukiapp/yuki/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Restores the remote snapshot if this device has no database yet
  2. Runs a sync cycle at startup
  3. Watches the database and syncs once writes have been quiet for
     sync.debounce (default 15s)
  4. Syncs every sync.poll_interval (default 5m) to pick up remote changes
  5. Runs a final sync on SIGINT/SIGTERM`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, openOptions{sync: true})
		if err != nil {
			return err
		}
		defer a.Close()

		p := ui.New(cmd.OutOrStdout())
		if !a.sc.Enabled() {
			p.Warning("Sync is disabled; nothing to serve")
			return a.requireSync()
		}

		d, err := daemon.New(a.engine, a.cfg.DBPath, &daemon.Config{
			Debounce:        a.cfg.Sync.Debounce,
			PollInterval:    a.cfg.Sync.PollInterval,
			ShutdownTimeout: a.cfg.Sync.ShutdownTimeout,
			Logger:          a.log,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		p.Success("Syncing %s with %s", a.cfg.DBPath, a.sc.Store.RemoteString(""))
		p.Muted("Press Ctrl+C to stop")
		return d.Run(ctx)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Push local changes, pull and apply changes from other devices, and
upload a fresh snapshot if the remote one is more than sync.snapshot_max_age
old.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{sync: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.requireSync(); err != nil {
			return err
		}

		res, err := a.engine.Cycle(cmd.Context())
		if err != nil {
			return err
		}
		printResult(ui.New(cmd.OutOrStdout()), res)
		return nil
	},
}

func printResult(p *ui.Printer, res *replica.Result) {
	p.Success("Sync complete in %v", res.Duration.Round(time.Millisecond))
	p.Field("Pushed", res.Pushed)
	p.Field("Applied", res.Applied)
	p.Field("Already applied", res.SkippedDuplicate)
	p.Field("Own changes", res.SkippedOwn)
	if res.Failed > 0 {
		p.Warning("%d changes could not be applied; they are retried next sync", res.Failed)
	}
	if res.SnapshotCreated {
		p.Success("Uploaded a new snapshot")
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show device, database and remote status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, openOptions{sync: true})
		if err != nil {
			return err
		}
		defer a.Close()

		p := ui.New(cmd.OutOrStdout())
		p.Title("yuki status")

		id, err := a.identity.ID()
		if err != nil {
			id = "unavailable: " + err.Error()
		}
		p.Field("Device", id)
		p.Field("Database", a.cfg.DBPath)
		if size, err := a.db.Size(); err == nil {
			p.Field("Size", formatSize(size))
		}

		pending, err := ledger.CountUnsynced(ctx, a.db.RawDB())
		if err != nil {
			return err
		}
		p.Field("Unsynced changes", pending)

		if seen, ok, err := a.sc.LastSnapshotSeen(ctx); err == nil && ok {
			p.Field("Last snapshot seen", seen.Local().Format(time.DateTime))
		}
		if pending, err := a.sc.RestorePending(ctx); err == nil && pending {
			p.Warning("Remote snapshot not merged yet; run 'yuki sync' once the remote is reachable")
		}

		st := a.engine.Status()
		p.Field("Sync", st.State)
		if !a.sc.Enabled() {
			return nil
		}
		p.Field("Remote", st.Remote)

		m, err := a.sc.ReadManifest(ctx)
		switch {
		case err != nil:
			p.Warning("Could not read remote manifest: %v", err)
		case m.HasSnapshot():
			age, _ := m.Age(time.Now())
			p.Field("Remote snapshot", fmt.Sprintf("%s (%s ago)",
				m.SnapshotTimestamp.Local().Format(time.DateTime), age.Round(time.Minute)))
		default:
			p.Field("Remote snapshot", "none")
		}
		return nil
	},
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

var (
	logSince    string
	logUnsynced bool
	logLimit    int
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "sync",
	Short:   "List recorded changes",
	Long: `List the local change log, oldest first.

--since accepts a duration ("90m"), an RFC 3339 time, or a phrase such as
"yesterday" or "2 hours ago".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ledger.ListFilter{UnsyncedOnly: logUnsynced, Limit: logLimit}
		if logSince != "" {
			since, err := parseSince(logSince, time.Now())
			if err != nil {
				return err
			}
			filter.Since = since
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := ledger.List(cmd.Context(), a.db.RawDB(), filter)
		if err != nil {
			return err
		}

		p := ui.New(cmd.OutOrStdout())
		if len(records) == 0 {
			p.Muted("No changes")
			return nil
		}
		p.Table([]string{"TIME", "OP", "TABLE", "ROW", "DEVICE", "SYNCED"}, changeRows(records))
		return nil
	},
}

func changeRows(records []*ledger.ChangeRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		synced := "no"
		if rec.Synced {
			synced = "yes"
		}
		rows = append(rows, []string{
			rec.Timestamp.Local().Format(time.DateTime),
			rec.Operation.String(),
			rec.Table,
			shortID(rec.RowID),
			shortID(rec.DeviceID),
			synced,
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var snapshotForce bool

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "sync",
	Short:   "Upload a snapshot if the remote one is stale",
	Long: `Upload a full database image to the remote when the current snapshot
is older than sync.snapshot_max_age, then purge the change files it
supersedes. With --force, sync first and upload regardless of age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, openOptions{sync: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.requireSync(); err != nil {
			return err
		}

		p := ui.New(cmd.OutOrStdout())
		if snapshotForce {
			res, err := a.engine.ForceSnapshot(ctx)
			if err != nil {
				return err
			}
			printResult(p, res)
			return nil
		}

		created, err := a.engine.CreateSnapshotIfNeeded(ctx)
		if err != nil {
			return err
		}
		if !created {
			p.Muted("Remote snapshot is fresh; nothing to do (use --force to override)")
			return nil
		}
		p.Success("Uploaded a new snapshot")
		return nil
	},
}

var restoreYes bool

var restoreCmd = &cobra.Command{
	Use:     "restore",
	GroupID: "sync",
	Short:   "Replace the local database with the remote snapshot",
	Long: `Download the remote snapshot and replace the local database with it.

Local changes that were never pushed are lost. Stop 'yuki serve' first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, openOptions{sync: true, noDB: true})
		if err != nil {
			return err
		}
		if err := a.requireSync(); err != nil {
			return err
		}

		p := ui.New(cmd.OutOrStdout())
		if !restoreYes {
			if !ui.IsInteractive() {
				return fmt.Errorf("refusing to overwrite %s without --yes", a.cfg.DBPath)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Replace the local database with the remote snapshot?").
				Description("Changes on this device that were never synced will be lost.").
				Affirmative("Restore").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				p.Muted("Cancelled")
				return nil
			}
		}

		if err := replica.RestoreSnapshot(ctx, a.sc); err != nil {
			if errors.Is(err, replica.ErrNoSnapshot) {
				p.Warning("The remote has no snapshot yet")
				return nil
			}
			return err
		}
		p.Success("Restored %s from %s", a.cfg.DBPath, a.sc.Store.RemoteString(replica.SnapshotPath))
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:     "device",
	GroupID: "sync",
	Short:   "Print this device's id",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := device.New(cfg.IdentityPath).ID()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logSince, "since", "", "only changes at or after this time")
	logCmd.Flags().BoolVar(&logUnsynced, "unsynced", false, "only changes not yet pushed")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "show at most n changes (0 for all)")

	snapshotCmd.Flags().BoolVar(&snapshotForce, "force", false, "upload even if the remote snapshot is fresh")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(serveCmd, syncCmd, statusCmd, logCmd, snapshotCmd, restoreCmd, deviceCmd)
}
