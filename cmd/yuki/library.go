package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yukiapp/yuki/internal/library"
	"github.com/yukiapp/yuki/internal/ui"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "library",
	Short:   "List your anime",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status library.Status
		if listStatus != "" {
			st, err := library.ParseStatus(listStatus)
			if err != nil {
				return err
			}
			status = st
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.lib.List(cmd.Context(), status)
		if err != nil {
			return err
		}

		p := ui.New(cmd.OutOrStdout())
		if len(entries) == 0 {
			p.Muted("Your list is empty. Add something with 'yuki add <title>'.")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{shortID(e.ID), e.Title, string(e.Status), progress(e), score(e)})
		}
		p.Table([]string{"ID", "TITLE", "STATUS", "PROGRESS", "SCORE"}, rows)
		return nil
	},
}

func progress(a *library.Anime) string {
	if a.TotalEpisodes == nil {
		return fmt.Sprintf("%d/?", a.EpisodesWatched)
	}
	return fmt.Sprintf("%d/%d", a.EpisodesWatched, *a.TotalEpisodes)
}

func score(a *library.Anime) string {
	if a.Score == nil {
		return "-"
	}
	return strconv.FormatFloat(*a.Score, 'f', -1, 64)
}

var addEpisodes int

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "library",
	Short:   "Add an anime to your list",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var total *int
		if cmd.Flags().Changed("episodes") {
			total = &addEpisodes
		}
		entry, err := a.lib.Add(cmd.Context(), args[0], total)
		if err != nil {
			return err
		}
		ui.New(cmd.OutOrStdout()).Success("Added %s (%s)", entry.Title, entry.ID)
		return nil
	},
}

var (
	setStatus string
	setScore  float64
)

var setCmd = &cobra.Command{
	Use:     "set <id>",
	GroupID: "library",
	Short:   "Change an entry's status or score",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statusChanged := cmd.Flags().Changed("status")
		scoreChanged := cmd.Flags().Changed("score")
		if !statusChanged && !scoreChanged {
			return fmt.Errorf("nothing to change: pass --status or --score")
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd, a, args[0])
		if err != nil {
			return err
		}

		if statusChanged {
			st, err := library.ParseStatus(setStatus)
			if err != nil {
				return err
			}
			if err := a.lib.SetStatus(cmd.Context(), id, st); err != nil {
				return err
			}
		}
		if scoreChanged {
			if err := a.lib.SetScore(cmd.Context(), id, setScore); err != nil {
				return err
			}
		}
		ui.New(cmd.OutOrStdout()).Success("Updated %s", shortID(id))
		return nil
	},
}

var progressPosition time.Duration

var progressCmd = &cobra.Command{
	Use:     "progress <id> <episode>",
	GroupID: "library",
	Short:   "Record that you watched an episode",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		episode, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("episode must be a number: %w", err)
		}

		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd, a, args[0])
		if err != nil {
			return err
		}
		if _, err := a.lib.RecordEpisode(cmd.Context(), id, episode, progressPosition.Seconds()); err != nil {
			return err
		}

		entry, err := a.lib.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		ui.New(cmd.OutOrStdout()).Success("%s: %s, %s", entry.Title, progress(entry), entry.Status)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "library",
	Short:   "Show an entry and its watch history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd, a, args[0])
		if err != nil {
			return err
		}
		entry, err := a.lib.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		history, err := a.lib.History(cmd.Context(), id)
		if err != nil {
			return err
		}

		p := ui.New(cmd.OutOrStdout())
		p.Title(entry.Title)
		p.Field("ID", entry.ID)
		p.Field("Status", entry.Status)
		p.Field("Progress", progress(entry))
		p.Field("Score", score(entry))
		p.Field("Updated", entry.UpdatedAt.Local().Format(time.DateTime))
		if len(history) == 0 {
			return nil
		}
		rows := make([][]string, 0, len(history))
		for _, ev := range history {
			pos := (time.Duration(ev.PositionSeconds) * time.Second).String()
			rows = append(rows, []string{ev.WatchedAt.Local().Format(time.DateTime), strconv.Itoa(ev.Episode), pos})
		}
		p.Table([]string{"WATCHED", "EPISODE", "POSITION"}, rows)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "library",
	Short:   "Remove an entry and its history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), openOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd, a, args[0])
		if err != nil {
			return err
		}
		if err := a.lib.Remove(cmd.Context(), id); err != nil {
			return err
		}
		ui.New(cmd.OutOrStdout()).Success("Removed %s", shortID(id))
		return nil
	},
}

// resolveID accepts a full id or a unique prefix of one, as printed by list.
func resolveID(cmd *cobra.Command, a *app, prefix string) (string, error) {
	entries, err := a.lib.List(cmd.Context(), "")
	if err != nil {
		return "", err
	}
	return matchID(entries, prefix)
}

func matchID(entries []*library.Anime, prefix string) (string, error) {
	var matches []string
	for _, e := range entries {
		if e.ID == prefix {
			return e.ID, nil
		}
		if len(prefix) > 0 && len(e.ID) >= len(prefix) && e.ID[:len(prefix)] == prefix {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", library.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only entries with this status")
	addCmd.Flags().IntVarP(&addEpisodes, "episodes", "e", 0, "total number of episodes")
	setCmd.Flags().StringVar(&setStatus, "status", "", "planning, watching, completed, on_hold or dropped")
	setCmd.Flags().Float64Var(&setScore, "score", 0, "score from 0 to 10")
	progressCmd.Flags().DurationVar(&progressPosition, "at", 0, "playback position within the episode")

	rootCmd.AddCommand(listCmd, addCmd, setCmd, progressCmd, showCmd, rmCmd)
}
