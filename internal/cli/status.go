package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/history"
	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/scheduler"
)

// statusRuns is how many recent runs the live view keeps.
const statusRuns = 50

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run and the next scheduled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := history.Open(s.HistoryDB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if watch {
				model := reporter.NewStatusModel(func() reporter.Snapshot {
					return snapshot(cmd.Context(), s, store, time.Now(), statusRuns)
				})
				p := tea.NewProgram(model, tea.WithAltScreen())
				_, err := p.Run()
				return err
			}
			return printStatus(cmd.OutOrStdout(), snapshot(cmd.Context(), s, store, time.Now(), 1), isTerminal())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep refreshing in an interactive view")

	return cmd
}

func snapshot(ctx context.Context, s *config.Settings, store *history.Store, now time.Time, limit int) reporter.Snapshot {
	snap := reporter.Snapshot{
		Job:    s.Job.Name,
		Manual: s.Triggers.Manual,
		Next:   scheduler.NextRuns(s.Triggers.Schedules, s.Location(), now, 3),
	}
	snap.Runs, snap.Err = store.List(ctx, limit)
	return snap
}

func printStatus(w io.Writer, snap reporter.Snapshot, color bool) error {
	if snap.Err != nil {
		return snap.Err
	}
	rep := reporter.NewTextReporter(w, color)
	fmt.Fprintf(w, "Job: %s\n\n", snap.Job)
	if len(snap.Runs) == 0 {
		fmt.Fprintln(w, "Latest run: none")
	} else {
		latest := snap.Runs[0]
		fmt.Fprintf(w, "Latest run: %s (%s)\n", latest.RunID, latest.Trigger)
		rep.PrintRun(latest)
	}
	fmt.Fprintln(w)
	rep.PrintNextRuns(snap.Next, snap.Manual)
	return nil
}
