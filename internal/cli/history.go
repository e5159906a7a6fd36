package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cronforge/internal/history"
	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/task"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
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

			out := cmd.OutOrStdout()
			rep := reporter.NewTextReporter(out, isTerminal())

			if len(args) == 1 {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, history.ErrNotFound) {
						return fmt.Errorf("no run %q in %s", args[0], s.HistoryDB)
					}
					return err
				}
				if jsonOut {
					return reporter.EncodeJSON(out, run)
				}
				fmt.Fprintf(out, "Run %s (%s, %s)\n\n", run.RunID, run.Job, run.Trigger)
				rep.PrintRun(run)
				return nil
			}

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if runs == nil {
					runs = []*task.RunResult{}
				}
				return reporter.EncodeJSON(out, runs)
			}
			rep.PrintHistory(runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print runs as JSON")

	return cmd
}
