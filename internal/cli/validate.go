package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/cronforge/internal/config"
	"github.com/ppiankov/cronforge/internal/reporter"
	"github.com/ppiankov/cronforge/internal/scheduler"
)

func newValidateCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and show upcoming runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			printValidation(cmd.OutOrStdout(), s, time.Now(), count)
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "next", 5, "number of upcoming fire times to show")

	return cmd
}

func printValidation(w io.Writer, s *config.Settings, now time.Time, count int) {
	fmt.Fprintf(w, "%s: ok\n\n", s.Path())
	fmt.Fprintf(w, "Job:          %s\n", s.Job.Name)
	if s.Job.Source.Repo != "" {
		ref := s.Job.Source.Ref
		if ref == "" {
			ref = "default branch"
		}
		fmt.Fprintf(w, "Source:       %s (%s)\n", s.Job.Source.Repo, ref)
	} else {
		fmt.Fprintf(w, "Source:       %s\n", s.SourcePath())
	}
	fmt.Fprintf(w, "Setup:        %s\n", strings.Join(s.Job.Runtime.Setup, " "))
	fmt.Fprintf(w, "Install:      %s (when %s exists)\n", strings.Join(s.Job.Dependencies.Install, " "), s.Job.Dependencies.Manifest)
	fmt.Fprintf(w, "Entry point:  %s\n", strings.Join(s.Job.Entrypoint, " "))
	fmt.Fprintf(w, "Credentials:  %s, %s\n", s.Job.Credentials.UsernameVar, s.Job.Credentials.PasswordVar)
	fmt.Fprintf(w, "Time zone:    %s\n\n", s.Triggers.Timezone)

	fires := scheduler.NextRuns(s.Triggers.Schedules, s.Location(), now, count)
	reporter.NewTextReporter(w, false).PrintNextRuns(fires, s.Triggers.Manual)
}
