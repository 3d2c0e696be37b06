package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coopco/casinobot/internal/config"
	"github.com/coopco/casinobot/internal/cron"
	"github.com/coopco/casinobot/internal/jobs"
)

func newScheduleCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the next occurrences of every configured job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			lines, err := upcoming(cfg, time.Now(), count)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 3, "Occurrences to show per job")
	return cmd
}

// upcoming validates the configured jobs and lists the next count
// occurrences of each, in job order.
func upcoming(cfg *config.Config, now time.Time, count int) ([]string, error) {
	// the actions never run here, so no store is needed
	jobList, err := jobs.Build(cfg.Jobs, jobs.Deps{})
	if err != nil {
		return nil, err
	}
	sched, err := cron.NewScheduler(jobList, schedulerOptions(cfg.Scheduler))
	if err != nil {
		return nil, err
	}

	var lines []string
	for idx, first := range sched.NextRuns(now) {
		at := first.At
		for i := 0; i < count; i++ {
			lines = append(lines, fmt.Sprintf("%-14s %s", first.JobID, at.Format(time.RFC3339)))
			at = sched.NextRuns(at)[idx].At
		}
	}
	return lines, nil
}
