package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/visualmatrix/api/internal/model"
)

var (
	jobsState string
	jobsUser  string
	jobsLimit int
	jobsJSON  bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs (optionally by state or user)",
	RunE: func(cmd *cobra.Command, args []string) error {
		state := model.JobState(jobsState)
		if state != "" && !state.Valid() {
			return fmt.Errorf("unknown state %q", jobsState)
		}
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		res, err := r.Jobs.ListJobs(cmd.Context(), model.JobFilter{State: state, UserID: jobsUser, Limit: jobsLimit})
		if err != nil {
			return err
		}
		if jobsJSON {
			return printJSON(res)
		}
		for _, j := range res.Jobs {
			fmt.Printf("%s  %-10s  user=%s  images=%d/%d  err=%q\n",
				j.ID, j.State, j.UserID, j.QuantitySucceeded, j.QuantityRequested, j.Error)
		}
		fmt.Printf("%d of %d\n", len(res.Jobs), res.Total)
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <jobId>",
	Short: "Re-run a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		job, err := r.Jobs.RetryJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", job.ID, job.State)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsState, "state", "", "Filter by state (pending|analyzing|analyzed|generating|completed|failed)")
	jobsListCmd.Flags().StringVar(&jobsUser, "user", "", "Filter by user ID")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Max rows")
	jobsListCmd.Flags().BoolVar(&jobsJSON, "json", false, "JSON output")

	jobsCmd.AddCommand(jobsListCmd, jobsRetryCmd)
	rootCmd.AddCommand(jobsCmd)
}
