package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/spf13/cobra"
)

var (
	jobsUser  string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect background generation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(repo)

		jobs, err := repo.ListJobs(cmd.Context(), jobsUser, jobsLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		displayJobs(cmd.OutOrStdout(), jobs, time.Now())
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <user-id> <request-id>",
	Short: "Print one job record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(repo)

		job, err := repo.GetJob(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job == nil {
			return fmt.Errorf("job %s not found for user %s", args[1], args[0])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func displayJobs(out io.Writer, jobs []*domain.GenerationJob, now time.Time) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, headerStyle.Render("No jobs found"))
		return
	}
	_, _ = fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Found %d job(s)", len(jobs))))
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("Request")+"\t"+titleStyle.Render("Kind")+"\t"+
		titleStyle.Render("Status")+"\t"+titleStyle.Render("User")+"\t"+
		titleStyle.Render("Session")+"\t"+titleStyle.Render("Created")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, job := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(job.RequestID),
			string(job.Kind),
			renderStatus(string(job.Status)),
			truncate(job.UserID, 24),
			truncate(job.SessionID, 20),
			renderWhen(job.CreatedAt, now),
		)
		if job.ErrorMessage != "" {
			_, _ = fmt.Fprintf(w, "\t%s\t\t\t\t\t\n", failStyle.Render(truncate(job.ErrorMessage, 60)))
		}
	}
	_ = w.Flush()
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsUser, "user", "", "Only list jobs for this user ID")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to list")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
