package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/echo-briefing/internal/janitor"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete job records whose TTL has passed",
	Long: `Run one janitor pass against the database.

The server does this every few minutes; use sweep when the server is stopped
or to reclaim space immediately.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(repo)

		report, err := janitor.New(repo, nil, 0, slog.Default()).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render(fmt.Sprintf("Removed %d expired job(s)", report.ExpiredJobs)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
