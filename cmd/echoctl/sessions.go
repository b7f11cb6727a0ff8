package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
	"github.com/ashureev/echo-briefing/internal/export"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportOutput string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and export briefing sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's briefings, most recently updated first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(repo)

		sessions, err := repo.ListBriefingSessions(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		displaySessions(cmd.OutOrStdout(), sessions, time.Now())
		return nil
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <user-id> <session-id>",
	Short: "Export one briefing as JSON, YAML or Markdown",
	Long: `Export one persisted briefing session.

Formats:
  json      Indented JSON snapshot (default)
  yaml      YAML snapshot
  markdown  Readable dialogue with image links (alias: md)`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
		}

		repo, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(repo)

		session, err := repo.GetBriefingSession(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if session == nil {
			return fmt.Errorf("session %s not found for user %s", args[1], args[0])
		}

		if exportOutput == "" {
			return exp.Export(session, cmd.OutOrStdout())
		}
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		if err := exp.Export(session, f); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to export session: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported session %s to %s\n", session.ID, exportOutput)
		return nil
	},
}

func displaySessions(out io.Writer, sessions []*domain.BriefingSession, now time.Time) {
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(out, headerStyle.Render("No sessions found"))
		return
	}
	_, _ = fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Found %d session(s)", len(sessions))))
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("Session")+"\t"+titleStyle.Render("Subject")+"\t"+
		titleStyle.Render("Status")+"\t"+titleStyle.Render("Turns")+"\t"+
		titleStyle.Render("Images")+"\t"+titleStyle.Render("Updated")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, s := range sessions {
		subject := s.SubjectTitle
		if subject == "" {
			subject = "Untitled"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			idStyle.Render(s.ID),
			truncate(subject, 40),
			renderStatus(string(s.Status)),
			countStyle.Render(strconv.Itoa(len(s.Transcript))),
			countStyle.Render(strconv.Itoa(len(s.Images))),
			renderWhen(s.UpdatedAt, now),
		)
	}
	_ = w.Flush()
}

func init() {
	sessionsExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Export format (json, yaml, markdown)")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsExportCmd)
	rootCmd.AddCommand(sessionsCmd)
}
