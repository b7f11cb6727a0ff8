package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/echo-briefing/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultDBPath = "./data/echo.db"

var (
	verbose bool
	dbPath  string
	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "echoctl",
	Short: "Inspect and maintain an Echo briefing database",
	Long: `echoctl reads the SQLite database written by the Echo briefing server.

It lists background generation jobs, lists and exports briefing sessions
(JSON, YAML, Markdown) and removes expired job records.

Quick Start:
  echoctl jobs list                        # Recent jobs across all users
  echoctl sessions list <user-id>          # A user's briefings
  echoctl sessions export <user-id> <session-id> --format md
  echoctl sweep                            # Delete expired job records

The database path comes from --db, then DB_PATH (a .env file is honoured).`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

		if cmd.Flags().Changed("db") {
			return
		}
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}
		if p := os.Getenv("DB_PATH"); p != "" {
			dbPath = p
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "Path to the SQLite database")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func openStore() (store.Repository, error) {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return repo, nil
}

func closeStore(repo store.Repository) {
	if err := repo.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
