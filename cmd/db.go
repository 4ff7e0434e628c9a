package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Result database commands",
}

var dbDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the results table",
	Long: `Drop the results table if it exists.

A run does this itself before sending payloads; use this to clear results
without starting a run.`,
	RunE: runDBDrop,
}

var dbPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the result database is reachable",
	RunE:  runDBPing,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbDropCmd)
	dbCmd.AddCommand(dbPingCmd)
}

func runDBDrop(cmd *cobra.Command, args []string) error {
	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	if err := store.DropResults(ctx); err != nil {
		return err
	}

	color.Green("✓ Dropped table %s\n", store.Table())
	return nil
}

func runDBPing(cmd *cobra.Command, args []string) error {
	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return err
	}

	color.Green("✓ Database reachable\n")
	return nil
}
