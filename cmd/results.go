package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/database"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect recorded comparison results",
}

var resultsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Blocked / not blocked / failed counts per WAF and dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := GetLogger().WithComponent("results")
		output, _ := cmd.Flags().GetString("output")

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		start := time.Now()
		counts, err := store.Summarize(cmd.Context())
		if err != nil {
			logger.Errorw("Failed to summarize results", "error", err, "table", store.Table())
			return fmt.Errorf("failed to summarize results: %w", err)
		}

		if err := writeSummary(os.Stdout, output, counts); err != nil {
			return err
		}

		logger.Infow("Summary generated",
			"table", store.Table(),
			"rows", len(counts),
			"duration_seconds", time.Since(start).Seconds(),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsSummaryCmd)
	resultsSummaryCmd.Flags().String("output", "table", "Output format (table, json, csv)")
}

func writeSummary(w io.Writer, format string, counts []types.OutcomeCount) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	case "csv":
		return writeSummaryCSV(w, counts)
	case "table", "":
		printSummaryTable(w, counts)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeSummaryCSV(w io.Writer, counts []types.OutcomeCount) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"waf_name", "dataset", "total", "blocked", "not_blocked", "failed", "block_rate"}); err != nil {
		return err
	}
	for _, c := range counts {
		record := []string{
			c.WAFName,
			c.Dataset,
			strconv.Itoa(c.Total),
			strconv.Itoa(c.Blocked),
			strconv.Itoa(c.NotBlocked),
			strconv.Itoa(c.Failed),
			strconv.FormatFloat(c.BlockRate(), 'f', 4, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func printSummaryTable(w io.Writer, counts []types.OutcomeCount) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "No results recorded")
		return
	}

	fmt.Fprintf(w, "%-20s %-20s %8s %8s %12s %8s %10s\n",
		"WAF", "DATASET", "TOTAL", "BLOCKED", "NOT BLOCKED", "FAILED", "BLOCK RATE")
	for _, c := range counts {
		fmt.Fprintf(w, "%-20s %-20s %8d %8d %12d %8d %10s\n",
			c.WAFName, c.Dataset, c.Total, c.Blocked, c.NotBlocked, c.Failed, colorRate(c))
	}
}
