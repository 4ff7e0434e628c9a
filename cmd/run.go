package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/progress"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full WAF comparison",
	Long: `Run a full WAF comparison.

Steps, each fatal on failure:
  1. Drop the results table
  2. Verify every WAF returns 200 for its base URL and blocks /<script>alert(1)</script>
  3. Verify the result database is reachable and create the table
  4. Download or extract any missing dataset
  5. Send every payload of every test case to every WAF and record the outcome

An empty WAF table skips step 5 with a warning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		showProgress, _ := cmd.Flags().GetBool("progress")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		tracker := progress.New(showProgress)
		runner, err := a.runner(tracker)
		if err != nil {
			return err
		}

		summary, err := runner.Run(ctx)
		if err != nil {
			return err
		}

		printRunSummary(summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("progress", true, "render phase progress on stderr")
}

func printRunSummary(s *orchestrator.RunSummary) {
	if s.Skipped {
		color.Yellow("No WAFs configured, payloads were not sent (run %s)\n", s.RunID)
		return
	}

	color.Cyan("\nRun %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	color.White("  Test cases:  %d\n", s.TestCases)
	color.White("  WAFs:        %d\n", s.Endpoints)
	color.White("  Records:     %d\n", s.Records)
	color.Green("  Blocked:     %d\n", s.Blocked)
	color.Yellow("  Not blocked: %d\n", s.NotBlocked)
	if s.Failed > 0 {
		color.Red("  Failed:      %d\n", s.Failed)
	} else {
		color.White("  Failed:      0\n")
	}
}
