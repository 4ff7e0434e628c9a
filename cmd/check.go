package cmd

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/prober"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every configured WAF is reachable and enforcing",
	Long: `Verify every configured WAF is reachable and enforcing.

Each WAF must answer its base URL with 200 and block a GET to
<base>/<script>alert(1)</script>. Nothing is written to the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.registry.Len() == 0 {
			color.Yellow("No WAFs configured\n")
			return nil
		}

		err = a.prober().Verify(ctx)

		var verr *prober.VerificationError
		if errors.As(err, &verr) {
			failed := make(map[string]bool, len(verr.Failures))
			for _, f := range verr.Failures {
				failed[f.Endpoint] = true
				color.Red("  ✗ %s\n", f.String())
			}
			for _, ep := range a.registry.Endpoints() {
				if !failed[ep.Name] {
					color.Green("  ✓ %s (%s)\n", ep.Name, ep.BaseURL)
				}
			}
			return err
		}
		if err != nil {
			return err
		}

		for _, ep := range a.registry.Endpoints() {
			color.Green("  ✓ %s (%s)\n", ep.Name, ep.BaseURL)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
