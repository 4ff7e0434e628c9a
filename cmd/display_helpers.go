// cmd/display_helpers.go - Shared display and formatting helpers
package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// colorRate colours a block rate by dataset: on malicious traffic a high
// rate is good, on legitimate traffic it means false positives.
func colorRate(c types.OutcomeCount) string {
	rate := c.BlockRate()
	text := fmt.Sprintf("%.1f%%", rate*100)

	good := rate >= 0.9
	if isLegitimate(c.Dataset) {
		good = rate <= 0.1
	}

	switch {
	case c.Blocked+c.NotBlocked == 0:
		return color.New(color.FgWhite).Sprint("n/a")
	case good:
		return color.New(color.FgGreen).Sprint(text)
	default:
		return color.New(color.FgRed).Sprint(text)
	}
}

func isLegitimate(dataset string) bool {
	return cfg != nil && dataset == cfg.Datasets.LegitimateDir
}
